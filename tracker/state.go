package tracker

// State is a tracker lifecycle state.
type State int

// The lifecycle states. Only Idle, CommunicationEstablished, ToolsActive and Tracking are ever
// observed by callers; the Attempting states last for the duration of one hardware call.
const (
	Idle State = iota
	AttemptingToEstablishCommunication
	CommunicationEstablished
	AttemptingToActivateTools
	ToolsActive
	AttemptingToTrack
	Tracking
	AttemptingToStopTracking
	AttemptingToClose
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AttemptingToEstablishCommunication:
		return "AttemptingToEstablishCommunication"
	case CommunicationEstablished:
		return "CommunicationEstablished"
	case AttemptingToActivateTools:
		return "AttemptingToActivateTools"
	case ToolsActive:
		return "ToolsActive"
	case AttemptingToTrack:
		return "AttemptingToTrack"
	case Tracking:
		return "Tracking"
	case AttemptingToStopTracking:
		return "AttemptingToStopTracking"
	case AttemptingToClose:
		return "AttemptingToClose"
	}
	return "Unknown"
}

// input drives the lifecycle state machine.
type input int

const (
	inputEstablishCommunication input = iota
	inputActivateTools
	inputStartTracking
	inputUpdateStatus
	inputReset
	inputStopTracking
	inputCloseCommunication
	inputSuccess
	inputFailure
)

func (in input) String() string {
	switch in {
	case inputEstablishCommunication:
		return "open"
	case inputActivateTools:
		return "initialize"
	case inputStartTracking:
		return "start tracking"
	case inputUpdateStatus:
		return "update status"
	case inputReset:
		return "reset"
	case inputStopTracking:
		return "stop tracking"
	case inputCloseCommunication:
		return "close"
	case inputSuccess:
		return "success"
	case inputFailure:
		return "failure"
	}
	return "unknown"
}
