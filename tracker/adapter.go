package tracker

import "context"

// Adapter is the device specific side of a tracker. Every method is a synchronous hardware call;
// a returned error makes the tracker treat the call as failed. When threading is enabled
// FetchFrame is called from a worker goroutine while the other methods are called from the
// goroutine driving the tracker, but never concurrently with FetchFrame.
type Adapter interface {
	// Open establishes communication with the device.
	Open(ctx context.Context) error
	// Close ends communication with the device.
	Close(ctx context.Context) error
	// ActivateTools enables the tools plugged into the device and describes them, one entry per
	// port.
	ActivateTools(ctx context.Context) ([]PortDescription, error)
	// DeactivateTools disables the tools enabled by ActivateTools.
	DeactivateTools(ctx context.Context) error
	// StartTracking puts the device in tracking mode.
	StartTracking(ctx context.Context) error
	// StopTracking takes the device out of tracking mode.
	StopTracking(ctx context.Context) error
	// Reset performs a device level reset without leaving tracking mode.
	Reset(ctx context.Context) error
	// FetchFrame reads the latest pose of every tool.
	FetchFrame(ctx context.Context) (Frame, error)
}

// PortDescription describes a port and the tools it hosts.
type PortDescription struct {
	Name  string
	Tools []ToolDescription
}

// ToolDescription describes one tool on a port.
type ToolDescription struct {
	Name string
}

// Frame is one reading of the device.
type Frame struct {
	Samples []Sample
}

// Sample is the raw pose of one tool in a frame.
type Sample struct {
	Port int
	Tool int
	// Quaternion is in (x, y, z, w) order and need not be normalized.
	Quaternion  [4]float64
	Translation [3]float64
	Error       float64
	// InView is false when the device could not see the tool this frame.
	InView bool
	// Enabled is false when the port is not initialized or the tool is missing.
	Enabled bool
}

// Raw returns the sample as the eight values stored per tool: quaternion (x, y, z, w),
// translation (x, y, z) and error.
func (s Sample) Raw() [8]float64 {
	return [8]float64{
		s.Quaternion[0], s.Quaternion[1], s.Quaternion[2], s.Quaternion[3],
		s.Translation[0], s.Translation[1], s.Translation[2],
		s.Error,
	}
}
