package tracker

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/igtkit/igtk/spatialmath"
)

// ToolHandle names a tool by port index and index of the tool on that port.
type ToolHandle struct {
	Port int
	Tool int
}

func (h ToolHandle) String() string {
	return fmt.Sprintf("%d:%d", h.Port, h.Tool)
}

// port groups the tools sharing one hardware channel.
type port struct {
	name  string
	tools []*tool
}

// tool is the tracker's record of one tracked instrument. Tools are owned by their port and only
// reachable through the tracker.
type tool struct {
	handle ToolHandle
	name   string

	// transform is the raw pose from the most recent poll the tool was seen in.
	transform   spatialmath.Transform
	calibration *spatialmath.Transform
	visible     bool
	updated     bool
	attached    []Movable

	// reported is set once availability has been announced for the tool.
	reported bool
}

// ToolInfo is a snapshot of a tool's bookkeeping.
type ToolInfo struct {
	Handle   ToolHandle
	Name     string
	PortName string
	// Visible is true when the tool was in view in the last interpreted frame.
	Visible bool
	// Updated is true when the last interpreted frame updated the tool's pose.
	Updated bool
	// Transform is the raw pose as last stored.
	Transform spatialmath.Transform
}

// buildPorts turns the adapter's description of its ports into the tracker's port list.
func buildPorts(descriptions []PortDescription) ([]*port, error) {
	ports := make([]*port, 0, len(descriptions))
	seen := map[string]ToolHandle{}
	for pi, pd := range descriptions {
		if len(pd.Tools) == 0 {
			return nil, errors.Errorf("port %d (%q) reports no tools", pi, pd.Name)
		}
		p := &port{name: pd.Name}
		if p.name == "" {
			p.name = fmt.Sprintf("port%d", pi)
		}
		for ti, td := range pd.Tools {
			h := ToolHandle{Port: pi, Tool: ti}
			name := td.Name
			if name == "" {
				name = fmt.Sprintf("%s/tool%d", p.name, ti)
			}
			if other, ok := seen[name]; ok {
				return nil, errors.Errorf("tool name %q used by both %s and %s", name, other, h)
			}
			seen[name] = h
			p.tools = append(p.tools, &tool{
				handle:    h,
				name:      name,
				transform: spatialmath.NewIdentityTransform(),
			})
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func (t *Tracker) toolLocked(portIdx, toolIdx int) (*tool, error) {
	if portIdx < 0 || portIdx >= len(t.ports) {
		return nil, newIndexOutOfRangeError(portIdx, toolIdx)
	}
	p := t.ports[portIdx]
	if toolIdx < 0 || toolIdx >= len(p.tools) {
		return nil, newIndexOutOfRangeError(portIdx, toolIdx)
	}
	return p.tools[toolIdx], nil
}

func (t *Tracker) handlesLocked() []ToolHandle {
	var handles []ToolHandle
	for _, p := range t.ports {
		for _, tl := range p.tools {
			handles = append(handles, tl.handle)
		}
	}
	return handles
}

func (t *Tracker) infoLocked(tl *tool) ToolInfo {
	return ToolInfo{
		Handle:    tl.handle,
		Name:      tl.name,
		PortName:  t.ports[tl.handle.Port].name,
		Visible:   tl.visible,
		Updated:   tl.updated,
		Transform: tl.transform,
	}
}

// NumberOfPorts returns the number of ports found when the tools were activated.
func (t *Tracker) NumberOfPorts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ports)
}

// NumberOfTools returns the number of tools on a port.
func (t *Tracker) NumberOfTools(portIdx int) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if portIdx < 0 || portIdx >= len(t.ports) {
		return 0, newIndexOutOfRangeError(portIdx, 0)
	}
	return len(t.ports[portIdx].tools), nil
}

// Tool returns a snapshot of one tool.
func (t *Tracker) Tool(portIdx, toolIdx int) (ToolInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tl, err := t.toolLocked(portIdx, toolIdx)
	if err != nil {
		return ToolInfo{}, err
	}
	return t.infoLocked(tl), nil
}

// Tools returns a snapshot of every tool, ordered by port then tool.
func (t *Tracker) Tools() []ToolInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var infos []ToolInfo
	for _, p := range t.ports {
		for _, tl := range p.tools {
			infos = append(infos, t.infoLocked(tl))
		}
	}
	return infos
}

// ToolByName finds a tool by the name it was activated with.
func (t *Tracker) ToolByName(name string) (ToolInfo, error) {
	for _, info := range t.Tools() {
		if info.Name == name {
			return info, nil
		}
	}
	return ToolInfo{}, errors.Wrapf(ErrIndexOutOfRange, "no tool named %q", name)
}

// ToolVisible reports whether the tool was in view in the last interpreted frame.
func (t *Tracker) ToolVisible(portIdx, toolIdx int) (bool, error) {
	info, err := t.Tool(portIdx, toolIdx)
	return info.Visible, err
}

// AttachObjectToTrackerTool makes obj follow a tool: every time the tool's pose is updated obj
// receives the composed transform. Out of range indices leave obj unattached.
func (t *Tracker) AttachObjectToTrackerTool(portIdx, toolIdx int, obj Movable) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, err := t.toolLocked(portIdx, toolIdx)
	if err != nil {
		return err
	}
	tl.attached = append(tl.attached, obj)
	return nil
}
