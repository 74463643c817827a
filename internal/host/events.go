package host

import "encoding/json"

// Event is the tagged union of notifications a Host emits.
type Event interface {
	hostEvent()
}

// DebuggerEvent is a protocol event raised on an attached tab or one of its
// child sessions.
type DebuggerEvent struct {
	Source Debuggee
	Method string
	Params json.RawMessage
}

// DebuggerDetached reports that the debugger lost a tab without the agent
// asking for it.
type DebuggerDetached struct {
	TabID  int
	Reason string
}

type TabCreated struct {
	Tab Tab
}

// TabUpdated carries the changed fields; empty strings mean unchanged.
type TabUpdated struct {
	TabID  int
	Status string
	URL    string
	Title  string
}

type TabRemoved struct {
	TabID int
}

// TabReplaced reports that the browser swapped a tab for a prerendered one.
type TabReplaced struct {
	AddedTabID   int
	RemovedTabID int
}

type TabActivated struct {
	TabID int
}

type NavigationCompleted struct {
	TabID     int
	MainFrame bool
}

func (DebuggerEvent) hostEvent()       {}
func (DebuggerDetached) hostEvent()    {}
func (TabCreated) hostEvent()          {}
func (TabUpdated) hostEvent()          {}
func (TabRemoved) hostEvent()          {}
func (TabReplaced) hostEvent()         {}
func (TabActivated) hostEvent()        {}
func (NavigationCompleted) hostEvent() {}
