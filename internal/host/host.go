// Package host defines the browser capabilities the relay agent depends on.
// The agent never talks to a browser directly; it is handed an implementation
// of Host (CDP-backed in production, in-memory in tests).
package host

import (
	"context"
	"encoding/json"
)

// Detach reasons reported by the debugger.
const (
	ReasonCanceledByUser       = "canceled_by_user"
	ReasonReplacedWithDevtools = "replaced_with_devtools"
	ReasonTargetClosed         = "target_closed"
)

// Debuggee addresses a debugger target: the root session of a tab, or a child
// session nested under it when SessionID is set.
type Debuggee struct {
	TabID     int
	SessionID string
}

// Tab is the host's view of a browser tab.
type Tab struct {
	ID       int    `json:"id"`
	TargetID string `json:"targetId,omitempty"`
	WindowID int    `json:"windowId,omitempty"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Status   string `json:"status,omitempty"`
	Active   bool   `json:"active"`
}

// Debugger attaches to tabs and issues protocol commands on them.
type Debugger interface {
	Attach(ctx context.Context, tabID int) error
	Detach(ctx context.Context, tabID int) error
	SendCommand(ctx context.Context, target Debuggee, method string, params json.RawMessage) (json.RawMessage, error)
}

// Tabs queries and manipulates browser tabs.
type Tabs interface {
	Get(ctx context.Context, tabID int) (Tab, error)
	Query(ctx context.Context) ([]Tab, error)
	Create(ctx context.Context, url string, active bool) (Tab, error)
	Close(ctx context.Context, tabID int) error
	// Activate focuses the tab's window and makes the tab active.
	Activate(ctx context.Context, tabID int) error
}

// Cookies reads and writes the browser cookie store.
type Cookies interface {
	GetAll(ctx context.Context, filter CookieFilter) ([]Cookie, error)
	Set(ctx context.Context, details CookieDetails) (*Cookie, error)
	Remove(ctx context.Context, url, name string) (*CookieRef, error)
}

// Downloads starts and tracks file downloads.
type Downloads interface {
	Download(ctx context.Context, opts DownloadOptions) (int, error)
	Search(ctx context.Context, query DownloadQuery) ([]DownloadItem, error)
	Cancel(ctx context.Context, id int) error
	Open(ctx context.Context, id int) error
}

// Host bundles every capability together with the host event stream.
type Host interface {
	Debugger
	Tabs
	Cookies
	Downloads
	// Events delivers debugger and tab lifecycle notifications in order.
	Events() <-chan Event
}

// BadgeKind is the per-tab indicator state.
type BadgeKind string

const (
	BadgeOn         BadgeKind = "on"
	BadgeOff        BadgeKind = "off"
	BadgeConnecting BadgeKind = "connecting"
	BadgeError      BadgeKind = "error"
)

// GlobalBadge is the agent-wide indicator.
type GlobalBadge struct {
	Text  string `json:"text"`
	Color string `json:"color"`
	Title string `json:"title"`
}

// Indicator is the visual status sink.
type Indicator interface {
	SetTab(tabID int, kind BadgeKind)
	SetGlobal(badge GlobalBadge)
}
