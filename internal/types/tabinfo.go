package types

// TabState is the lifecycle state of an attached tab.
type TabState string

const (
	TabConnecting TabState = "connecting"
	TabConnected  TabState = "connected"
)

// WSState describes the relay connection as reported by Tab.getStatus.
type WSState string

const (
	WSConnected    WSState = "connected"
	WSConnecting   WSState = "connecting"
	WSDisconnected WSState = "disconnected"
)

// TabSummary is one entry of the Tab.list result.
type TabSummary struct {
	TabID      int      `json:"tabId"`
	SessionID  string   `json:"sessionId"`
	TargetID   string   `json:"targetId"`
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Status     TabState `json:"status"`
	AttachedAt int64    `json:"attachedAt"`
}

// AgentStatus is the Tab.getStatus result and the body of the status API.
type AgentStatus struct {
	WSState       WSState      `json:"wsState"`
	AttachedCount int          `json:"attachedCount"`
	Tabs          []TabSummary `json:"tabs"`
	Uptime        int64        `json:"uptime"`
	LastError     string       `json:"lastError,omitempty"`
}
