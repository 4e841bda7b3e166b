package models

// Server→client socket event types. Every message on the data plane is a
// JSON object of shape {"type": <one of these>, ...payload}.
const (
	EventStreamStart    = "stream_start"
	EventState          = "state"
	EventFrame          = "frame"
	EventURL            = "url"
	EventTabs           = "tabs"
	EventConsole        = "console"
	EventNetwork        = "network"
	EventDownload       = "download"
	EventScreenshot     = "screenshot"
	EventCursorMove     = "cursor_move"
	EventCursorClick    = "cursor_click"
	EventActionStart    = "action_start"
	EventActionDone     = "action_done"
	EventActionError    = "action_error"
	EventStream         = "stream"
	EventRedaction      = "redaction"
	EventStreamTakeover = "stream_takeover"
)

// Event is one serialized socket message. The broadcaster merges the type
// tag into the payload map before sending.
type Event map[string]interface{}

// NewEvent builds an event of the given type from payload fields.
func NewEvent(eventType string, fields map[string]interface{}) Event {
	ev := Event{"type": eventType}
	for k, v := range fields {
		ev[k] = v
	}
	return ev
}

// SocketRequest is a client→server message on the data plane. Only
// {"type":"action", "action":{...}} is accepted.
type SocketRequest struct {
	Type   string  `json:"type"`
	Action *Action `json:"action,omitempty"`
}

// LogEntry is one captured console message.
type LogEntry struct {
	Level string `json:"level"`
	Text  string `json:"text"`
	TabID string `json:"tabId"`
	Ts    int64  `json:"ts"` // unix milliseconds
}

// NetworkEntry is one captured request/response pair summary.
type NetworkEntry struct {
	Method   string `json:"method"`
	URL      string `json:"url"`
	Status   int    `json:"status,omitempty"`
	Resource string `json:"resource,omitempty"` // document, xhr, image, ...
	TabID    string `json:"tabId"`
	Ts       int64  `json:"ts"`
}

// Download is one file the page handed to the browser.
type Download struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Href     string `json:"href"` // served under /downloads/
	Size     int64  `json:"size,omitempty"`
	TabID    string `json:"tabId,omitempty"`
	Ts       int64  `json:"ts"`
}

// Viewport is the session's page dimensions in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StateSnapshot is the full resync payload pushed right after a socket
// attaches, so a reconnecting observer never needs event replay.
type StateSnapshot struct {
	SessionID        string         `json:"sessionId"`
	Viewport         Viewport       `json:"viewport"`
	Tabs             []TabInfo      `json:"tabs"`
	ActiveTabID      string         `json:"activeTabId"`
	StreamFps        int            `json:"streamFps"`
	StreamQuality    int            `json:"streamQuality"`
	RedactionEnabled bool           `json:"redactionEnabled"`
	Downloads        []Download     `json:"downloads"` // last 20
	Logs             []LogEntry     `json:"logs"`      // last 100
	Network          []NetworkEntry `json:"network"`   // last 100
}
