package models

import "encoding/json"

// CreateSessionRequest is the body of POST /session/create. Device names a
// preset from the device file; explicit viewport/userAgent win over it.
type CreateSessionRequest struct {
	Viewport  *Viewport `json:"viewport,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Locale    string    `json:"locale,omitempty"`
	Device    string    `json:"device,omitempty"`
}

// CreateSessionResponse returns the new session id and the socket URL the
// client should attach to.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	WsURL     string `json:"wsUrl"`
}

// RunRequest is the body of POST /session/:id/job/run.
type RunRequest struct {
	Actions []Action `json:"actions"`
}

// RunResponse carries one output per submitted action plus any downloads
// collected during the batch.
type RunResponse struct {
	OK        bool           `json:"ok"`
	Outputs   []ActionOutput `json:"outputs"`
	Artifacts []Download     `json:"artifacts"`
}

// SnapshotResponse is the body of POST /session/:id/snapshot.
type SnapshotResponse struct {
	DOM        string      `json:"dom"` // first 100k chars
	A11y       interface{} `json:"a11y"`
	Screenshot string      `json:"screenshot"` // href under /shots/
	Text       string      `json:"text,omitempty"`
}

// ExtractRequest is the body of POST /session/:id/extract.
type ExtractRequest struct {
	Schema json.RawMessage `json:"schema"`
}

// ExtractResponse returns the matched schema values.
type ExtractResponse struct {
	JSON       interface{} `json:"json"`
	Confidence float64     `json:"confidence"`
}
