package models

import (
	"encoding/json"
	"fmt"
)

// Action kinds accepted by the dispatcher. The wire format is a tagged
// union: {"type": "<kind>", ...kind-specific fields}.
const (
	ActionGoto             = "goto"
	ActionBack             = "back"
	ActionForward          = "forward"
	ActionReload           = "reload"
	ActionType             = "type"
	ActionPress            = "press"
	ActionMouseMove        = "mouseMove"
	ActionClick            = "click"
	ActionScroll           = "scroll"
	ActionScrollTo         = "scrollTo"
	ActionWait             = "wait"
	ActionWaitForLoad      = "waitForLoad"
	ActionWaitForSelector  = "waitForSelector"
	ActionWaitForRole      = "waitForRole"
	ActionScreenshot       = "screenshot"
	ActionSnapshotDOM      = "snapshot.dom"
	ActionSnapshotA11y     = "snapshot.a11y"
	ActionLocate           = "locate"
	ActionPick             = "pick"
	ActionExtract          = "extract"
	ActionFillForm         = "fillForm"
	ActionUploadFile       = "uploadFile"
	ActionEvaluate         = "evaluate"
	ActionTabNew           = "tab.new"
	ActionTabSwitch        = "tab.switch"
	ActionTabClose         = "tab.close"
	ActionTabsList         = "tabs.list"
	ActionStreamSetFps     = "stream.setFps"
	ActionStreamSetQuality = "stream.setQuality"
	ActionRedactionSet     = "redaction.set"
)

// FormField is one entry of a fillForm action.
type FormField struct {
	Selector  string `json:"selector"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive,omitempty"` // redacted in broadcasts
}

// Action is one declarative instruction against a session's active tab.
// Only the fields relevant to Type are set; Validate rejects malformed
// actions before they reach the browser driver.
type Action struct {
	Type string `json:"type"`

	// Navigation
	URL string `json:"url,omitempty"`

	// Input
	Text    string   `json:"text,omitempty"`    // type
	Key     string   `json:"key,omitempty"`     // press
	X       *float64 `json:"x,omitempty"`       // mouseMove, click, scrollTo
	Y       *float64 `json:"y,omitempty"`       // mouseMove, click, scrollTo
	DeltaX  float64  `json:"dx,omitempty"`      // scroll
	DeltaY  float64  `json:"dy,omitempty"`      // scroll
	Button  string   `json:"button,omitempty"`  // click, default "left"

	// Target resolution (click, locate, pick, waits, fill, upload)
	Selector string `json:"selector,omitempty"`
	Role     string `json:"role,omitempty"`
	Name     string `json:"name,omitempty"`

	// Waiting
	Ms        int `json:"ms,omitempty"`        // wait
	TimeoutMs int `json:"timeoutMs,omitempty"` // waitForSelector, waitForRole

	// Introspection
	Limit  int             `json:"limit,omitempty"`  // pick, max matched elements
	Schema json.RawMessage `json:"schema,omitempty"` // extract

	// Forms
	Fields []FormField `json:"fields,omitempty"` // fillForm
	Files  []string    `json:"files,omitempty"`  // uploadFile

	// Scripting
	Script    string `json:"script,omitempty"`    // evaluate
	Sensitive bool   `json:"sensitive,omitempty"` // evaluate, redact script in broadcasts

	// Tab management
	TabID string `json:"tabId,omitempty"` // tab.switch, tab.close

	// Stream / redaction configuration
	Fps     int   `json:"fps,omitempty"`     // stream.setFps
	Quality int   `json:"quality,omitempty"` // stream.setQuality
	Enabled *bool `json:"enabled,omitempty"` // redaction.set
}

// Validate checks that the required fields for the action's kind are
// present. It is called at decode time so malformed actions are rejected
// before dispatch instead of failing deep inside driver calls.
func (a *Action) Validate() error {
	switch a.Type {
	case "":
		return fmt.Errorf("action is missing 'type'")
	case ActionGoto:
		if a.URL == "" {
			return fmt.Errorf("goto requires 'url'")
		}
	case ActionType:
		if a.Text == "" {
			return fmt.Errorf("type requires 'text'")
		}
	case ActionPress:
		if a.Key == "" {
			return fmt.Errorf("press requires 'key'")
		}
	case ActionMouseMove, ActionScrollTo:
		if a.X == nil || a.Y == nil {
			return fmt.Errorf("%s requires 'x' and 'y'", a.Type)
		}
	case ActionClick:
		if a.Selector == "" && a.Role == "" && (a.X == nil || a.Y == nil) {
			return fmt.Errorf("click requires 'selector', 'role' or coordinates")
		}
		switch a.Button {
		case "", "left", "right", "middle":
		default:
			return fmt.Errorf("unknown mouse button %q", a.Button)
		}
	case ActionWait:
		if a.Ms <= 0 {
			return fmt.Errorf("wait requires a positive 'ms'")
		}
	case ActionWaitForSelector:
		if a.Selector == "" {
			return fmt.Errorf("waitForSelector requires 'selector'")
		}
	case ActionWaitForRole:
		if a.Role == "" {
			return fmt.Errorf("waitForRole requires 'role'")
		}
	case ActionLocate:
		if a.Selector == "" && a.Role == "" {
			return fmt.Errorf("locate requires 'selector' or 'role'")
		}
	case ActionPick:
		if a.Selector == "" {
			return fmt.Errorf("pick requires 'selector'")
		}
	case ActionExtract:
		if len(a.Schema) == 0 {
			return fmt.Errorf("extract requires 'schema'")
		}
	case ActionFillForm:
		if len(a.Fields) == 0 {
			return fmt.Errorf("fillForm requires 'fields'")
		}
		for i, f := range a.Fields {
			if f.Selector == "" {
				return fmt.Errorf("fillForm field %d is missing 'selector'", i)
			}
		}
	case ActionUploadFile:
		if a.Selector == "" || len(a.Files) == 0 {
			return fmt.Errorf("uploadFile requires 'selector' and 'files'")
		}
	case ActionEvaluate:
		if a.Script == "" {
			return fmt.Errorf("evaluate requires 'script'")
		}
	case ActionTabSwitch:
		if a.TabID == "" {
			return fmt.Errorf("tab.switch requires 'tabId'")
		}
	case ActionStreamSetFps, ActionStreamSetQuality:
		// out-of-range values are clamped at dispatch, never rejected
	case ActionRedactionSet:
		if a.Enabled == nil {
			return fmt.Errorf("redaction.set requires 'enabled'")
		}
	case ActionBack, ActionForward, ActionReload, ActionScroll,
		ActionWaitForLoad, ActionScreenshot, ActionSnapshotDOM,
		ActionSnapshotA11y, ActionTabNew, ActionTabClose, ActionTabsList:
		// no required fields
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// Box is a resolved element bounding box in page coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box, the point synthetic cursor
// events and clicks are aimed at.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// PickedElement is one element matched by a pick action.
type PickedElement struct {
	Tag  string            `json:"tag"`
	Text string            `json:"text,omitempty"`
	Attr map[string]string `json:"attr,omitempty"`
}

// TabInfo is the client-visible description of one tab.
type TabInfo struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// ActionOutput is the result of one executed action. Type mirrors the
// action kind on success, or is "error" / "goto_blocked" for the two
// non-success outcomes.
type ActionOutput struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`  // original kind, set on error outputs
	Message string `json:"message,omitempty"` // error detail

	URL    string `json:"url,omitempty"`
	Reason string `json:"reason,omitempty"` // goto_blocked: "domain_not_allowed" or "robots_disallowed"
	Title  string `json:"title,omitempty"`
	Href   string `json:"href,omitempty"` // screenshot artifact path under /shots/

	TabID string    `json:"tabId,omitempty"`
	Tabs  []TabInfo `json:"tabs,omitempty"`

	Box      *Box            `json:"box,omitempty"`
	Found    *bool           `json:"found,omitempty"`
	Elements []PickedElement `json:"elements,omitempty"`

	DOM  string      `json:"dom,omitempty"`
	A11y interface{} `json:"a11y,omitempty"`

	JSON       interface{} `json:"json,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`

	Value interface{} `json:"value,omitempty"` // evaluate result

	Fps     int   `json:"fps,omitempty"`
	Quality int   `json:"quality,omitempty"`
	Enabled *bool `json:"enabled,omitempty"`
}

// ErrorOutput builds the error-isolation output for a failed action.
func ErrorOutput(kind string, err error) ActionOutput {
	return ActionOutput{Type: "error", Action: kind, Message: err.Error()}
}
