package models

import (
	"encoding/json"
	"testing"
)

func TestActionValidate(t *testing.T) {
	x, y := 10.0, 20.0
	enabled := true

	valid := []Action{
		{Type: ActionGoto, URL: "https://example.com"},
		{Type: ActionType, Text: "hello"},
		{Type: ActionClick, Selector: "#btn"},
		{Type: ActionClick, Role: "button", Name: "Submit"},
		{Type: ActionClick, X: &x, Y: &y},
		{Type: ActionClick, Selector: "#btn", Button: "middle"},
		{Type: ActionWait, Ms: 100},
		{Type: ActionWaitForSelector, Selector: "#late"},
		{Type: ActionScreenshot},
		{Type: ActionTabsList},
		{Type: ActionExtract, Schema: json.RawMessage(`{"single":{"fields":{"t":"h1"}}}`)},
		{Type: ActionFillForm, Fields: []FormField{{Selector: "#a", Value: "v"}}},
		{Type: ActionEvaluate, Script: "1+1"},
		{Type: ActionStreamSetFps, Fps: 10},
		{Type: ActionStreamSetFps}, // clamped at dispatch, not rejected
		{Type: ActionRedactionSet, Enabled: &enabled},
	}
	for _, a := range valid {
		if err := a.Validate(); err != nil {
			t.Errorf("Validate(%s) = %v, want nil", a.Type, err)
		}
	}

	invalid := []Action{
		{Type: ActionGoto},
		{Type: ActionType},
		{Type: ActionClick}, // no target at all
		{Type: ActionClick, Selector: "#btn", Button: "double"},
		{Type: ActionWait},
		{Type: ActionWaitForSelector},
		{Type: ActionExtract},
		{Type: ActionFillForm, Fields: []FormField{{Value: "v"}}},
		{Type: ActionEvaluate},
		{Type: ActionTabSwitch},
		{Type: ActionRedactionSet},
		{Type: "made.up"},
		{},
	}
	for _, a := range invalid {
		if err := a.Validate(); err == nil {
			t.Errorf("Validate(%q) should fail", a.Type)
		}
	}
}

func TestActionDecodesDottedNames(t *testing.T) {
	raw := `{"type":"stream.setFps","fps":12}`
	var a Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if a.Type != ActionStreamSetFps || a.Fps != 12 {
		t.Errorf("Decoded %+v", a)
	}
}

func TestErrorOutput(t *testing.T) {
	out := ErrorOutput(ActionClick, errSentinel("boom"))
	if out.Type != "error" || out.Action != ActionClick || out.Message != "boom" {
		t.Errorf("ErrorOutput = %+v", out)
	}
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
