package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"periscope/internal/artifacts"
	"periscope/internal/browser/browsertest"
	"periscope/internal/config"
	"periscope/internal/models"
	"periscope/internal/policy"
	"periscope/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		StreamFps:     5,
		StreamQuality: 50,
		ActionTimeout: 5 * time.Second,
		WaitTimeout:   500 * time.Millisecond,
	}
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *session.Registry
	sess       *session.Session
	page       *browsertest.Page
}

func setup(t *testing.T, allowedHosts []string) *fixture {
	t.Helper()
	cfg := testConfig()
	store, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}
	driver := browsertest.New()
	registry := session.NewRegistry(driver, store, cfg)

	sess, err := registry.Create(context.Background(), session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	return &fixture{
		dispatcher: New(cfg, policy.NewAllowlist(allowedHosts), nil, store),
		registry:   registry,
		sess:       sess,
		page:       driver.Contexts()[0].Pages()[0],
	}
}

// recordingSink captures broadcast events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Send(ev models.Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return true
}

func (r *recordingSink) Close() {}

func (r *recordingSink) find(eventType string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev["type"] == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestBatchErrorIsolation(t *testing.T) {
	f := setup(t, nil)

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionGoto, URL: "https://example.com"},
		{Type: models.ActionClick, Selector: "#missing"},
		{Type: models.ActionType, Text: "hello"},
	})

	if len(outputs) != 3 {
		t.Fatalf("Expected 3 outputs, got %d", len(outputs))
	}
	if outputs[0].Type != models.ActionGoto {
		t.Errorf("outputs[0].type = %q", outputs[0].Type)
	}
	if outputs[1].Type != "error" || outputs[1].Action != models.ActionClick {
		t.Errorf("Expected error output for failed click, got %+v", outputs[1])
	}
	if outputs[2].Type != models.ActionType {
		t.Errorf("Batch should continue past a failed action, got %+v", outputs[2])
	}
	if len(f.page.TypedText) != 1 || f.page.TypedText[0] != "hello" {
		t.Errorf("Action after the failure did not execute, typed=%v", f.page.TypedText)
	}
}

func TestGotoBlockedByAllowlist(t *testing.T) {
	f := setup(t, []string{"example.com"})

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionGoto, URL: "https://evil.com/page"},
	})

	out := outputs[0]
	if out.Type != "goto_blocked" {
		t.Fatalf("Expected goto_blocked, got %q", out.Type)
	}
	if out.Reason != "domain_not_allowed" {
		t.Errorf("Expected reason domain_not_allowed, got %q", out.Reason)
	}
	if f.page.CurrentURL != "" {
		t.Errorf("Blocked navigation must not move the tab, url=%q", f.page.CurrentURL)
	}
}

func TestGotoAllowsSubdomains(t *testing.T) {
	f := setup(t, []string{"example.com"})

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionGoto, URL: "https://docs.example.com/start"},
	})

	if outputs[0].Type != models.ActionGoto {
		t.Fatalf("Subdomain of an allowed host should pass, got %+v", outputs[0])
	}
	if f.page.CurrentURL != "https://docs.example.com/start" {
		t.Errorf("Tab url = %q", f.page.CurrentURL)
	}
}

func TestTypeBroadcastIsRedacted(t *testing.T) {
	f := setup(t, nil)
	sink := &recordingSink{}
	f.sess.Attach(sink)

	f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionType, Text: "secret123"},
	})

	starts := sink.find(models.EventActionStart)
	if len(starts) != 1 {
		t.Fatalf("Expected one action_start, got %d", len(starts))
	}
	broadcast, ok := starts[0]["action"].(models.Action)
	if !ok {
		t.Fatalf("action_start payload is %T", starts[0]["action"])
	}
	if broadcast.Text != "[redacted:9]" {
		t.Errorf("Broadcast text = %q, want [redacted:9]", broadcast.Text)
	}
	// The real payload still reaches the page.
	if len(f.page.TypedText) != 1 || f.page.TypedText[0] != "secret123" {
		t.Errorf("Page should receive the raw text, got %v", f.page.TypedText)
	}
}

func TestClickResolvesSelectorAndEmitsCursorEvents(t *testing.T) {
	f := setup(t, nil)
	f.page.Boxes = map[string]models.Box{
		"#submit": {X: 100, Y: 200, Width: 40, Height: 20},
	}
	sink := &recordingSink{}
	f.sess.Attach(sink)

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionClick, Selector: "#submit"},
	})

	if outputs[0].Type != models.ActionClick {
		t.Fatalf("Click failed: %+v", outputs[0])
	}
	if len(f.page.Clicks) != 1 {
		t.Fatalf("Expected one click, got %d", len(f.page.Clicks))
	}
	if x := f.page.Clicks[0].X; x != 120 {
		t.Errorf("Click should hit the box center, x=%v", x)
	}
	if len(sink.find(models.EventCursorMove)) != 1 || len(sink.find(models.EventCursorClick)) != 1 {
		t.Error("Expected cursor_move and cursor_click presentation events")
	}
}

func TestClickPrefersSelectorOverCoordinates(t *testing.T) {
	f := setup(t, nil)
	f.page.Boxes = map[string]models.Box{
		"#submit": {X: 100, Y: 200, Width: 40, Height: 20},
	}

	x, y := 5.0, 5.0
	f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionClick, Selector: "#submit", X: &x, Y: &y},
	})

	if len(f.page.Clicks) != 1 || f.page.Clicks[0].X != 120 {
		t.Errorf("Selector target must win over raw coordinates, clicks=%v", f.page.Clicks)
	}
}

func TestClickHonorsMouseButton(t *testing.T) {
	f := setup(t, nil)
	f.page.Boxes = map[string]models.Box{
		"#menu": {X: 100, Y: 40, Width: 40, Height: 20},
	}

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionClick, Selector: "#menu", Button: "right"},
		{Type: models.ActionClick, Selector: "#menu"},
	})

	for i, out := range outputs {
		if out.Type != models.ActionClick {
			t.Fatalf("outputs[%d] = %+v", i, out)
		}
	}
	if got := f.page.ClickButtons; len(got) != 2 || got[0] != "right" || got[1] != "left" {
		t.Errorf("Recorded buttons = %v, want [right left]", got)
	}
}

func TestStreamSettingClamping(t *testing.T) {
	f := setup(t, nil)

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionStreamSetFps, Fps: 100},
		{Type: models.ActionStreamSetQuality, Quality: 5},
	})

	if outputs[0].Fps != 30 {
		t.Errorf("fps 100 should clamp to 30, got %d", outputs[0].Fps)
	}
	if outputs[1].Quality != 20 {
		t.Errorf("quality 5 should clamp to 20, got %d", outputs[1].Quality)
	}
	fps, quality := f.sess.StreamSettings()
	if fps != 30 || quality != 20 {
		t.Errorf("Session settings = %d/%d", fps, quality)
	}

	outputs = f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionStreamSetFps, Fps: 0},
	})
	if outputs[0].Fps != 1 {
		t.Errorf("fps 0 should clamp to 1, got %d", outputs[0].Fps)
	}
}

func TestScreenshotStoresArtifact(t *testing.T) {
	f := setup(t, nil)

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionScreenshot},
	})

	if outputs[0].Type != models.ActionScreenshot {
		t.Fatalf("Screenshot failed: %+v", outputs[0])
	}
	if !strings.HasPrefix(outputs[0].Href, "/shots/") {
		t.Errorf("Screenshot href = %q, want /shots/ prefix", outputs[0].Href)
	}
}

func TestTabLifecycleActions(t *testing.T) {
	f := setup(t, nil)

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionTabNew},
		{Type: models.ActionTabsList},
	})

	if outputs[0].Type != models.ActionTabNew || outputs[0].TabID == "" {
		t.Fatalf("tab.new output: %+v", outputs[0])
	}
	if len(outputs[1].Tabs) != 2 {
		t.Errorf("Expected 2 tabs, got %d", len(outputs[1].Tabs))
	}
	if f.sess.ActiveTabID() != outputs[0].TabID {
		t.Error("New tab should become active")
	}

	outputs = f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionTabSwitch, TabID: "bogus"},
	})
	if outputs[0].Type != "error" {
		t.Errorf("Switch to unknown tab should fail, got %+v", outputs[0])
	}
}

func TestEvaluateDisabled(t *testing.T) {
	f := setup(t, nil)
	f.dispatcher.cfg.DisableEvaluate = true

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionEvaluate, Script: "1+1"},
	})

	if outputs[0].Type != "error" {
		t.Errorf("Evaluate should be rejected when disabled, got %+v", outputs[0])
	}
}

func TestWaitForSelectorTimesOut(t *testing.T) {
	f := setup(t, nil)

	start := time.Now()
	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionWaitForSelector, Selector: "#never", TimeoutMs: 100},
	})

	if outputs[0].Type != "error" {
		t.Fatalf("Expected timeout error, got %+v", outputs[0])
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Timeout took too long: %v", elapsed)
	}
}

func TestFillFormFillsEveryField(t *testing.T) {
	f := setup(t, nil)

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionFillForm, Fields: []models.FormField{
			{Selector: "#user", Value: "alice"},
			{Selector: "#pass", Value: "hunter2", Sensitive: true},
		}},
	})

	if outputs[0].Type != models.ActionFillForm {
		t.Fatalf("fillForm failed: %+v", outputs[0])
	}
	if f.page.FilledFields["#user"] != "alice" || f.page.FilledFields["#pass"] != "hunter2" {
		t.Errorf("Fields not filled: %v", f.page.FilledFields)
	}
}

func TestExtractRejectsBadSchema(t *testing.T) {
	f := setup(t, nil)

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionExtract, Schema: json.RawMessage(`{"neither":true}`)},
	})

	if outputs[0].Type != "error" {
		t.Errorf("Schema without list/single should fail, got %+v", outputs[0])
	}
}

func TestMalformedActionYieldsErrorOutput(t *testing.T) {
	f := setup(t, nil)

	outputs := f.dispatcher.Run(context.Background(), f.sess, []models.Action{
		{Type: models.ActionGoto}, // missing url
	})

	if outputs[0].Type != "error" {
		t.Errorf("Expected validation error output, got %+v", outputs[0])
	}
}
