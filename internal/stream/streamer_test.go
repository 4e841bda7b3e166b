package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"periscope/internal/artifacts"
	"periscope/internal/browser/browsertest"
	"periscope/internal/config"
	"periscope/internal/models"
	"periscope/internal/session"
)

type collectingSink struct {
	mu     sync.Mutex
	frames []models.Event
	closed bool
}

func (c *collectingSink) Send(ev models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if ev["type"] == models.EventFrame {
		c.frames = append(c.frames, ev)
	}
	return true
}

func (c *collectingSink) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *collectingSink) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func makeSession(t *testing.T) (*session.Registry, *session.Session, *browsertest.Page) {
	t.Helper()
	store, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	driver := browsertest.New()
	registry := session.NewRegistry(driver, store, &config.Config{
		StreamFps:     30,
		StreamQuality: 50,
	})
	sess, err := registry.Create(context.Background(), session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return registry, sess, driver.Contexts()[0].Pages()[0]
}

func TestStreamerPushesFrames(t *testing.T) {
	_, sess, _ := makeSession(t)
	sink := &collectingSink{}
	sess.Attach(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, sess, sink)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.frameCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if sink.frameCount() < 2 {
		t.Fatalf("Expected at least 2 frames, got %d", sink.frameCount())
	}
	frame := sink.frames[0]
	if frame["jpegBase64"] == "" || frame["jpegBase64"] == nil {
		t.Error("Frame is missing jpegBase64 payload")
	}
	if w, _ := frame["w"].(int); w != 1280 {
		t.Errorf("Frame width = %v", frame["w"])
	}
}

func TestStreamerStopsOnCaptureFailure(t *testing.T) {
	_, sess, page := makeSession(t)
	page.FailScreenshot = true
	sink := &collectingSink{}
	sess.Attach(sink)

	done := make(chan struct{})
	go func() {
		Run(context.Background(), sess, sink)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Streamer did not stop after capture failure")
	}
	if sink.frameCount() != 0 {
		t.Errorf("No frames expected, got %d", sink.frameCount())
	}
}

func TestStreamerStopsWhenSuperseded(t *testing.T) {
	_, sess, _ := makeSession(t)
	first := &collectingSink{}
	sess.Attach(first)

	done := make(chan struct{})
	go func() {
		Run(context.Background(), sess, first)
		close(done)
	}()

	// A new attachment supersedes the first sink; its streamer must exit.
	second := &collectingSink{}
	sess.Attach(second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Streamer did not stop after takeover")
	}
}

func TestStreamerStopsWhenSessionCloses(t *testing.T) {
	registry, sess, _ := makeSession(t)
	sink := &collectingSink{}
	sess.Attach(sink)

	done := make(chan struct{})
	go func() {
		Run(context.Background(), sess, sink)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	// Closing tears the session down; the next loop iteration sees it.
	registry.Close(sess.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Streamer did not stop after session close")
	}
}
