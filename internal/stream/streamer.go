// Package stream pushes live JPEG frames of a session's active tab to its
// attached event sink. One streamer goroutine runs per attachment and
// exits on its own when the sink is superseded, closed, or the capture
// starts failing.
package stream

import (
	"context"
	"encoding/base64"
	"log"
	"time"

	"periscope/internal/metrics"
	"periscope/internal/models"
	"periscope/internal/session"
)

// minFrameInterval floors the capture loop at roughly 30 fps regardless
// of the configured rate.
const minFrameInterval = 33 * time.Millisecond

// Run captures and sends frames until sink stops being the session's
// current sink, the session closes, or ctx is cancelled. Callers start it
// in its own goroutine right after attaching.
func Run(ctx context.Context, sess *session.Session, sink session.EventSink) {
	log.Printf("🎥 [STREAM] Frame loop started for session %s", sess.ID)
	defer log.Printf("🎥 [STREAM] Frame loop ended for session %s", sess.ID)

	for {
		if ctx.Err() != nil || sess.Closed() || sess.Sink() != sink {
			return
		}

		fps, quality := sess.StreamSettings()
		interval := time.Second / time.Duration(fps)
		if interval < minFrameInterval {
			interval = minFrameInterval
		}

		tab := sess.ActiveTab()
		if tab == nil {
			if !sleep(ctx, interval) {
				return
			}
			continue
		}

		captureCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		data, err := tab.Page.Screenshot(captureCtx, quality)
		cancel()
		if err != nil {
			// A failing capture usually means the tab or browser is
			// gone; stop rather than spin.
			log.Printf("⚠️ [STREAM] Capture failed for session %s: %v", sess.ID, err)
			return
		}

		viewport := sess.Viewport()
		ok := sink.Send(models.NewEvent(models.EventFrame, map[string]interface{}{
			"jpegBase64": base64.StdEncoding.EncodeToString(data),
			"ts":         time.Now().UnixMilli(),
			"w":          viewport.Width,
			"h":          viewport.Height,
		}))
		if !ok {
			return
		}
		sess.Touch()
		metrics.FramesSent.Inc()

		if !sleep(ctx, interval) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
