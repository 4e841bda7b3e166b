package session

import (
	"log"
	"sync"
	"time"

	"periscope/internal/artifacts"
	"periscope/internal/browser"
	"periscope/internal/models"
)

// Ring buffer capacities. Oldest entries are dropped first.
const (
	downloadsCap = 50
	logsCap      = 500
	networkCap   = 500
)

// EventSink receives serialized socket events for one attachment. Send
// must not block; it reports false once the attachment is gone. Close
// tells the transport to shut the attachment down.
type EventSink interface {
	Send(ev models.Event) bool
	Close()
}

// Session is one isolated browser context plus its tabs, owned exclusively
// by the engine until closed or reaped.
type Session struct {
	ID        string
	CreatedAt time.Time

	store *artifacts.Store

	mu           sync.RWMutex
	bctx         browser.BrowserContext
	tabs         []*Tab
	activeTabID  string
	viewport     models.Viewport
	streamFps    int
	streamQual   int
	redaction    bool
	lastActiveAt time.Time
	closed       bool

	downloads []models.Download
	logs      []models.LogEntry
	network   []models.NetworkEntry

	sink EventSink

	// dispatchMu serializes action batches for this session. The HTTP
	// batch endpoint and the socket inline-action path both dispatch
	// through it, so two concurrent submissions run one after another,
	// never interleaved action-by-action.
	dispatchMu sync.Mutex

	// batchDownloads collects downloads completed while the current
	// batch runs, returned as artifacts by job/run.
	batchDownloads []models.Download
}

// Tab is one page/document context within a session.
type Tab struct {
	ID        string
	Page      browser.Page
	CreatedAt time.Time

	// Cached, refreshed on navigation.
	title string
	url   string
}

// Lock serializes one action batch against this session. Unlock with the
// returned func.
func (s *Session) Lock() func() {
	s.dispatchMu.Lock()
	return s.dispatchMu.Unlock
}

// Touch refreshes the idle clock. Called on every action, frame send and
// inbound socket message.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

// LastActiveAt returns the idle clock reading.
func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Viewport returns the session's page dimensions.
func (s *Session) Viewport() models.Viewport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewport
}

// StreamSettings returns the current fps and JPEG quality. The frame
// streamer reads these every iteration so setting changes apply without a
// restart.
func (s *Session) StreamSettings() (fps, quality int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamFps, s.streamQual
}

// SetStreamFps stores a clamped fps value.
func (s *Session) SetStreamFps(fps int) {
	s.mu.Lock()
	s.streamFps = fps
	s.mu.Unlock()
}

// SetStreamQuality stores a clamped quality value.
func (s *Session) SetStreamQuality(q int) {
	s.mu.Lock()
	s.streamQual = q
	s.mu.Unlock()
}

// RedactionEnabled reports whether broadcasts mask sensitive payloads.
func (s *Session) RedactionEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.redaction
}

// SetRedaction toggles broadcast-time masking.
func (s *Session) SetRedaction(enabled bool) {
	s.mu.Lock()
	s.redaction = enabled
	s.mu.Unlock()
}

// Attach makes sink the session's single attached socket. Last attach
// wins: a superseded sink is told about the takeover and closed rather
// than silently orphaned.
func (s *Session) Attach(sink EventSink) {
	s.mu.Lock()
	old := s.sink
	s.sink = sink
	s.mu.Unlock()

	if old != nil && old != sink {
		log.Printf("🔁 [SESSION] Socket takeover on session %s", s.ID)
		old.Send(models.NewEvent(models.EventStreamTakeover, nil))
		old.Close()
	}
}

// Detach removes sink if it is still the attached one. A sink that was
// already superseded by a newer attach is left alone.
func (s *Session) Detach(sink EventSink) {
	s.mu.Lock()
	if s.sink == sink {
		s.sink = nil
	}
	s.mu.Unlock()
}

// Sink returns the currently attached sink, or nil.
func (s *Session) Sink() EventSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}

// Notify pushes {type, ...data} to the attached socket if one exists.
// Without an attachment it is a no-op; events are not buffered for later
// delivery.
func (s *Session) Notify(eventType string, data map[string]interface{}) {
	sink := s.Sink()
	if sink == nil {
		return
	}
	sink.Send(models.NewEvent(eventType, data))
}

// AppendLog records a console entry, evicting the oldest past the cap.
func (s *Session) AppendLog(entry models.LogEntry) {
	s.mu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > logsCap {
		s.logs = s.logs[len(s.logs)-logsCap:]
	}
	s.mu.Unlock()
}

// AppendNetwork records a network entry, evicting the oldest past the cap.
func (s *Session) AppendNetwork(entry models.NetworkEntry) {
	s.mu.Lock()
	s.network = append(s.network, entry)
	if len(s.network) > networkCap {
		s.network = s.network[len(s.network)-networkCap:]
	}
	s.mu.Unlock()
}

// AppendDownload records a completed download, evicting the oldest past
// the cap, and adds it to the running batch's artifact list.
func (s *Session) AppendDownload(dl models.Download) {
	s.mu.Lock()
	s.downloads = append(s.downloads, dl)
	if len(s.downloads) > downloadsCap {
		s.downloads = s.downloads[len(s.downloads)-downloadsCap:]
	}
	s.batchDownloads = append(s.batchDownloads, dl)
	s.mu.Unlock()
}

// BeginBatch resets the per-batch artifact list.
func (s *Session) BeginBatch() {
	s.mu.Lock()
	s.batchDownloads = nil
	s.mu.Unlock()
}

// BatchArtifacts returns downloads collected since BeginBatch.
func (s *Session) BatchArtifacts() []models.Download {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Download, len(s.batchDownloads))
	copy(out, s.batchDownloads)
	return out
}

// LogCount returns the number of buffered console entries.
func (s *Session) LogCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

// NetworkCount returns the number of buffered network entries.
func (s *Session) NetworkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.network)
}

// DownloadCount returns the number of buffered downloads.
func (s *Session) DownloadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.downloads)
}

// State builds the full resync snapshot pushed on socket attach: the last
// 20 downloads and last 100 log/network entries plus current settings.
func (s *Session) State() models.StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return models.StateSnapshot{
		SessionID:        s.ID,
		Viewport:         s.viewport,
		Tabs:             s.tabInfosLocked(),
		ActiveTabID:      s.activeTabID,
		StreamFps:        s.streamFps,
		StreamQuality:    s.streamQual,
		RedactionEnabled: s.redaction,
		Downloads:        lastDownloads(s.downloads, 20),
		Logs:             lastLogs(s.logs, 100),
		Network:          lastNetwork(s.network, 100),
	}
}

func lastDownloads(buf []models.Download, n int) []models.Download {
	if len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	out := make([]models.Download, len(buf))
	copy(out, buf)
	return out
}

func lastLogs(buf []models.LogEntry, n int) []models.LogEntry {
	if len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	out := make([]models.LogEntry, len(buf))
	copy(out, buf)
	return out
}

func lastNetwork(buf []models.NetworkEntry, n int) []models.NetworkEntry {
	if len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	out := make([]models.NetworkEntry, len(buf))
	copy(out, buf)
	return out
}
