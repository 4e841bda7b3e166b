package handlers

import (
	"log"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/markusmobius/go-trafilatura"

	"periscope/internal/config"
	"periscope/internal/dispatch"
	"periscope/internal/models"
	"periscope/internal/session"
)

// SessionHandler handles session lifecycle and batch execution requests.
type SessionHandler struct {
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	cfg        *config.Config
	devices    map[string]config.DevicePreset
}

// NewSessionHandler creates a new session handler. devices may be nil when
// no device file is configured.
func NewSessionHandler(registry *session.Registry, dispatcher *dispatch.Dispatcher, cfg *config.Config, devices map[string]config.DevicePreset) *SessionHandler {
	return &SessionHandler{registry: registry, dispatcher: dispatcher, cfg: cfg, devices: devices}
}

// Create handles POST /session/create.
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req models.CreateSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	opts := session.CreateOptions{
		UserAgent: req.UserAgent,
		Locale:    req.Locale,
	}
	if req.Device != "" {
		preset, ok := h.devices[req.Device]
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown device preset: " + req.Device,
			})
		}
		opts.Viewport = preset.Viewport
		if opts.UserAgent == "" {
			opts.UserAgent = preset.UserAgent
		}
		if opts.Locale == "" {
			opts.Locale = preset.Locale
		}
	}
	// Explicit viewport wins over the device preset.
	if req.Viewport != nil {
		opts.Viewport = *req.Viewport
	}

	sess, err := h.registry.Create(c.Context(), opts)
	if err != nil {
		log.Printf("❌ [SESSION] Create failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to launch browser session",
		})
	}

	return c.JSON(models.CreateSessionResponse{
		SessionID: sess.ID,
		WsURL:     h.wsURL(c, sess.ID),
	})
}

// wsURL builds the socket endpoint for a new session. Without a configured
// public base url the host is taken from the request itself. The worker
// key rides along as a query parameter because browser WebSocket clients
// cannot set headers.
func (h *SessionHandler) wsURL(c *fiber.Ctx, sessionID string) string {
	base := strings.TrimSuffix(h.cfg.PublicBaseURL, "/")
	switch {
	case base == "":
		scheme := "ws"
		if c.Protocol() == "https" {
			scheme = "wss"
		}
		base = scheme + "://" + c.Hostname()
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + sessionID + "?key=" + url.QueryEscape(h.cfg.WorkerKey)
}

// Close handles POST /session/:id/close.
func (h *SessionHandler) Close(c *fiber.Ctx) error {
	id := c.Params("id")
	if h.registry.Get(id) == nil {
		return sessionNotFound(c)
	}
	h.registry.Close(id)
	return c.JSON(fiber.Map{"ok": true})
}

// Run handles POST /session/:id/job/run. Malformed actions are rejected
// before anything executes; execution failures are per-action outputs.
func (h *SessionHandler) Run(c *fiber.Ctx) error {
	sess := h.registry.Get(c.Params("id"))
	if sess == nil {
		return sessionNotFound(c)
	}

	var req models.RunRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.Actions) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing 'actions'",
		})
	}
	for i := range req.Actions {
		if err := req.Actions[i].Validate(); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}

	outputs := h.dispatcher.Run(c.Context(), sess, req.Actions)

	ok := true
	for _, out := range outputs {
		if out.Type == "error" {
			ok = false
			break
		}
	}
	return c.JSON(models.RunResponse{
		OK:        ok,
		Outputs:   outputs,
		Artifacts: sess.BatchArtifacts(),
	})
}

// Snapshot handles POST /session/:id/snapshot: DOM head, accessibility
// tree, a fresh screenshot href and the readable text of the page.
func (h *SessionHandler) Snapshot(c *fiber.Ctx) error {
	sess := h.registry.Get(c.Params("id"))
	if sess == nil {
		return sessionNotFound(c)
	}

	outputs := h.dispatcher.Run(c.Context(), sess, []models.Action{
		{Type: models.ActionSnapshotDOM},
		{Type: models.ActionSnapshotA11y},
		{Type: models.ActionScreenshot},
	})

	resp := models.SnapshotResponse{}
	if outputs[0].Type == models.ActionSnapshotDOM {
		resp.DOM = outputs[0].DOM
		resp.Text = readableText(outputs[0].DOM, currentURL(sess))
	}
	if outputs[1].Type == models.ActionSnapshotA11y {
		resp.A11y = outputs[1].A11y
	}
	if outputs[2].Type == models.ActionScreenshot {
		resp.Screenshot = outputs[2].Href
	}
	return c.JSON(resp)
}

// Extract handles POST /session/:id/extract.
func (h *SessionHandler) Extract(c *fiber.Ctx) error {
	sess := h.registry.Get(c.Params("id"))
	if sess == nil {
		return sessionNotFound(c)
	}

	var req models.ExtractRequest
	if err := c.BodyParser(&req); err != nil || len(req.Schema) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing 'schema'",
		})
	}

	outputs := h.dispatcher.Run(c.Context(), sess, []models.Action{
		{Type: models.ActionExtract, Schema: req.Schema},
	})
	if outputs[0].Type == "error" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": outputs[0].Message,
		})
	}
	return c.JSON(models.ExtractResponse{
		JSON:       outputs[0].JSON,
		Confidence: outputs[0].Confidence,
	})
}

func sessionNotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "Session not found",
	})
}

func currentURL(sess *session.Session) string {
	if tab := sess.ActiveTab(); tab != nil {
		return sess.TabURL(tab)
	}
	return ""
}

// readableText runs the main-content extractor over the raw DOM. It is
// best effort: pages without extractable content return "".
func readableText(dom, pageURL string) string {
	if dom == "" {
		return ""
	}
	opts := trafilatura.Options{}
	if parsed, err := url.Parse(pageURL); err == nil {
		opts.OriginalURL = parsed
	}
	result, err := trafilatura.Extract(strings.NewReader(dom), opts)
	if err != nil || result == nil {
		return ""
	}
	return result.ContentText
}
