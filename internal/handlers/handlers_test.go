package handlers

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"periscope/internal/artifacts"
	"periscope/internal/browser/browsertest"
	"periscope/internal/config"
	"periscope/internal/dispatch"
	"periscope/internal/middleware"
	"periscope/internal/models"
	"periscope/internal/policy"
	"periscope/internal/session"
)

const testWorkerKey = "test-key"

type testEnv struct {
	app        *fiber.App
	registry   *session.Registry
	driver     *browsertest.Driver
	dispatcher *dispatch.Dispatcher
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		WorkerKey:     testWorkerKey,
		StreamFps:     5,
		StreamQuality: 50,
		ActionTimeout: 5 * time.Second,
		WaitTimeout:   500 * time.Millisecond,
	}
	store, err := artifacts.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create artifact store: %v", err)
	}
	driver := browsertest.New()
	registry := session.NewRegistry(driver, store, cfg)
	dispatcher := dispatch.New(cfg, policy.NewAllowlist(nil), nil, store)

	healthHandler := NewHealthHandler(registry)
	sessionHandler := NewSessionHandler(registry, dispatcher, cfg, nil)
	filesHandler := NewFilesHandler(store)

	app := fiber.New()
	app.Get("/health", healthHandler.Handle)

	auth := middleware.WorkerKeyMiddleware(cfg.WorkerKey)
	sessionGroup := app.Group("/session", auth)
	sessionGroup.Post("/create", sessionHandler.Create)
	sessionGroup.Post("/:id/close", sessionHandler.Close)
	sessionGroup.Post("/:id/job/run", sessionHandler.Run)
	sessionGroup.Post("/:id/snapshot", sessionHandler.Snapshot)
	sessionGroup.Post("/:id/extract", sessionHandler.Extract)
	app.Get("/shots/*", auth, filesHandler.Serve)
	app.Get("/downloads/*", auth, filesHandler.Serve)

	return &testEnv{app: app, registry: registry, driver: driver, dispatcher: dispatcher}
}

func doJSON(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("x-worker-key", testWorkerKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var parsed map[string]interface{}
	if len(raw) > 0 {
		json.Unmarshal(raw, &parsed)
	}
	return resp.StatusCode, parsed
}

func createSession(t *testing.T, env *testEnv) string {
	t.Helper()
	status, body := doJSON(t, env.app, "POST", "/session/create", `{"viewport":{"width":1280,"height":800}}`)
	if status != fiber.StatusOK {
		t.Fatalf("Create returned %d", status)
	}
	id, _ := body["sessionId"].(string)
	if id == "" {
		t.Fatal("No sessionId in create response")
	}
	return id
}

func TestHealthIsPublic(t *testing.T) {
	env := setupTestApp(t)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Health should not require auth, got %d", resp.StatusCode)
	}
}

func TestMissingWorkerKey(t *testing.T) {
	env := setupTestApp(t)

	req := httptest.NewRequest("POST", "/session/create", nil)
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", resp.StatusCode)
	}
}

func TestWrongWorkerKey(t *testing.T) {
	env := setupTestApp(t)

	req := httptest.NewRequest("POST", "/session/create", nil)
	req.Header.Set("x-worker-key", "wrong")
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", resp.StatusCode)
	}
}

func TestKeyViaQueryParameter(t *testing.T) {
	env := setupTestApp(t)

	req := httptest.NewRequest("POST", "/session/create?key="+testWorkerKey, nil)
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Key query parameter should authenticate, got %d", resp.StatusCode)
	}
}

func TestCreateAndRunScenario(t *testing.T) {
	env := setupTestApp(t)
	id := createSession(t, env)

	status, body := doJSON(t, env.app, "POST", "/session/"+id+"/job/run",
		`{"actions":[{"type":"goto","url":"https://example.com"},{"type":"screenshot"}]}`)
	if status != fiber.StatusOK {
		t.Fatalf("Run returned %d: %v", status, body)
	}

	outputs, _ := body["outputs"].([]interface{})
	if len(outputs) != 2 {
		t.Fatalf("Expected 2 outputs, got %v", body["outputs"])
	}
	first := outputs[0].(map[string]interface{})
	second := outputs[1].(map[string]interface{})
	if first["type"] != "goto" {
		t.Errorf("outputs[0].type = %v", first["type"])
	}
	if second["type"] != "screenshot" {
		t.Errorf("outputs[1].type = %v", second["type"])
	}
	href, _ := second["href"].(string)
	if !strings.HasPrefix(href, "/shots/") {
		t.Errorf("Screenshot href = %q", href)
	}

	// The stored artifact is actually servable.
	req := httptest.NewRequest("GET", href, nil)
	req.Header.Set("x-worker-key", testWorkerKey)
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatalf("Artifact request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Artifact fetch returned %d", resp.StatusCode)
	}
}

func TestCreateReturnsUsableWsURL(t *testing.T) {
	env := setupTestApp(t)

	status, body := doJSON(t, env.app, "POST", "/session/create", "")
	if status != fiber.StatusOK {
		t.Fatalf("Create returned %d", status)
	}
	id, _ := body["sessionId"].(string)
	wsURL, _ := body["wsUrl"].(string)

	parsed, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("wsUrl %q does not parse: %v", wsURL, err)
	}
	if parsed.Scheme != "ws" {
		t.Errorf("wsUrl scheme = %q, want ws", parsed.Scheme)
	}
	if parsed.Host == "" {
		t.Errorf("wsUrl %q has no host", wsURL)
	}
	if parsed.Path != "/ws/"+id {
		t.Errorf("wsUrl path = %q, want /ws/%s", parsed.Path, id)
	}
	if parsed.Query().Get("key") != testWorkerKey {
		t.Errorf("wsUrl key = %q, want %q", parsed.Query().Get("key"), testWorkerKey)
	}
}

func TestWsURLUsesPublicBaseURL(t *testing.T) {
	h := &SessionHandler{cfg: &config.Config{
		PublicBaseURL: "https://edge.example.com/",
		WorkerKey:     "k",
	}}

	got := h.wsURL(nil, "abc")
	want := "wss://edge.example.com/ws/abc?key=k"
	if got != want {
		t.Errorf("wsURL = %q, want %q", got, want)
	}
}

func TestSocketMessageRefreshesIdleClock(t *testing.T) {
	env := setupTestApp(t)
	id := createSession(t, env)
	sess := env.registry.Get(id)

	h := NewWSHandler(env.registry, env.dispatcher)
	sink := newWSSink()
	limiter := rate.NewLimiter(rate.Limit(socketActionRate), socketActionBurst)

	before := sess.LastActiveAt()
	time.Sleep(5 * time.Millisecond)
	h.handleMessage(sess, sink, limiter, models.SocketRequest{Type: "ping"})

	if !sess.LastActiveAt().After(before) {
		t.Error("A rejected socket message must still refresh the idle clock")
	}
	select {
	case ev := <-sink.writeChan:
		if ev["type"] != models.EventActionError {
			t.Errorf("Expected action_error for a non-action frame, got %v", ev["type"])
		}
	default:
		t.Error("Expected an action_error event on the sink")
	}
}

func TestRunUnknownSession(t *testing.T) {
	env := setupTestApp(t)

	status, _ := doJSON(t, env.app, "POST", "/session/nope/job/run",
		`{"actions":[{"type":"reload"}]}`)
	if status != fiber.StatusNotFound {
		t.Errorf("Expected 404, got %d", status)
	}
}

func TestRunRejectsMalformedAction(t *testing.T) {
	env := setupTestApp(t)
	id := createSession(t, env)

	status, _ := doJSON(t, env.app, "POST", "/session/"+id+"/job/run",
		`{"actions":[{"type":"goto"}]}`)
	if status != fiber.StatusBadRequest {
		t.Errorf("Malformed action should 400 before dispatch, got %d", status)
	}

	status, _ = doJSON(t, env.app, "POST", "/session/"+id+"/job/run", `{"actions":[]}`)
	if status != fiber.StatusBadRequest {
		t.Errorf("Empty batch should 400, got %d", status)
	}
}

func TestCloseSession(t *testing.T) {
	env := setupTestApp(t)
	id := createSession(t, env)

	status, body := doJSON(t, env.app, "POST", "/session/"+id+"/close", "")
	if status != fiber.StatusOK || body["ok"] != true {
		t.Errorf("Close returned %d %v", status, body)
	}

	// Closed sessions are gone: further calls 404.
	status, _ = doJSON(t, env.app, "POST", "/session/"+id+"/close", "")
	if status != fiber.StatusNotFound {
		t.Errorf("Second close should 404, got %d", status)
	}
	status, _ = doJSON(t, env.app, "POST", "/session/"+id+"/job/run",
		`{"actions":[{"type":"reload"}]}`)
	if status != fiber.StatusNotFound {
		t.Errorf("Run on closed session should 404, got %d", status)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	env := setupTestApp(t)
	id := createSession(t, env)
	env.driver.Contexts()[0].Pages()[0].PageHTML = "<html><body><p>hello</p></body></html>"

	status, body := doJSON(t, env.app, "POST", "/session/"+id+"/snapshot", "")
	if status != fiber.StatusOK {
		t.Fatalf("Snapshot returned %d", status)
	}
	dom, _ := body["dom"].(string)
	if !strings.Contains(dom, "hello") {
		t.Errorf("Snapshot dom = %q", dom)
	}
	screenshot, _ := body["screenshot"].(string)
	if !strings.HasPrefix(screenshot, "/shots/") {
		t.Errorf("Snapshot screenshot = %q", screenshot)
	}
}

func TestExtractMissingSchema(t *testing.T) {
	env := setupTestApp(t)
	id := createSession(t, env)

	status, _ := doJSON(t, env.app, "POST", "/session/"+id+"/extract", `{}`)
	if status != fiber.StatusBadRequest {
		t.Errorf("Missing schema should 400, got %d", status)
	}
}

func TestArtifactNotFound(t *testing.T) {
	env := setupTestApp(t)

	req := httptest.NewRequest("GET", "/shots/nope.jpg", nil)
	req.Header.Set("x-worker-key", testWorkerKey)
	resp, err := env.app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("Unknown artifact should 404, got %d", resp.StatusCode)
	}
}
