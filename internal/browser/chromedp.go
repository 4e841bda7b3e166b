package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"periscope/internal/models"

	"github.com/chromedp/cdproto/accessibility"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/sirupsen/logrus"
)

// ChromeDriver drives headless Chrome over the DevTools protocol. Each
// context gets its own browser process so sessions stay fully isolated.
type ChromeDriver struct {
	execPath string
	logger   *logrus.Logger
}

// NewChromeDriver creates the chromedp-backed driver. CHROME_PATH overrides
// the binary location; when unset chromedp's default lookup is used.
func NewChromeDriver() *ChromeDriver {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	return &ChromeDriver{
		execPath: os.Getenv("CHROME_PATH"),
		logger:   logger,
	}
}

// NewContext launches a browser process configured for the session.
func (d *ChromeDriver) NewContext(ctx context.Context, opts ContextOptions) (BrowserContext, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height),
	)
	if d.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(d.execPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Locale != "" {
		allocOpts = append(allocOpts, chromedp.Flag("lang", opts.Locale))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx)

	// Start the browser now so launch failures surface here, not on the
	// first action.
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"viewport_w": opts.Viewport.Width,
		"viewport_h": opts.Viewport.Height,
		"locale":     opts.Locale,
	}).Info("browser context launched")

	return &chromeContext{
		driver:      d,
		opts:        opts,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
	}, nil
}

type chromeContext struct {
	driver      *ChromeDriver
	opts        ContextOptions
	allocCtx    context.Context
	allocCancel context.CancelFunc
	// rootCtx owns the browser process. It is never handed out as a
	// page context: cancelling it kills every target at once.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewPage opens a tab as a child target of the browser, so closing any
// single page only closes its target. The browser's initial blank target
// stays parked as the process handle.
func (c *chromeContext) NewPage(ctx context.Context) (Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("browser context is closed")
	}
	c.mu.Unlock()

	pctx, pcancel := chromedp.NewContext(c.rootCtx)

	p := &chromePage{
		ctx:      pctx,
		cancel:   pcancel,
		logger:   c.driver.logger,
		requests: make(map[network.RequestID]pendingRequest),
	}

	setup := []chromedp.Action{
		chromedp.EmulateViewport(int64(c.opts.Viewport.Width), int64(c.opts.Viewport.Height)),
		network.Enable(),
	}
	if c.opts.DownloadDir != "" {
		setup = append(setup, cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(c.opts.DownloadDir).
			WithEventsEnabled(true))
	}
	if err := chromedp.Run(pctx, setup...); err != nil {
		pcancel()
		return nil, fmt.Errorf("failed to prepare page: %w", err)
	}

	p.listen(c.opts.DownloadDir)
	return p, nil
}

func (c *chromeContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.rootCancel()
	c.allocCancel()
	c.driver.logger.Info("browser context closed")
	return nil
}

type pendingRequest struct {
	method   string
	url      string
	resource string
}

type pendingDownload struct {
	filename string
	url      string
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Logger

	hooksMu sync.RWMutex
	hooks   PageHooks

	reqMu     sync.Mutex
	requests  map[network.RequestID]pendingRequest
	downloads map[string]pendingDownload
}

// listen wires DevTools events into the installed hooks. Registered once
// per page; hook replacement goes through SetHooks.
func (p *chromePage) listen(downloadDir string) {
	p.downloads = make(map[string]pendingDownload)

	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			p.onConsole(e)
		case *network.EventRequestWillBeSent:
			p.reqMu.Lock()
			p.requests[e.RequestID] = pendingRequest{
				method:   e.Request.Method,
				url:      e.Request.URL,
				resource: strings.ToLower(string(e.Type)),
			}
			p.reqMu.Unlock()
		case *network.EventResponseReceived:
			p.onResponse(e)
		case *network.EventLoadingFailed:
			// Cancelled and failed requests never get a response; drop
			// their pending entries so the map does not grow unbounded.
			p.reqMu.Lock()
			delete(p.requests, e.RequestID)
			p.reqMu.Unlock()
		case *page.EventFrameNavigated:
			// Only top-level navigations refresh the tab's cached url.
			if e.Frame.ParentID == "" {
				p.withHooks(func(h PageHooks) {
					if h.OnNavigate != nil {
						h.OnNavigate(e.Frame.URL)
					}
				})
			}
		case *cdpbrowser.EventDownloadWillBegin:
			p.reqMu.Lock()
			p.downloads[e.GUID] = pendingDownload{filename: e.SuggestedFilename, url: e.URL}
			p.reqMu.Unlock()
		case *cdpbrowser.EventDownloadProgress:
			if e.State != cdpbrowser.DownloadProgressStateCompleted {
				return
			}
			p.reqMu.Lock()
			dl, ok := p.downloads[e.GUID]
			delete(p.downloads, e.GUID)
			p.reqMu.Unlock()
			if !ok {
				return
			}
			// AllowAndName saves the file under its GUID.
			path := filepath.Join(downloadDir, e.GUID)
			p.withHooks(func(h PageHooks) {
				if h.OnDownload != nil {
					h.OnDownload(dl.filename, path, int64(e.TotalBytes))
				}
			})
		}
	})
}

func (p *chromePage) onConsole(e *runtime.EventConsoleAPICalled) {
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		if arg == nil {
			continue
		}
		if len(arg.Value) > 0 {
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
		} else if arg.Description != "" {
			parts = append(parts, arg.Description)
		}
	}
	level := string(e.Type)
	text := strings.Join(parts, " ")
	p.withHooks(func(h PageHooks) {
		if h.OnConsole != nil {
			h.OnConsole(level, text)
		}
	})
}

func (p *chromePage) onResponse(e *network.EventResponseReceived) {
	p.reqMu.Lock()
	req, ok := p.requests[e.RequestID]
	delete(p.requests, e.RequestID)
	p.reqMu.Unlock()

	method := "GET"
	resource := strings.ToLower(string(e.Type))
	if ok {
		method = req.method
		if req.resource != "" {
			resource = req.resource
		}
	}
	entry := networkEntry(method, e.Response.URL, int(e.Response.Status), resource)
	p.withHooks(func(h PageHooks) {
		if h.OnNetwork != nil {
			h.OnNetwork(entry)
		}
	})
}

func (p *chromePage) withHooks(fn func(PageHooks)) {
	p.hooksMu.RLock()
	h := p.hooks
	p.hooksMu.RUnlock()
	fn(h)
}

// SetHooks installs the page's observer callbacks.
func (p *chromePage) SetHooks(hooks PageHooks) {
	p.hooksMu.Lock()
	p.hooks = hooks
	p.hooksMu.Unlock()
}

// run executes chromedp actions on the page, honoring any deadline carried
// by the caller's context.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := p.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(p.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Back(ctx context.Context) error {
	return p.run(ctx, chromedp.NavigateBack())
}

func (p *chromePage) Forward(ctx context.Context) error {
	return p.run(ctx, chromedp.NavigateForward())
}

func (p *chromePage) Reload(ctx context.Context) error {
	return p.run(ctx, chromedp.Reload())
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var urlstr string
	err := p.run(ctx, chromedp.Location(&urlstr))
	return urlstr, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) TypeText(ctx context.Context, text string) error {
	return p.run(ctx, chromedp.KeyEvent(text))
}

// namedKeys maps wire key names to DevTools key codes.
var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"Escape":     kb.Escape,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
}

func (p *chromePage) Press(ctx context.Context, key string) error {
	code, ok := namedKeys[key]
	if !ok {
		code = key
	}
	return p.run(ctx, chromedp.KeyEvent(code))
}

func (p *chromePage) MouseMove(ctx context.Context, x, y float64) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

func (p *chromePage) Click(ctx context.Context, x, y float64, button string) error {
	if button == "" {
		button = "left"
	}
	return p.run(ctx, chromedp.MouseClickXY(x, y, chromedp.Button(button)))
}

func (p *chromePage) Scroll(ctx context.Context, dx, dy float64) error {
	return p.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(%f, %f)", dx, dy), nil))
}

func (p *chromePage) ScrollTo(ctx context.Context, x, y float64) error {
	return p.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollTo(%f, %f)", x, y), nil))
}

func (p *chromePage) WaitForLoad(ctx context.Context) error {
	return p.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

func (p *chromePage) WaitForSelector(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// boxResult is the shape the in-page lookup scripts return; found
// distinguishes "no match" from a zero-size box.
type boxResult struct {
	Found  bool    `json:"found"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

const selectorBoxJS = `(() => {
	const el = document.querySelector(%q);
	if (!el) return {found: false};
	const r = el.getBoundingClientRect();
	return {found: true, x: r.x, y: r.y, width: r.width, height: r.height};
})()`

const roleBoxJS = `(() => {
	const role = %q, name = %q;
	const implicit = {button: 'button,input[type=button],input[type=submit]',
		link: 'a[href]', textbox: 'input[type=text],input:not([type]),textarea',
		checkbox: 'input[type=checkbox]', radio: 'input[type=radio]',
		heading: 'h1,h2,h3,h4,h5,h6', img: 'img'};
	let candidates = Array.from(document.querySelectorAll('[role="' + role + '"]'));
	if (implicit[role]) {
		candidates = candidates.concat(Array.from(document.querySelectorAll(implicit[role])));
	}
	const accName = el => (el.getAttribute('aria-label') || el.getAttribute('alt') ||
		el.value || el.textContent || '').trim();
	const el = candidates.find(c => !name || accName(c).toLowerCase().includes(name.toLowerCase()));
	if (!el) return {found: false};
	const r = el.getBoundingClientRect();
	return {found: true, x: r.x, y: r.y, width: r.width, height: r.height};
})()`

func (p *chromePage) SelectorBox(ctx context.Context, selector string) (*models.Box, error) {
	var res boxResult
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(selectorBoxJS, selector), &res)); err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, nil
	}
	return &models.Box{X: res.X, Y: res.Y, Width: res.Width, Height: res.Height}, nil
}

func (p *chromePage) RoleBox(ctx context.Context, role, name string) (*models.Box, error) {
	var res boxResult
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(roleBoxJS, role, name), &res)); err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, nil
	}
	return &models.Box{X: res.X, Y: res.Y, Width: res.Width, Height: res.Height}, nil
}

func (p *chromePage) Evaluate(ctx context.Context, script string, out interface{}) error {
	return p.run(ctx, chromedp.Evaluate(script, out))
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) AccessibilityTree(ctx context.Context) (interface{}, error) {
	var nodes []*accessibility.Node
	err := p.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return accessibility.Enable().Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			nodes, err = accessibility.GetFullAXTree().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (p *chromePage) FillField(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *chromePage) SetUploadFiles(ctx context.Context, selector string, files []string) error {
	return p.run(ctx, chromedp.SetUploadFiles(selector, files, chromedp.ByQuery))
}

func (p *chromePage) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// networkEntry builds a NetworkEntry with the current timestamp; the tab id
// is filled in by the session-side hook.
func networkEntry(method, url string, status int, resource string) models.NetworkEntry {
	return models.NetworkEntry{
		Method:   method,
		URL:      url,
		Status:   status,
		Resource: resource,
		Ts:       time.Now().UnixMilli(),
	}
}
