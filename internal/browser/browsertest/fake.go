// Package browsertest provides an in-memory implementation of the browser
// driver capability for engine tests. Pages record the operations applied
// to them instead of driving a real browser.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"periscope/internal/browser"
	"periscope/internal/models"
)

// Driver is a fake browser.Driver. Configure failure injection through the
// public fields before handing it to the registry.
type Driver struct {
	mu       sync.Mutex
	contexts []*Context

	// FailLaunch makes NewContext return an error, simulating a browser
	// that cannot be started.
	FailLaunch bool
}

func New() *Driver { return &Driver{} }

func (d *Driver) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.BrowserContext, error) {
	if d.FailLaunch {
		return nil, fmt.Errorf("browser launch failed")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	bc := &Context{driver: d, Opts: opts}
	d.contexts = append(d.contexts, bc)
	return bc, nil
}

// Contexts returns every context opened so far, closed or not.
func (d *Driver) Contexts() []*Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Context, len(d.contexts))
	copy(out, d.contexts)
	return out
}

// Context is a fake browser.BrowserContext.
type Context struct {
	driver *Driver
	Opts   browser.ContextOptions

	mu     sync.Mutex
	pages  []*Page
	Closed bool
}

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed {
		return nil, fmt.Errorf("browser context is closed")
	}
	p := &Page{CurrentURL: "about:blank"}
	c.pages = append(c.pages, p)
	return p, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	for _, p := range c.pages {
		p.Close()
	}
	return nil
}

// Pages returns every page opened in this context.
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Page, len(c.pages))
	copy(out, c.pages)
	return out
}

// Page is a fake browser.Page. It records navigation and input, and lets
// tests script selector lookups, evaluate results and failures.
type Page struct {
	mu sync.Mutex

	CurrentURL   string
	CurrentTitle string
	TypedText    []string
	PressedKeys  []string
	Clicks       []models.Box
	ClickButtons []string // parallel to Clicks, normalized ("" -> "left")
	FilledFields map[string]string
	Uploaded     map[string][]string
	Closed       bool

	history []string

	// Boxes maps selectors (and "role/name" pairs, keyed "role:name") to
	// bounding boxes returned by SelectorBox/RoleBox.
	Boxes map[string]models.Box

	// EvalResults maps scripts to the value Evaluate unmarshals into out.
	EvalResults map[string]interface{}

	// PageHTML is returned by HTML.
	PageHTML string

	// FailAll makes every operation return an error, simulating a page
	// whose browser has been torn down.
	FailAll bool

	// FailScreenshot makes only Screenshot fail (frame streamer tests).
	FailScreenshot bool

	// ScreenshotData is the JPEG payload Screenshot returns.
	ScreenshotData []byte

	hooks browser.PageHooks
}

func (p *Page) fail() error {
	if p.FailAll || p.Closed {
		return fmt.Errorf("page is gone")
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	if err := p.fail(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.history = append(p.history, p.CurrentURL)
	p.CurrentURL = url
	hooks := p.hooks
	p.mu.Unlock()

	if hooks.OnNavigate != nil {
		hooks.OnNavigate(url)
	}
	return nil
}

func (p *Page) Back(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if n := len(p.history); n > 0 {
		p.CurrentURL = p.history[n-1]
		p.history = p.history[:n-1]
	}
	return nil
}

func (p *Page) Forward(ctx context.Context) error { return p.errOnly() }
func (p *Page) Reload(ctx context.Context) error  { return p.errOnly() }

func (p *Page) errOnly() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail()
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL, p.fail()
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentTitle, p.fail()
}

func (p *Page) TypeText(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.TypedText = append(p.TypedText, text)
	return nil
}

func (p *Page) Press(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.PressedKeys = append(p.PressedKeys, key)
	return nil
}

func (p *Page) MouseMove(ctx context.Context, x, y float64) error { return p.errOnly() }

func (p *Page) Click(ctx context.Context, x, y float64, button string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if button == "" {
		button = "left"
	}
	p.Clicks = append(p.Clicks, models.Box{X: x, Y: y})
	p.ClickButtons = append(p.ClickButtons, button)
	return nil
}

func (p *Page) Scroll(ctx context.Context, dx, dy float64) error   { return p.errOnly() }
func (p *Page) ScrollTo(ctx context.Context, x, y float64) error   { return p.errOnly() }
func (p *Page) WaitForLoad(ctx context.Context) error              { return p.errOnly() }

func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	p.mu.Lock()
	_, ok := p.Boxes[selector]
	p.mu.Unlock()
	if err := p.errOnly(); err != nil {
		return err
	}
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *Page) SelectorBox(ctx context.Context, selector string) (*models.Box, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return nil, err
	}
	if box, ok := p.Boxes[selector]; ok {
		return &box, nil
	}
	return nil, nil
}

func (p *Page) RoleBox(ctx context.Context, role, name string) (*models.Box, error) {
	return p.SelectorBox(ctx, role+":"+name)
}

func (p *Page) Evaluate(ctx context.Context, script string, out interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if v, ok := p.EvalResults[script]; ok && out != nil {
		assign(out, v)
	}
	return nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PageHTML, p.fail()
}

func (p *Page) AccessibilityTree(ctx context.Context) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return nil, p.fail()
}

func (p *Page) FillField(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if p.FilledFields == nil {
		p.FilledFields = make(map[string]string)
	}
	p.FilledFields[selector] = value
	return nil
}

func (p *Page) SetUploadFiles(ctx context.Context, selector string, files []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if p.Uploaded == nil {
		p.Uploaded = make(map[string][]string)
	}
	p.Uploaded[selector] = files
	return nil
}

func (p *Page) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return nil, err
	}
	if p.FailScreenshot {
		return nil, fmt.Errorf("capture failed")
	}
	if p.ScreenshotData != nil {
		return p.ScreenshotData, nil
	}
	return []byte{0xff, 0xd8, 0xff, 0xd9}, nil
}

func (p *Page) SetHooks(hooks browser.PageHooks) {
	p.mu.Lock()
	p.hooks = hooks
	p.mu.Unlock()
}

// Hooks returns the currently installed hooks so tests can fire events.
func (p *Page) Hooks() browser.PageHooks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hooks
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.Closed = true
	p.mu.Unlock()
	return nil
}

// assign copies a scripted evaluate result into the caller's out pointer
// the same way chromedp would, through a JSON round trip.
func assign(out, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, out)
}
