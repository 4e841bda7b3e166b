package browser

import (
	"context"

	"periscope/internal/models"
)

// ContextOptions configures a new isolated browser context.
type ContextOptions struct {
	Viewport    models.Viewport
	UserAgent   string
	Locale      string
	DownloadDir string // where the browser drops downloaded files
}

// PageHooks are the per-page observer callbacks. They are registered at
// tab creation and fire from the driver's event loop; implementations must
// not block.
type PageHooks struct {
	OnConsole  func(level, text string)
	OnNetwork  func(entry models.NetworkEntry)
	OnDownload func(filename, path string, size int64)
	OnNavigate func(url string)
}

// Driver opens isolated browser contexts. It is the engine's only view of
// the underlying browser process.
type Driver interface {
	NewContext(ctx context.Context, opts ContextOptions) (BrowserContext, error)
}

// BrowserContext is one isolated browser profile owning its pages. Closing
// it releases the underlying browser process.
type BrowserContext interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one navigable document handle.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error

	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	TypeText(ctx context.Context, text string) error
	Press(ctx context.Context, key string) error
	MouseMove(ctx context.Context, x, y float64) error
	// Click presses the given mouse button ("left", "right" or "middle";
	// empty means left) at the coordinates.
	Click(ctx context.Context, x, y float64, button string) error
	Scroll(ctx context.Context, dx, dy float64) error
	ScrollTo(ctx context.Context, x, y float64) error

	WaitForLoad(ctx context.Context) error
	WaitForSelector(ctx context.Context, selector string) error

	// SelectorBox resolves a CSS selector to its bounding box; RoleBox
	// resolves an accessibility role plus accessible name. Both return
	// (nil, nil) when nothing matches.
	SelectorBox(ctx context.Context, selector string) (*models.Box, error)
	RoleBox(ctx context.Context, role, name string) (*models.Box, error)

	Evaluate(ctx context.Context, script string, out interface{}) error
	HTML(ctx context.Context) (string, error)
	AccessibilityTree(ctx context.Context) (interface{}, error)

	FillField(ctx context.Context, selector, value string) error
	SetUploadFiles(ctx context.Context, selector string, files []string) error

	// Screenshot captures the viewport as JPEG at the given quality (20-90).
	Screenshot(ctx context.Context, quality int) ([]byte, error)

	// SetHooks installs the page's observer callbacks. Replaces any
	// previously installed set.
	SetHooks(hooks PageHooks)

	Close() error
}
