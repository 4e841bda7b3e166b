// Package dispatch executes ordered action batches against a session's
// active tab. Actions run strictly sequentially with per-action error
// isolation: a failing action is recorded and broadcast, and the batch
// moves on. Nothing here rolls back prior actions.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"periscope/internal/artifacts"
	"periscope/internal/config"
	"periscope/internal/metrics"
	"periscope/internal/models"
	"periscope/internal/policy"
	"periscope/internal/session"
)

// cursorPause is the beat between the synthetic cursor move and click
// presentation events.
const cursorPause = 150 * time.Millisecond

// domSnapshotLimit caps how much of the document snapshot.dom returns.
const domSnapshotLimit = 100_000

// Dispatcher executes action batches. One instance serves every session;
// per-session serialization happens through the session's batch lock.
type Dispatcher struct {
	cfg       *config.Config
	allowlist *policy.Allowlist
	robots    *policy.RobotsChecker // nil when robots compliance is off
	store     *artifacts.Store
}

// New creates the dispatcher. robots may be nil.
func New(cfg *config.Config, allowlist *policy.Allowlist, robots *policy.RobotsChecker, store *artifacts.Store) *Dispatcher {
	return &Dispatcher{cfg: cfg, allowlist: allowlist, robots: robots, store: store}
}

// Run executes the batch against sess. Two concurrently submitted batches
// for one session (HTTP and socket) run one after another, never
// interleaved action-by-action. The returned slice always has one output
// per submitted action.
func (d *Dispatcher) Run(ctx context.Context, sess *session.Session, actions []models.Action) []models.ActionOutput {
	unlock := sess.Lock()
	defer unlock()

	sess.BeginBatch()
	outputs := make([]models.ActionOutput, 0, len(actions))

	for i := range actions {
		action := actions[i]
		sess.Touch()
		sess.Notify(models.EventActionStart, map[string]interface{}{
			"action": Sanitize(action, sess.RedactionEnabled()),
		})

		out, err := d.execute(ctx, sess, action)
		if err != nil {
			log.Printf("❌ [DISPATCH] Action %s failed on session %s: %v", action.Type, sess.ID, err)
			out = models.ErrorOutput(action.Type, err)
			sess.Notify(models.EventActionError, map[string]interface{}{
				"action": action.Type, "message": err.Error(),
			})
			metrics.ActionsTotal.WithLabelValues(action.Type, "error").Inc()
		} else {
			sess.Notify(models.EventActionDone, map[string]interface{}{
				"action": action.Type,
			})
			metrics.ActionsTotal.WithLabelValues(action.Type, "ok").Inc()
		}
		outputs = append(outputs, out)
	}

	return outputs
}

// execute runs one action. Waiting actions carry their own timeout
// (explicit or the wait default); everything else gets the uniform
// per-action timeout so an unresponsive driver call surfaces as an error
// instead of hanging the batch forever.
func (d *Dispatcher) execute(parent context.Context, sess *session.Session, action models.Action) (models.ActionOutput, error) {
	if err := action.Validate(); err != nil {
		return models.ActionOutput{}, err
	}

	tab := sess.ActiveTab()
	if tab == nil {
		return models.ActionOutput{}, fmt.Errorf("session has no active tab")
	}

	ctx, cancel := context.WithTimeout(parent, d.timeoutFor(action))
	defer cancel()

	switch action.Type {
	case models.ActionGoto:
		return d.doGoto(ctx, sess, tab, action.URL)
	case models.ActionBack:
		if err := tab.Page.Back(ctx); err != nil {
			return models.ActionOutput{}, err
		}
		sess.RefreshTabMeta(ctx, tab)
		return models.ActionOutput{Type: action.Type, URL: sess.TabURL(tab)}, nil
	case models.ActionForward:
		if err := tab.Page.Forward(ctx); err != nil {
			return models.ActionOutput{}, err
		}
		sess.RefreshTabMeta(ctx, tab)
		return models.ActionOutput{Type: action.Type, URL: sess.TabURL(tab)}, nil
	case models.ActionReload:
		if err := tab.Page.Reload(ctx); err != nil {
			return models.ActionOutput{}, err
		}
		sess.RefreshTabMeta(ctx, tab)
		return models.ActionOutput{Type: action.Type, URL: sess.TabURL(tab)}, nil

	case models.ActionType:
		if err := tab.Page.TypeText(ctx, action.Text); err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type}, nil
	case models.ActionPress:
		if err := tab.Page.Press(ctx, action.Key); err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type}, nil
	case models.ActionMouseMove:
		sess.Notify(models.EventCursorMove, map[string]interface{}{"x": *action.X, "y": *action.Y})
		if err := tab.Page.MouseMove(ctx, *action.X, *action.Y); err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type}, nil
	case models.ActionClick:
		return d.doClick(ctx, sess, tab, action)
	case models.ActionScroll:
		if err := tab.Page.Scroll(ctx, action.DeltaX, action.DeltaY); err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type}, nil
	case models.ActionScrollTo:
		if err := tab.Page.ScrollTo(ctx, *action.X, *action.Y); err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type}, nil

	case models.ActionWait:
		select {
		case <-time.After(time.Duration(action.Ms) * time.Millisecond):
			return models.ActionOutput{Type: action.Type}, nil
		case <-ctx.Done():
			return models.ActionOutput{}, ctx.Err()
		}
	case models.ActionWaitForLoad:
		if err := tab.Page.WaitForLoad(ctx); err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type}, nil
	case models.ActionWaitForSelector:
		if err := tab.Page.WaitForSelector(ctx, action.Selector); err != nil {
			return models.ActionOutput{}, fmt.Errorf("timed out waiting for %q: %w", action.Selector, err)
		}
		return models.ActionOutput{Type: action.Type}, nil
	case models.ActionWaitForRole:
		return d.doWaitForRole(ctx, tab, action)

	case models.ActionScreenshot:
		return d.doScreenshot(ctx, sess, tab)
	case models.ActionSnapshotDOM:
		html, err := tab.Page.HTML(ctx)
		if err != nil {
			return models.ActionOutput{}, err
		}
		if len(html) > domSnapshotLimit {
			html = html[:domSnapshotLimit]
		}
		return models.ActionOutput{Type: action.Type, DOM: html}, nil
	case models.ActionSnapshotA11y:
		tree, err := tab.Page.AccessibilityTree(ctx)
		if err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type, A11y: tree}, nil
	case models.ActionLocate:
		box, err := d.resolveBox(ctx, tab, action)
		if err != nil {
			return models.ActionOutput{}, err
		}
		found := box != nil
		return models.ActionOutput{Type: action.Type, Box: box, Found: &found}, nil
	case models.ActionPick:
		return d.doPick(ctx, tab, action)
	case models.ActionExtract:
		out, err := d.Extract(ctx, tab, action.Schema)
		if err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type, JSON: out, Confidence: extractConfidence}, nil

	case models.ActionFillForm:
		for _, field := range action.Fields {
			if err := tab.Page.FillField(ctx, field.Selector, field.Value); err != nil {
				return models.ActionOutput{}, fmt.Errorf("failed to fill %q: %w", field.Selector, err)
			}
		}
		return models.ActionOutput{Type: action.Type}, nil
	case models.ActionUploadFile:
		if err := tab.Page.SetUploadFiles(ctx, action.Selector, action.Files); err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type}, nil

	case models.ActionEvaluate:
		if d.cfg.DisableEvaluate {
			return models.ActionOutput{}, fmt.Errorf("evaluate is disabled on this server")
		}
		var value interface{}
		if err := tab.Page.Evaluate(ctx, action.Script, &value); err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type, Value: value}, nil

	case models.ActionTabNew:
		return d.doTabNew(ctx, sess, action)
	case models.ActionTabSwitch:
		if !sess.SwitchTo(action.TabID) {
			return models.ActionOutput{}, fmt.Errorf("unknown tab %s", action.TabID)
		}
		return models.ActionOutput{Type: action.Type, TabID: action.TabID, Tabs: sess.TabInfos()}, nil
	case models.ActionTabClose:
		tabID := action.TabID
		if tabID == "" {
			tabID = sess.ActiveTabID()
		}
		if err := sess.CloseTab(ctx, tabID); err != nil {
			return models.ActionOutput{}, err
		}
		return models.ActionOutput{Type: action.Type, TabID: sess.ActiveTabID(), Tabs: sess.TabInfos()}, nil
	case models.ActionTabsList:
		return models.ActionOutput{Type: action.Type, Tabs: sess.TabInfos(), TabID: sess.ActiveTabID()}, nil

	case models.ActionStreamSetFps:
		fps := config.ClampFps(action.Fps)
		sess.SetStreamFps(fps)
		_, quality := sess.StreamSettings()
		sess.Notify(models.EventStream, map[string]interface{}{"fps": fps, "quality": quality})
		return models.ActionOutput{Type: action.Type, Fps: fps}, nil
	case models.ActionStreamSetQuality:
		quality := config.ClampQuality(action.Quality)
		sess.SetStreamQuality(quality)
		fps, _ := sess.StreamSettings()
		sess.Notify(models.EventStream, map[string]interface{}{"fps": fps, "quality": quality})
		return models.ActionOutput{Type: action.Type, Quality: quality}, nil
	case models.ActionRedactionSet:
		sess.SetRedaction(*action.Enabled)
		sess.Notify(models.EventRedaction, map[string]interface{}{"enabled": *action.Enabled})
		return models.ActionOutput{Type: action.Type, Enabled: action.Enabled}, nil
	}

	return models.ActionOutput{}, fmt.Errorf("unknown action type %q", action.Type)
}

func (d *Dispatcher) timeoutFor(action models.Action) time.Duration {
	switch action.Type {
	case models.ActionWaitForLoad, models.ActionWaitForSelector, models.ActionWaitForRole:
		if action.TimeoutMs > 0 {
			return time.Duration(action.TimeoutMs) * time.Millisecond
		}
		return d.cfg.WaitTimeout
	case models.ActionWait:
		// The sleep itself plus slack.
		return time.Duration(action.Ms)*time.Millisecond + time.Second
	}
	return d.cfg.ActionTimeout
}

// doGoto checks the navigation policy before driving the browser. A
// blocked navigation is an outcome, not an error: the batch continues and
// the tab's url is unchanged.
func (d *Dispatcher) doGoto(ctx context.Context, sess *session.Session, tab *session.Tab, url string) (models.ActionOutput, error) {
	if !d.allowlist.Allows(url) {
		log.Printf("🚫 [DISPATCH] Navigation to %s blocked by allowlist", url)
		return models.ActionOutput{Type: "goto_blocked", URL: url, Reason: "domain_not_allowed"}, nil
	}
	if d.robots != nil {
		allowed, err := d.robots.Allows(ctx, url)
		if err == nil && !allowed {
			log.Printf("🚫 [DISPATCH] Navigation to %s blocked by robots.txt", url)
			return models.ActionOutput{Type: "goto_blocked", URL: url, Reason: "robots_disallowed"}, nil
		}
	}

	if err := tab.Page.Navigate(ctx, url); err != nil {
		return models.ActionOutput{}, err
	}
	sess.RefreshTabMeta(ctx, tab)
	return models.ActionOutput{Type: models.ActionGoto, URL: sess.TabURL(tab)}, nil
}

// resolveBox resolves the action's target: CSS selector first, then
// accessibility role+name. Returns nil when nothing matches.
func (d *Dispatcher) resolveBox(ctx context.Context, tab *session.Tab, action models.Action) (*models.Box, error) {
	if action.Selector != "" {
		return tab.Page.SelectorBox(ctx, action.Selector)
	}
	if action.Role != "" {
		return tab.Page.RoleBox(ctx, action.Role, action.Name)
	}
	return nil, nil
}

// doClick resolves the target (selector > role > coordinates), emits the
// synthetic cursor presentation events, then performs the real input.
// Cursor events never affect control flow.
func (d *Dispatcher) doClick(ctx context.Context, sess *session.Session, tab *session.Tab, action models.Action) (models.ActionOutput, error) {
	var x, y float64
	box, err := d.resolveBox(ctx, tab, action)
	if err != nil {
		return models.ActionOutput{}, err
	}
	switch {
	case box != nil:
		x, y = box.Center()
	case action.X != nil && action.Y != nil:
		x, y = *action.X, *action.Y
	default:
		return models.ActionOutput{}, fmt.Errorf("no element matches click target")
	}

	sess.Notify(models.EventCursorMove, map[string]interface{}{"x": x, "y": y})
	if err := tab.Page.MouseMove(ctx, x, y); err != nil {
		return models.ActionOutput{}, err
	}
	select {
	case <-time.After(cursorPause):
	case <-ctx.Done():
		return models.ActionOutput{}, ctx.Err()
	}
	sess.Notify(models.EventCursorClick, map[string]interface{}{"x": x, "y": y})

	if err := tab.Page.Click(ctx, x, y, action.Button); err != nil {
		return models.ActionOutput{}, err
	}
	return models.ActionOutput{Type: models.ActionClick, Box: box}, nil
}

// doWaitForRole polls the accessibility lookup until the element appears
// or the timeout elapses.
func (d *Dispatcher) doWaitForRole(ctx context.Context, tab *session.Tab, action models.Action) (models.ActionOutput, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		box, err := tab.Page.RoleBox(ctx, action.Role, action.Name)
		if err != nil {
			return models.ActionOutput{}, err
		}
		if box != nil {
			return models.ActionOutput{Type: action.Type, Box: box}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return models.ActionOutput{}, fmt.Errorf("timed out waiting for role %q", action.Role)
		}
	}
}

func (d *Dispatcher) doScreenshot(ctx context.Context, sess *session.Session, tab *session.Tab) (models.ActionOutput, error) {
	_, quality := sess.StreamSettings()
	data, err := tab.Page.Screenshot(ctx, quality)
	if err != nil {
		return models.ActionOutput{}, err
	}
	href, err := d.store.SaveScreenshot(data)
	if err != nil {
		return models.ActionOutput{}, err
	}
	sess.Notify(models.EventScreenshot, map[string]interface{}{"href": href})
	return models.ActionOutput{Type: models.ActionScreenshot, Href: href}, nil
}

const pickJS = `(() => {
	const els = Array.from(document.querySelectorAll(%q)).slice(0, %d);
	return els.map(el => {
		const attr = {};
		for (const a of el.attributes) attr[a.name] = a.value;
		return {tag: el.tagName.toLowerCase(), text: (el.textContent || '').trim().slice(0, 500), attr};
	});
})()`

func (d *Dispatcher) doPick(ctx context.Context, tab *session.Tab, action models.Action) (models.ActionOutput, error) {
	limit := action.Limit
	if limit <= 0 {
		limit = 10
	}
	var elements []models.PickedElement
	if err := tab.Page.Evaluate(ctx, fmt.Sprintf(pickJS, action.Selector, limit), &elements); err != nil {
		return models.ActionOutput{}, err
	}
	return models.ActionOutput{Type: models.ActionPick, Elements: elements}, nil
}

// doTabNew opens a tab, optionally navigates it (same policy as goto so
// tab.new is not an allowlist bypass) and makes it active.
func (d *Dispatcher) doTabNew(ctx context.Context, sess *session.Session, action models.Action) (models.ActionOutput, error) {
	tab, err := sess.NewTab(ctx)
	if err != nil {
		return models.ActionOutput{}, err
	}
	sess.SwitchTo(tab.ID)

	if action.URL != "" {
		out, err := d.doGoto(ctx, sess, tab, action.URL)
		if err != nil {
			return models.ActionOutput{}, err
		}
		if out.Type == "goto_blocked" {
			out.TabID = tab.ID
			return out, nil
		}
	}
	return models.ActionOutput{Type: models.ActionTabNew, TabID: tab.ID, Tabs: sess.TabInfos()}, nil
}
