package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"periscope/internal/session"
)

// extractConfidence is reported with every successful extraction. The
// engine does no scoring of its own; callers treat the value as a fixed
// "schema matched" signal.
const extractConfidence = 0.7

// extractSchema is the declarative query evaluated in-page. Exactly one
// of List or Single must be set. Field values are CSS selectors relative
// to the matched root, optionally suffixed with "@attr" to read an
// attribute instead of text content.
type extractSchema struct {
	List   *extractQuery `json:"list,omitempty"`
	Single *extractQuery `json:"single,omitempty"`
}

type extractQuery struct {
	Selector string            `json:"selector,omitempty"`
	Fields   map[string]string `json:"fields"`
}

// extractJS walks the schema inside the page. href/src attributes are
// resolved against the document base so callers always get absolute
// links, and Google result redirects are unwrapped to their target.
const extractJS = `(() => {
	const schema = %s;
	const abs = (h) => {
		if (!h) return h;
		try {
			const u = new URL(h, document.baseURI);
			if (u.hostname.endsWith('google.com') && u.pathname === '/url') {
				const q = u.searchParams.get('q') || u.searchParams.get('url');
				if (q) return q;
			}
			return u.href;
		} catch (e) { return h; }
	};
	const read = (root, spec) => {
		const out = {};
		for (const [name, sel] of Object.entries(spec.fields || {})) {
			let css = sel, attr = '';
			const at = sel.lastIndexOf('@');
			if (at > 0) { css = sel.slice(0, at); attr = sel.slice(at + 1); }
			else if (at === 0) { css = ''; attr = sel.slice(1); }
			const el = css ? root.querySelector(css) : root;
			if (!el) { out[name] = null; continue; }
			if (attr) {
				let v = el.getAttribute(attr);
				if (attr === 'href' || attr === 'src') v = abs(v);
				out[name] = v;
			} else {
				out[name] = (el.textContent || '').trim();
			}
		}
		return out;
	};
	if (schema.list) {
		return Array.from(document.querySelectorAll(schema.list.selector))
			.map(el => read(el, schema.list));
	}
	const root = schema.single.selector
		? document.querySelector(schema.single.selector)
		: document.documentElement;
	return root ? read(root, schema.single) : null;
})()`

// Extract evaluates the schema against the tab's document and returns the
// structured result.
func (d *Dispatcher) Extract(ctx context.Context, tab *session.Tab, raw json.RawMessage) (interface{}, error) {
	var schema extractSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("invalid extract schema: %w", err)
	}
	if (schema.List == nil) == (schema.Single == nil) {
		return nil, fmt.Errorf("extract schema requires exactly one of 'list' or 'single'")
	}
	if schema.List != nil && schema.List.Selector == "" {
		return nil, fmt.Errorf("extract schema 'list' requires a selector")
	}

	var result interface{}
	if err := tab.Page.Evaluate(ctx, fmt.Sprintf(extractJS, raw), &result); err != nil {
		return nil, err
	}
	return result, nil
}
