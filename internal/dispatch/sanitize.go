package dispatch

import (
	"fmt"
	"unicode/utf8"

	"periscope/internal/models"
)

// Sanitize returns the copy of an action suitable for broadcasting to
// stream viewers. When redaction is on, typed text and sensitive form
// values are replaced with a length-preserving placeholder and sensitive
// scripts are blanked. The original action is never modified; the engine
// always sends the real values to the browser.
func Sanitize(a models.Action, redact bool) models.Action {
	if !redact {
		return a
	}

	switch a.Type {
	case models.ActionType:
		if a.Text != "" {
			a.Text = redacted(a.Text)
		}
	case models.ActionFillForm:
		fields := make([]models.FormField, len(a.Fields))
		copy(fields, a.Fields)
		for i, f := range fields {
			if f.Sensitive {
				fields[i].Value = redacted(f.Value)
			}
		}
		a.Fields = fields
	case models.ActionEvaluate:
		if a.Sensitive {
			a.Script = "[redacted]"
		}
	}
	return a
}

func redacted(s string) string {
	return fmt.Sprintf("[redacted:%d]", utf8.RuneCountInString(s))
}
