package browser

import (
	"regexp"
	"strings"

	"github.com/chromedp/chromedp/kb"
)

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Vars holds values produced by store* commands for ${name} substitution.
type Vars map[string]string

// Expand substitutes known ${name} references. Unknown names are kept
// verbatim so key tokens like ${KEY_ENTER} survive to sendKeys.
func (v Vars) Expand(s string) string {
	if s == "" || !strings.Contains(s, "${") {
		return s
	}
	return varRef.ReplaceAllStringFunc(s, func(m string) string {
		if val, ok := v[m[2:len(m)-1]]; ok {
			return val
		}
		return m
	})
}

var keyTokens = map[string]string{
	"KEY_ENTER":     kb.Enter,
	"KEY_RETURN":    kb.Enter,
	"KEY_TAB":       kb.Tab,
	"KEY_BACKSPACE": kb.Backspace,
	"KEY_BKSP":      kb.Backspace,
	"KEY_DELETE":    kb.Delete,
	"KEY_DEL":       kb.Delete,
	"KEY_ESC":       kb.Escape,
	"KEY_ESCAPE":    kb.Escape,
	"KEY_UP":        kb.ArrowUp,
	"KEY_DOWN":      kb.ArrowDown,
	"KEY_LEFT":      kb.ArrowLeft,
	"KEY_RIGHT":     kb.ArrowRight,
	"KEY_HOME":      kb.Home,
	"KEY_END":       kb.End,
	"KEY_PAGE_UP":   kb.PageUp,
	"KEY_PAGE_DOWN": kb.PageDown,
	"KEY_SPACE":     " ",
}

// ExpandKeys replaces ${KEY_*} tokens with the key sequences the driver sends.
func ExpandKeys(s string) string {
	if !strings.Contains(s, "${KEY_") {
		return s
	}
	return varRef.ReplaceAllStringFunc(s, func(m string) string {
		if k, ok := keyTokens[m[2:len(m)-1]]; ok {
			return k
		}
		return m
	})
}
