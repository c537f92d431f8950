package browser

import "strings"

type Strategy string

const (
	ByCSS      Strategy = "css"
	ByXPath    Strategy = "xpath"
	ByID       Strategy = "id"
	ByName     Strategy = "name"
	ByLinkText Strategy = "linkText"
)

type Locator struct {
	By    Strategy
	Value string
}

func (l Locator) String() string { return string(l.By) + "=" + l.Value }

var locatorPrefixes = []struct {
	prefix string
	by     Strategy
}{
	{"id=", ByID},
	{"name=", ByName},
	{"css=", ByCSS},
	{"xpath=", ByXPath},
	{"linkText=", ByLinkText},
	{"link=", ByLinkText},
}

// ParseLocator resolves a Selenium IDE target. Bare "//..." and "(//...)"
// are XPath; anything without a known prefix is a CSS selector.
func ParseLocator(target string) Locator {
	target = strings.TrimSpace(target)
	for _, p := range locatorPrefixes {
		if strings.HasPrefix(target, p.prefix) {
			return Locator{By: p.by, Value: target[len(p.prefix):]}
		}
	}
	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "(//") {
		return Locator{By: ByXPath, Value: target}
	}
	return Locator{By: ByCSS, Value: target}
}
