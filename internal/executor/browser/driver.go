package browser

import (
	"context"
	"time"
)

type SelectBy string

const (
	SelectByLabel SelectBy = "label"
	SelectByValue SelectBy = "value"
	SelectByIndex SelectBy = "index"
)

// Driver is one browser session. It is bound to the context it was opened
// with; cancelling that context tears the browser down.
type Driver interface {
	Navigate(url string) error
	Click(loc Locator) error
	Clear(loc Locator) error
	SendKeys(loc Locator, keys string) error
	Select(loc Locator, by SelectBy, option string) error

	WaitVisible(loc Locator, timeout time.Duration) error
	WaitPresent(loc Locator, timeout time.Duration) error
	Present(loc Locator) (bool, error)

	Text(loc Locator) (string, error)
	Value(loc Locator) (string, error)
	Title() (string, error)
	// Evaluate runs a script body (which may "return") and stringifies the result.
	Evaluate(script string) (string, error)
	SetWindowSize(width, height int) error

	Close() error
}

// Opener starts a session with the given process environment.
type Opener interface {
	Open(ctx context.Context, env []string) (Driver, error)
}

type OpenerFunc func(ctx context.Context, env []string) (Driver, error)

func (f OpenerFunc) Open(ctx context.Context, env []string) (Driver, error) { return f(ctx, env) }
