package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	logx "autoflow/pkg/logx"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// stealthScript runs before any page script on every new document.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
window.navigator.chrome = { runtime: {} };
Object.defineProperty(navigator, 'languages', { get: () => ['zh-CN', 'zh', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
`

type ChromeConfig struct {
	ExecPath  string
	UserAgent string
	Headless  bool
	// FindTimeout bounds element lookups for actions (the implicit wait).
	FindTimeout time.Duration
	Width       int
	Height      int
}

// ChromeOpener launches a visible Chrome per session.
type ChromeOpener struct {
	cfg ChromeConfig
	log logx.Logger
}

func NewChromeOpener(cfg ChromeConfig, log logx.Logger) *ChromeOpener {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.FindTimeout <= 0 {
		cfg.FindTimeout = 10 * time.Second
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1366, 768
	}
	return &ChromeOpener{cfg: cfg, log: log.With(logx.Comp("browser.chrome"))}
}

func (o *ChromeOpener) Open(ctx context.Context, env []string) (Driver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", o.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("start-maximized", true),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(o.cfg.UserAgent),
		chromedp.WindowSize(o.cfg.Width, o.cfg.Height),
		chromedp.Env(env...),
	)
	if o.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.cfg.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	bctx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		o.log.Debug(fmt.Sprintf(format, args...))
	}))

	err := chromedp.Run(bctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	}))
	if err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, err
	}
	return &chromeDriver{ctx: bctx, cancel: func() { cancelBrowser(); cancelAlloc() }, find: o.cfg.FindTimeout}, nil
}

type chromeDriver struct {
	ctx    context.Context
	cancel func()
	find   time.Duration
	closed bool
}

func (d *chromeDriver) run(timeout time.Duration, actions ...chromedp.Action) error {
	if d.closed {
		return errors.New("browser closed")
	}
	ctx := d.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(d.ctx, timeout)
		defer cancel()
	}
	return chromedp.Run(ctx, actions...)
}

// selector maps a Locator onto a chromedp query.
func selector(l Locator) (string, []chromedp.QueryOption) {
	switch l.By {
	case ByID:
		return `[id=` + strconv.Quote(l.Value) + `]`, []chromedp.QueryOption{chromedp.ByQuery}
	case ByName:
		return `[name=` + strconv.Quote(l.Value) + `]`, []chromedp.QueryOption{chromedp.ByQuery}
	case ByXPath:
		return l.Value, []chromedp.QueryOption{chromedp.BySearch}
	case ByLinkText:
		return `//a[normalize-space(.)=` + xpathLiteral(l.Value) + `]`, []chromedp.QueryOption{chromedp.BySearch}
	}
	return l.Value, []chromedp.QueryOption{chromedp.ByQuery}
}

func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}
	parts := strings.Split(s, `"`)
	return `concat("` + strings.Join(parts, `", '"', "`) + `")`
}

func (d *chromeDriver) Navigate(u string) error {
	return d.run(0, chromedp.Navigate(u))
}

func (d *chromeDriver) Click(l Locator) error {
	sel, opts := selector(l)
	return d.run(d.find,
		chromedp.ScrollIntoView(sel, opts...),
		chromedp.Click(sel, append(opts, chromedp.NodeVisible)...),
	)
}

func (d *chromeDriver) Clear(l Locator) error {
	sel, opts := selector(l)
	return d.run(d.find, chromedp.Clear(sel, opts...))
}

func (d *chromeDriver) SendKeys(l Locator, keys string) error {
	sel, opts := selector(l)
	return d.run(d.find, chromedp.SendKeys(sel, keys, opts...))
}

const selectFn = `function(by, opt) {
	const options = Array.from(this.options || []);
	let idx = -1;
	if (by === 'index') idx = parseInt(opt, 10);
	else if (by === 'value') idx = options.findIndex(o => o.value === opt);
	else idx = options.findIndex(o => o.text.trim() === opt.trim());
	if (idx < 0 || idx >= options.length) return false;
	this.selectedIndex = idx;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

func (d *chromeDriver) Select(l Locator, by SelectBy, option string) error {
	sel, opts := selector(l)
	var nodes []*cdp.Node
	if err := d.run(d.find, chromedp.Nodes(sel, &nodes, opts...)); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("select: %s not found", l)
	}
	byArg, _ := json.Marshal(string(by))
	optArg, _ := json.Marshal(option)
	// Arguments are inlined so the call has no dependency on CallArgument encoding.
	fn := "function() { return (" + selectFn + ").call(this, " + string(byArg) + ", " + string(optArg) + "); }"

	var ok bool
	err := d.run(d.find, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(nodes[0].NodeID).Do(ctx)
		if err != nil {
			return err
		}
		res, exc, err := runtime.CallFunctionOn(fn).WithObjectID(obj.ObjectID).WithReturnByValue(true).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("select: %s", exc.Text)
		}
		ok = res != nil && string(res.Value) == "true"
		return nil
	}))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("select: option %s=%q not found", by, option)
	}
	return nil
}

func (d *chromeDriver) WaitVisible(l Locator, timeout time.Duration) error {
	sel, opts := selector(l)
	return d.run(timeout, chromedp.WaitVisible(sel, opts...))
}

func (d *chromeDriver) WaitPresent(l Locator, timeout time.Duration) error {
	sel, opts := selector(l)
	return d.run(timeout, chromedp.WaitReady(sel, opts...))
}

func (d *chromeDriver) Present(l Locator) (bool, error) {
	sel, opts := selector(l)
	var nodes []*cdp.Node
	if err := d.run(d.find, chromedp.Nodes(sel, &nodes, append(opts, chromedp.AtLeast(0))...)); err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (d *chromeDriver) Text(l Locator) (string, error) {
	sel, opts := selector(l)
	var s string
	err := d.run(d.find, chromedp.Text(sel, &s, opts...))
	return s, err
}

func (d *chromeDriver) Value(l Locator) (string, error) {
	sel, opts := selector(l)
	var s string
	err := d.run(d.find, chromedp.Value(sel, &s, opts...))
	return s, err
}

func (d *chromeDriver) Title() (string, error) {
	var s string
	err := d.run(d.find, chromedp.Title(&s))
	return s, err
}

func (d *chromeDriver) Evaluate(script string) (string, error) {
	// Scripts are function bodies; undefined results become null so
	// Evaluate does not reject them.
	expr := "(() => { const r = (function(){ " + script + "\n})(); return r === undefined ? null : r; })()"
	var res any
	if err := d.run(0, chromedp.Evaluate(expr, &res)); err != nil {
		return "", err
	}
	if res == nil {
		return "", nil
	}
	if s, ok := res.(string); ok {
		return s, nil
	}
	return fmt.Sprint(res), nil
}

func (d *chromeDriver) SetWindowSize(width, height int) error {
	return d.run(d.find, chromedp.EmulateViewport(int64(width), int64(height)))
}

// Close shuts the browser down; later calls are no-ops.
func (d *chromeDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	err := chromedp.Cancel(d.ctx)
	d.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
