package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"github.com/BARKEM-JC/browser-use-undetected/pkg/captcha"
	"github.com/BARKEM-JC/browser-use-undetected/pkg/config"
)

// The stubs below embed the generated engine interfaces and override only
// the methods the session touches. Calling anything else panics, which is
// exactly what we want from a test double.

type stubBrowser struct {
	playwright.Browser
	mu              sync.Mutex
	connected       bool
	contexts        []playwright.BrowserContext
	contextOpts     []playwright.BrowserNewContextOptions
	newContextCalls int
	closed          bool
}

func (b *stubBrowser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *stubBrowser) Contexts() []playwright.BrowserContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contexts
}

func (b *stubBrowser) NewContext(options ...playwright.BrowserNewContextOptions) (playwright.BrowserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newContextCalls++
	b.contextOpts = append(b.contextOpts, options...)
	ctx := &stubContext{browser: b}
	b.contexts = append(b.contexts, ctx)
	return ctx, nil
}

func (b *stubBrowser) Close(options ...playwright.BrowserCloseOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	return nil
}

type stubContext struct {
	playwright.BrowserContext
	mu           sync.Mutex
	browser      playwright.Browser
	pages        []playwright.Page
	closed       bool
	closeErr     error
	initScripts  int
	storageSaves []string
	pageHandlers []func(playwright.Page)
}

func (c *stubContext) Browser() playwright.Browser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browser
}

func (c *stubContext) Pages() []playwright.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages
}

func (c *stubContext) NewPage() (playwright.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := &stubPage{context: c}
	c.pages = append(c.pages, page)
	return page, nil
}

func (c *stubContext) Close(options ...playwright.BrowserContextCloseOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *stubContext) AddInitScript(script playwright.Script) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initScripts++
	return nil
}

func (c *stubContext) OnPage(fn func(playwright.Page)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageHandlers = append(c.pageHandlers, fn)
}

func (c *stubContext) Cookies(urls ...string) ([]playwright.Cookie, error) {
	return nil, nil
}

func (c *stubContext) StorageState(paths ...string) (*playwright.StorageState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(paths) > 0 {
		if err := os.WriteFile(paths[0], []byte(`{"cookies":[],"origins":[]}`), 0o600); err != nil {
			return nil, err
		}
		c.storageSaves = append(c.storageSaves, paths[0])
	}
	return &playwright.StorageState{}, nil
}

func (c *stubContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type stubPage struct {
	playwright.Page
	mu      sync.Mutex
	context playwright.BrowserContext
	content string
	url     string
	closed  bool
	gotoErr error
}

func (p *stubPage) Context() playwright.BrowserContext {
	return p.context
}

func (p *stubPage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *stubPage) SetViewportSize(width, height int) error { return nil }

func (p *stubPage) OnClose(fn func(playwright.Page)) {}

func (p *stubPage) Content() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}

func (p *stubPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *stubPage) Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gotoErr != nil {
		return nil, p.gotoErr
	}
	p.url = url
	return nil, nil
}

func (p *stubPage) Reload(options ...playwright.PageReloadOptions) (playwright.Response, error) {
	return nil, nil
}

func (p *stubPage) Title() (string, error) { return "stub page", nil }

func (p *stubPage) Frames() []playwright.Frame { return nil }

func (p *stubPage) Evaluate(expression string, arg ...interface{}) (interface{}, error) {
	return nil, nil
}

// fakeDriver stands in for the engine runtime and counts what the resolver
// asked of it.

type fakeDriver struct {
	mu           sync.Mutex
	launchCalls  int
	connectCalls int
	launchErr    error
	connectErr   error
	closed       bool
}

func (d *fakeDriver) Launch(profile *Profile) (playwright.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launchCalls++
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	return &stubBrowser{connected: true}, nil
}

func (d *fakeDriver) Connect(wsEndpoint string) (playwright.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectCalls++
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	return &stubBrowser{connected: true}, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launchCalls
}

// fakeProcs replaces the gopsutil-backed registry: every launch "spawns"
// the configured pid.

type fakeProcs struct {
	mu           sync.Mutex
	pid          int
	terminated   []int
	terminateErr error
}

func (f *fakeProcs) Snapshot() error { return nil }

func (f *fakeProcs) DetectNew() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid
}

func (f *fakeProcs) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	return f.terminateErr
}

func (f *fakeProcs) terminations() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terminated...)
}

// fakeClock advances instantly on sleep so lifecycle tests never wait.

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	// Never fires: tests drive outcomes through backends, not deadlines.
	return make(chan time.Time)
}

// countingBackend records solve requests and answers with a fixed token.

type countingBackend struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (b *countingBackend) Solve(ctx context.Context, req captcha.SolveRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return "", b.err
	}
	return fmt.Sprintf("token-%d", b.calls), nil
}

func (b *countingBackend) solveCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// testSession wires a session to the fakes above.
func testSession(cfg *config.Config, opts SessionOptions, driver *fakeDriver, procs *fakeProcs) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		opts.Logger = logger
	}
	if opts.Clock == nil {
		opts.Clock = newFakeClock()
	}
	if opts.SolverBackend == nil {
		opts.SolverBackend = &countingBackend{}
	}

	s := NewSession(cfg, opts)
	s.newDriver = func() (engineDriver, error) { return driver, nil }
	s.procs = procs
	return s
}
