package captcha

import (
	"context"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
)

// stubPage embeds the engine page interface and overrides only what
// detection and solving touch. Anything else panics.
type stubPage struct {
	playwright.Page
	mu      sync.Mutex
	content string
	url     string
	context playwright.BrowserContext
	evals   []string

	// evalResult, when set, is returned by every Evaluate call.
	evalResult interface{}

	// clearAfter switches content to clearedContent after that many reads,
	// simulating a challenge resolving while a poll loop watches.
	clearAfter     int
	clearedContent string
}

func newStubPage(content string) *stubPage {
	return &stubPage{content: content, url: "https://example.com/login"}
}

func (p *stubPage) Content() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content := p.content
	if p.clearAfter > 0 {
		p.clearAfter--
		if p.clearAfter == 0 {
			p.content = p.clearedContent
		}
	}
	return content, nil
}

func (p *stubPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *stubPage) Context() playwright.BrowserContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.context
}

func (p *stubPage) Frames() []playwright.Frame { return nil }

func (p *stubPage) Evaluate(expression string, arg ...interface{}) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evals = append(p.evals, expression)
	return p.evalResult, nil
}

func (p *stubPage) evaluations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evals...)
}

type stubContext struct {
	playwright.BrowserContext
	cookies []playwright.Cookie
}

func (c *stubContext) Cookies(urls ...string) ([]playwright.Cookie, error) {
	return c.cookies, nil
}

// manualClock advances only when told to, and exposes the channels handed out
// by After so tests can fire deadlines on demand.
type manualClock struct {
	mu         sync.Mutex
	now        time.Time
	fireAfters bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	fire := c.fireAfters
	c.mu.Unlock()
	if fire {
		ch <- time.Unix(0, 0)
	}
	return ch
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixedBackend answers every solve with the same token.
type fixedBackend struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
	reqs  []SolveRequest
}

func (b *fixedBackend) Solve(ctx context.Context, req SolveRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.reqs = append(b.reqs, req)
	if b.err != nil {
		return "", b.err
	}
	return b.token, nil
}

func (b *fixedBackend) solveCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fixedBackend) requests() []SolveRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SolveRequest(nil), b.reqs...)
}

// blockingBackend blocks every solve until released, for concurrency tests.
type blockingBackend struct {
	fixedBackend
	release chan struct{}
	entered chan struct{}
}

func newBlockingBackend(token string) *blockingBackend {
	return &blockingBackend{
		fixedBackend: fixedBackend{token: token},
		release:      make(chan struct{}),
		entered:      make(chan struct{}, 64),
	}
}

func (b *blockingBackend) Solve(ctx context.Context, req SolveRequest) (string, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return b.fixedBackend.Solve(ctx, req)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testOrchestrator(backend Backend, clock Clock) *Orchestrator {
	return NewOrchestrator(Options{
		Backend: backend,
		Clock:   clock,
		Logger:  quietLogger(),
	})
}
