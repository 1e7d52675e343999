package browser

import (
	"fmt"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
)

// resolveInputs are the caller-supplied connection candidates.
type resolveInputs struct {
	page        playwright.Page
	browser     playwright.Browser
	context     playwright.BrowserContext
	wssEndpoint string
}

// resolver turns the available inputs into exactly one live ConnectionHandle,
// trying strategies in fixed priority order and short-circuiting on the
// first success:
//
//  1. reuse the context owning a supplied page
//  2. reuse a supplied context or browser handle
//  3. attach to a remote browser server
//  4. launch a local engine
//
// Each strategy returns (nil, reason) when it cannot produce a handle; the
// reasons are collected into the ConnectionError when everything fails.
type resolver struct {
	inputs  resolveInputs
	profile *Profile
	driver  func() (engineDriver, error)
	procs   processWatcher
	log     *logrus.Entry
}

func (r *resolver) resolve() (*ConnectionHandle, error) {
	strategies := []struct {
		name string
		fn   func() (*ConnectionHandle, string)
	}{
		{"reuse-page", r.fromPage},
		{"reuse-handle", r.fromBrowserOrContext},
		{"remote-attach", r.remoteAttach},
		{"local-launch", r.localLaunch},
	}

	var attempts []StrategyAttempt
	for _, s := range strategies {
		handle, reason := s.fn()
		if handle != nil {
			r.log.WithFields(logrus.Fields{
				"strategy": s.name,
				"owned":    handle.OwnedByUs,
				"pid":      handle.ProcessID,
			}).Info("browser connection established")
			return handle, nil
		}
		attempts = append(attempts, StrategyAttempt{Strategy: s.name, Reason: reason})
	}
	return nil, &ConnectionError{Attempts: attempts}
}

// fromPage reuses the context owning a supplied page. The page always takes
// priority over separately supplied handles.
func (r *resolver) fromPage() (*ConnectionHandle, string) {
	if r.inputs.page == nil {
		return nil, "no page supplied"
	}
	bc := r.inputs.page.Context()
	if bc == nil {
		return nil, "supplied page has no owning context"
	}
	if ok, why := contextAlive(bc); !ok {
		return nil, why
	}
	return &ConnectionHandle{
		Browser:   bc.Browser(),
		Context:   bc,
		OwnedByUs: false,
	}, ""
}

// fromBrowserOrContext reuses a supplied context or browser handle. When both
// are supplied and disagree, the context's own browser takes precedence.
func (r *resolver) fromBrowserOrContext() (*ConnectionHandle, string) {
	bc := r.inputs.context
	browser := r.inputs.browser
	if bc == nil && browser == nil {
		return nil, "no browser or context supplied"
	}

	if bc != nil {
		if ok, why := contextAlive(bc); !ok {
			r.log.WithField("reason", why).Debug("discarding supplied context")
			bc = nil
		}
	}
	if browser != nil && !browser.IsConnected() {
		r.log.Debug("discarding disconnected supplied browser")
		browser = nil
	}

	if bc != nil {
		if own := bc.Browser(); own != nil && own.IsConnected() {
			browser = own
		}
		return &ConnectionHandle{Browser: browser, Context: bc, OwnedByUs: false}, ""
	}

	if browser != nil {
		ctx, err := r.contextFor(browser)
		if err != nil {
			return nil, fmt.Sprintf("supplied browser is live but context setup failed: %v", err)
		}
		return &ConnectionHandle{Browser: browser, Context: ctx, OwnedByUs: false}, ""
	}

	return nil, "all supplied handles are disconnected"
}

// remoteAttach connects to a configured remote browser server. A remote
// server is externally managed, so the connection is never owned.
func (r *resolver) remoteAttach() (*ConnectionHandle, string) {
	if r.inputs.wssEndpoint == "" {
		return nil, "no remote endpoint configured"
	}

	driver, err := r.driver()
	if err != nil {
		return nil, fmt.Sprintf("engine runtime unavailable: %v", err)
	}
	browser, err := driver.Connect(r.inputs.wssEndpoint)
	if err != nil {
		return nil, err.Error()
	}
	ctx, err := r.contextFor(browser)
	if err != nil {
		return nil, fmt.Sprintf("connected but context setup failed: %v", err)
	}
	return &ConnectionHandle{Browser: browser, Context: ctx, OwnedByUs: false}, ""
}

// localLaunch spawns a fresh engine process. The child-process set is diffed
// around the launch to identify the spawned pid for later termination.
func (r *resolver) localLaunch() (*ConnectionHandle, string) {
	driver, err := r.driver()
	if err != nil {
		return nil, fmt.Sprintf("engine runtime unavailable: %v", err)
	}

	if err := r.procs.Snapshot(); err != nil {
		// A failed snapshot only loses pid tracking, not the launch.
		r.log.WithError(err).Debug("process snapshot failed before launch")
	}

	browser, err := driver.Launch(r.profile)
	if err != nil {
		return nil, err.Error()
	}

	pid := r.procs.DetectNew()
	ctx, err := r.contextFor(browser)
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Sprintf("launched but context setup failed: %v", err)
	}

	return &ConnectionHandle{
		Browser:   browser,
		Context:   ctx,
		ProcessID: pid,
		OwnedByUs: true,
	}, ""
}

// contextFor reuses the browser's first existing context or creates a new
// one configured from the profile.
func (r *resolver) contextFor(browser playwright.Browser) (playwright.BrowserContext, error) {
	if existing := browser.Contexts(); len(existing) > 0 {
		r.log.Debug("reusing first context in browser")
		return existing[0], nil
	}

	opts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  r.profile.ViewportWidth,
			Height: r.profile.ViewportHeight,
		},
		Permissions: r.profile.SupportedPermissions(),
	}
	if r.profile.Proxy != nil {
		opts.Proxy = &playwright.Proxy{
			Server:   r.profile.Proxy.Server,
			Username: playwright.String(r.profile.Proxy.Username),
			Password: playwright.String(r.profile.Proxy.Password),
		}
	}
	if path := r.profile.StorageStatePath(); path != "" {
		opts.StorageStatePath = playwright.String(path)
	}

	ctx, err := browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	return ctx, nil
}

// contextAlive checks whether a context's underlying connection is still
// usable. A context without a browser object cannot be probed and is
// accepted as is.
func contextAlive(bc playwright.BrowserContext) (bool, string) {
	if b := bc.Browser(); b != nil && !b.IsConnected() {
		return false, "context's browser is disconnected"
	}
	return true, ""
}
