package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"github.com/BARKEM-JC/browser-use-undetected/pkg/captcha"
	"github.com/BARKEM-JC/browser-use-undetected/pkg/config"
)

// Session owns one browser connection and its lifecycle. All mutating
// operations are serialized: a Stop arriving while a Start is in flight
// waits for the start to finish or fail before acting.
type Session struct {
	cfg     *config.Config
	profile *Profile
	procs   processWatcher
	solver  *captcha.Orchestrator
	clock   captcha.Clock
	log     *logrus.Entry

	// newDriver creates the engine runtime on first use. The driver is kept
	// for the lifetime of the session.
	newDriver func() (engineDriver, error)
	driver    engineDriver

	// seeds are the caller-supplied connection candidates. They are only
	// read during start.
	seeds resolveInputs

	mu     sync.Mutex
	state  SessionState
	handle *ConnectionHandle

	pageMu      sync.Mutex
	currentPage playwright.Page
}

// SessionOptions carries optional pre-supplied handles and test hooks for a
// new session.
type SessionOptions struct {
	// Browser reuses an existing engine connection instead of launching.
	Browser playwright.Browser

	// Context reuses an existing browsing context. Takes precedence over
	// Browser when both are supplied and disagree.
	Context playwright.BrowserContext

	// Page reuses the context owning this page. Highest priority.
	Page playwright.Page

	// Logger receives session logs. Defaults to the standard logger.
	Logger *logrus.Logger

	// SolverBackend overrides the captcha solving service, used by tests.
	SolverBackend captcha.Backend

	// Clock overrides the wall clock, used by tests.
	Clock captcha.Clock
}

// NewSession builds a session from resolved configuration. Nothing is
// launched until Start.
func NewSession(cfg *config.Config, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = captcha.SystemClock()
	}

	backend := opts.SolverBackend
	if backend == nil {
		backend = captcha.NewCapsolverClient(cfg.SolverAPIKey, logger)
	}

	return &Session{
		cfg:     cfg,
		profile: NewProfile(cfg, logger),
		procs:   NewProcessRegistry(logger),
		clock:   clock,
		solver: captcha.NewOrchestrator(captcha.Options{
			Backend: backend,
			Clock:   clock,
			Logger:  logger,
		}),
		log: logger.WithField("component", "session"),
		newDriver: func() (engineDriver, error) {
			return newPlaywrightDriver(logger)
		},
		seeds: resolveInputs{
			page:        opts.Page,
			browser:     opts.Browser,
			context:     opts.Context,
			wssEndpoint: cfg.Launch.WSSEndpoint,
		},
	}
}

// Start establishes the browser connection. It is safe under concurrent
// invocation: callers serialize on the session lock, and a caller arriving
// while another start is in flight observes that start's outcome instead of
// launching a second engine. Starting an already Ready session with a live
// connection is an idempotent no-op returning the existing handle.
//
// On failure the state rolls back to Uninitialized so the caller can retry,
// and the triggering error is returned.
func (s *Session) Start(ctx context.Context) (*ConnectionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.state == StateReady && s.handle.Live() {
		s.log.Debug("session already started with a live connection")
		return s.handle, nil
	}

	s.resetLocked()
	s.state = StateStarting

	handle, err := s.startLocked()
	if err != nil {
		s.state = StateUninitialized
		return nil, err
	}

	s.handle = handle
	s.state = StateReady
	return handle, nil
}

func (s *Session) startLocked() (*ConnectionHandle, error) {
	if err := s.profile.PrepareUserDataDir(); err != nil {
		return nil, fmt.Errorf("failed to prepare profile: %w", err)
	}

	res := &resolver{
		inputs:  s.seeds,
		profile: s.profile,
		driver:  s.engineDriver,
		procs:   s.procs,
		log:     s.log,
	}
	handle, err := res.resolve()
	if err != nil {
		s.profile.ReleaseLock()
		return nil, err
	}

	if err := s.setupContext(handle); err != nil {
		s.teardownHandle(handle)
		s.profile.ReleaseLock()
		return nil, err
	}
	return handle, nil
}

// setupContext sizes the active page, registers foreground-page tracking,
// and installs the anti-detection init script.
func (s *Session) setupContext(handle *ConnectionHandle) error {
	page, err := s.ensurePage(handle.Context)
	if err != nil {
		return err
	}

	if err := page.SetViewportSize(s.profile.ViewportWidth, s.profile.ViewportHeight); err != nil {
		s.log.WithError(err).Debug("viewport resize failed")
	}

	if err := handle.Context.AddInitScript(playwright.Script{
		Content: playwright.String(antiDetectionScript),
	}); err != nil {
		return fmt.Errorf("failed to add init script: %w", err)
	}

	// New pages and popups become the foreground page as they open.
	handle.Context.OnPage(func(p playwright.Page) {
		s.setCurrentPage(p)
		p.OnClose(func(closed playwright.Page) {
			s.clearCurrentPage(closed)
		})
	})

	s.setCurrentPage(page)
	return nil
}

// ensurePage returns the context's first open page, creating one when the
// context is empty.
func (s *Session) ensurePage(bc playwright.BrowserContext) (playwright.Page, error) {
	if pages := bc.Pages(); len(pages) > 0 {
		return pages[0], nil
	}
	page, err := bc.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return page, nil
}

// Stop releases the session's connection. All resource releases are best
// effort: failures are logged, never returned, so teardown always completes.
//
// When the connection is not owned and keep_external_alive is set, only
// local state is reset and the external browser keeps running.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		// A redundant stop leaves the Stopped state in place; stopping a
		// never-started session just clears any partial state.
		if s.state == StateStopped {
			return
		}
		s.resetLocked()
		return
	}

	s.state = StateStopping
	handle := s.handle

	if !handle.OwnedByUs && s.cfg.KeepExternalAlive {
		s.log.Info("stopping session, leaving external browser running")
	} else {
		s.teardownHandle(handle)
	}

	s.profile.ReleaseLock()
	s.resetLocked()
	s.state = StateStopped
}

// teardownHandle persists the context's storage state, closes the context,
// and terminates the recorded engine process. Tolerates everything; a
// process that is already gone is success.
func (s *Session) teardownHandle(handle *ConnectionHandle) {
	if handle.Context != nil {
		if err := s.profile.SaveStorageState(handle.Context); err != nil {
			s.log.WithError(&TeardownError{Op: "save storage state", Err: err}).Warn("storage state save failed")
		}
		if err := handle.Context.Close(); err != nil {
			s.log.WithError(&TeardownError{Op: "close context", Err: err}).Warn("context close failed")
		}
	}
	if handle.ProcessID != 0 {
		if err := s.procs.Terminate(handle.ProcessID); err != nil {
			s.log.WithError(&TeardownError{Op: "terminate engine process", Err: err}).Warn("engine termination failed")
		}
		handle.ProcessID = 0
	}
}

// Restart stops the session and starts it again with a fresh connection.
func (s *Session) Restart(ctx context.Context) (*ConnectionHandle, error) {
	s.Stop()
	return s.Start(ctx)
}

// Close shuts the session down and stops the engine runtime if one was
// started.
func (s *Session) Close() {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver != nil {
		if err := s.driver.Close(); err != nil {
			s.log.WithError(&TeardownError{Op: "stop engine runtime", Err: err}).Warn("engine runtime stop failed")
		}
		s.driver = nil
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the live connection handle, or nil when the session is not
// started.
func (s *Session) Handle() *ConnectionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Context returns the active browsing context, or nil when not started.
func (s *Session) Context() playwright.BrowserContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	return s.handle.Context
}

// IsConnected reports whether the session holds a live connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.handle.Live()
}

// CurrentPage returns the foreground page, or nil when not started.
func (s *Session) CurrentPage() playwright.Page {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	return s.currentPage
}

func (s *Session) setCurrentPage(p playwright.Page) {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	s.currentPage = p
}

func (s *Session) clearCurrentPage(closed playwright.Page) {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	if s.currentPage == closed {
		s.currentPage = nil
	}
}

// engineDriver returns the shared engine runtime, creating it on first use.
// Called only while the session lock is held.
func (s *Session) engineDriver() (engineDriver, error) {
	if s.driver != nil {
		return s.driver, nil
	}
	driver, err := s.newDriver()
	if err != nil {
		return nil, err
	}
	s.driver = driver
	return driver, nil
}

// resetLocked clears all connection-scoped state. Caller holds the session
// lock.
func (s *Session) resetLocked() {
	s.handle = nil
	s.state = StateUninitialized

	s.pageMu.Lock()
	s.currentPage = nil
	s.pageMu.Unlock()
}

// antiDetectionScript runs in every new document before page scripts,
// normalizing the permissions API and exposing listener introspection used
// by the agent's DOM analysis.
const antiDetectionScript = `
// check to make sure we're not inside the PDF viewer
window.isPdfViewer = !!document?.body?.querySelector('body > embed[type="application/pdf"][width="100%"]')
if (!window.isPdfViewer) {
	// Permissions
	const originalQuery = window.navigator.permissions.query;
	window.navigator.permissions.query = (parameters) => (
		parameters.name === 'notifications' ?
			Promise.resolve({ state: Notification.permission }) :
			originalQuery(parameters)
	);
	(() => {
		if (window._eventListenerTrackerInitialized) return;
		window._eventListenerTrackerInitialized = true;

		const originalAddEventListener = EventTarget.prototype.addEventListener;
		const eventListenersMap = new WeakMap();

		EventTarget.prototype.addEventListener = function(type, listener, options) {
			if (listener && typeof listener === 'function') {
				let listeners = eventListenersMap.get(this);
				if (!listeners) {
					listeners = [];
					eventListenersMap.set(this, listeners);
				}
				listeners.push({
					type,
					listener,
					listenerPreview: listener.toString().slice(0, 100),
					options
				});
			}
			return originalAddEventListener.call(this, type, listener, options);
		};

		window.getEventListenersForNode = (node) => {
			const listeners = eventListenersMap.get(node) || [];
			return listeners.map(({ type, listenerPreview, options }) => ({
				type,
				listenerPreview,
				options
			}));
		};
	})();
}
`
