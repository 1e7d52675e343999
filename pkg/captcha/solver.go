package captcha

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// postSolveGrace gives a solved page time to run its redirect before
	// control returns to the caller.
	postSolveGrace = 2 * time.Second

	// detectPollInterval paces detection-only polling loops.
	detectPollInterval = 500 * time.Millisecond

	// checkboxSettle paces polling for a checkbox solve to take effect.
	checkboxSettle = 1 * time.Second
)

// Orchestrator runs captcha detection and solving for pages belonging to one
// session. Safe for concurrent use; concurrent handling of the same page is
// collapsed into a single solving pass.
type Orchestrator struct {
	detector *Detector
	backend  Backend
	clock    Clock
	log      *logrus.Entry
	flight   singleflight.Group
}

// Options configures an Orchestrator. Zero values select production defaults.
type Options struct {
	// Backend overrides the external solving service.
	Backend Backend

	// Clock overrides the wall clock, used by tests.
	Clock Clock

	// Logger receives orchestrator logs.
	Logger *logrus.Logger
}

// NewOrchestrator creates an orchestrator using the given backend for
// fallback solving.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Orchestrator{
		detector: NewDetector(logger),
		backend:  opts.Backend,
		clock:    clock,
		log:      logger.WithField("component", "captcha"),
	}
}

// task is one handling pass over a page. Created per navigation event and
// discarded after resolution or timeout.
type task struct {
	id       string
	state    TaskState
	attempts int
	deadline time.Time
	detected []Detection
}

// Handle detects challenges on the page and tries to solve them before the
// timeout elapses. It returns true when a challenge was solved, and false
// when nothing was detected or the deadline passed. Hitting the deadline is
// not an error: the page may simply still be gated.
//
// If a handling pass for the same page is already in flight, the call waits
// for that pass and shares its result instead of starting a duplicate.
func (o *Orchestrator) Handle(ctx context.Context, page playwright.Page, timeout time.Duration) bool {
	t := &task{id: uuid.NewString(), state: TaskDetecting}
	log := o.log.WithField("task", t.id)

	detections, err := o.detector.Detect(page)
	if err != nil {
		log.WithError(err).Warn("challenge detection failed")
		t.state = TaskFailed
		return false
	}
	if len(detections) == 0 {
		t.state = TaskResolved
		return false
	}
	t.detected = detections

	if timeout <= 0 {
		t.state = TaskTimedOut
		log.Debug("no time budget for solving, page left gated")
		return false
	}
	t.deadline = o.clock.Now().Add(timeout)

	solved, _, _ := o.flight.Do(pageKey(page), func() (any, error) {
		return o.solve(ctx, page, t, log), nil
	})
	return solved.(bool)
}

// WaitForResolution polls detection only, without solving, until the page is
// clear of challenges or the timeout elapses. Used to confirm that a human or
// an external process has cleared a challenge.
func (o *Orchestrator) WaitForResolution(ctx context.Context, page playwright.Page, timeout time.Duration) bool {
	deadline := o.clock.Now().Add(timeout)
	for {
		detections, err := o.detector.Detect(page)
		if err != nil {
			o.log.WithError(err).Debug("detection poll failed")
		} else if len(detections) == 0 {
			return true
		}

		if !o.clock.Now().Add(detectPollInterval).Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}
		o.clock.Sleep(detectPollInterval)
	}
}

// solve works through the detected challenges in priority order. It stops as
// soon as one solve succeeds or the deadline passes.
func (o *Orchestrator) solve(ctx context.Context, page playwright.Page, t *task, log *logrus.Entry) bool {
	t.state = TaskSolving
	log.WithField("detected", describeDetections(t.detected)).Info("solving challenges")

	for _, det := range t.detected {
		remaining := t.deadline.Sub(o.clock.Now())
		if remaining <= 0 {
			t.state = TaskTimedOut
			log.Info("solve deadline reached, page left gated")
			return false
		}
		t.attempts++

		if o.attempt(ctx, page, det, remaining, log) {
			t.state = TaskResolved
			log.WithField("type", det.Type).Info("challenge solved")
			o.clock.Sleep(postSolveGrace)
			return true
		}
	}

	// Every detection was attempted and none succeeded while time remained.
	t.state = TaskFailed
	return false
}

type attemptResult struct {
	solved bool
	err    error
}

// attempt runs one solving strategy under the remaining time budget. A result
// arriving after the budget is abandoned, not awaited.
func (o *Orchestrator) attempt(ctx context.Context, page playwright.Page, det Detection, remaining time.Duration, log *logrus.Entry) bool {
	resCh := make(chan attemptResult, 1)
	go func() {
		solved, err := o.solveOne(ctx, page, det)
		resCh <- attemptResult{solved: solved, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			log.WithError(res.err).WithField("type", det.Type).Warn("solve attempt failed")
			return false
		}
		return res.solved
	case <-ctx.Done():
		log.WithField("type", det.Type).Debug("solve attempt cancelled")
		return false
	case <-o.clock.After(remaining):
		log.WithField("type", det.Type).Debug("solve attempt abandoned at deadline")
		return false
	}
}

// solveOne tries the dedicated strategy for a challenge type, then falls back
// to the external backend.
func (o *Orchestrator) solveOne(ctx context.Context, page playwright.Page, det Detection) (bool, error) {
	switch det.Type {
	case TypeRecaptchaV2:
		if o.tryRecaptchaCheckbox(page) {
			return true, nil
		}
	case TypeCloudflareChallenge:
		// Managed challenges often clear themselves in a hardened browser.
		if o.waitChallengeCleared(ctx, page) {
			return true, nil
		}
	}
	return o.solveViaBackend(ctx, page, det)
}

// tryRecaptchaCheckbox clicks the v2 anchor checkbox and checks whether a
// response token appeared. Free when the widget trusts the browser.
func (o *Orchestrator) tryRecaptchaCheckbox(page playwright.Page) bool {
	var anchor playwright.Frame
	for _, frame := range page.Frames() {
		if strings.Contains(frame.URL(), "google.com/recaptcha") && strings.Contains(frame.URL(), "anchor") {
			anchor = frame
			break
		}
	}
	if anchor == nil {
		return false
	}

	if err := anchor.Click("#recaptcha-anchor", playwright.FrameClickOptions{
		Timeout: playwright.Float(3000),
	}); err != nil {
		return false
	}

	// The widget fills the hidden textarea once it accepts the click.
	for i := 0; i < 5; i++ {
		o.clock.Sleep(checkboxSettle)
		value, err := page.Evaluate(`() => {
			const el = document.querySelector('textarea[name="g-recaptcha-response"]');
			return el ? el.value : '';
		}`)
		if err != nil {
			return false
		}
		if s, ok := value.(string); ok && s != "" {
			return true
		}
	}
	return false
}

// waitChallengeCleared polls briefly for an interstitial challenge to resolve
// on its own.
func (o *Orchestrator) waitChallengeCleared(ctx context.Context, page playwright.Page) bool {
	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		detections, err := o.detector.Detect(page)
		if err == nil && !containsType(detections, TypeCloudflareChallenge) {
			return true
		}
		o.clock.Sleep(detectPollInterval)
	}
	return false
}

// solveViaBackend requests a token from the paid service and injects it into
// the page.
func (o *Orchestrator) solveViaBackend(ctx context.Context, page playwright.Page, det Detection) (bool, error) {
	if o.backend == nil {
		return false, &SolveError{Code: "ERROR_NO_BACKEND", Description: "no solving backend configured"}
	}
	if det.SiteKey == "" && requiresSiteKey(det.Type) {
		return false, &SolveError{Code: "ERROR_NO_SITE_KEY", Description: fmt.Sprintf("no site key extracted for %s", det.Type)}
	}

	token, err := o.backend.Solve(ctx, SolveRequest{
		Type:    det.Type,
		SiteKey: det.SiteKey,
		PageURL: page.URL(),
	})
	if err != nil {
		return false, err
	}

	if err := injectToken(page, det.Type, token); err != nil {
		return false, fmt.Errorf("failed to inject token: %w", err)
	}
	return true, nil
}

// injectToken writes the solved token into the response field the page's
// verification code reads, and pokes the widget callback when one is set.
func injectToken(page playwright.Page, t Type, token string) error {
	var script string
	switch t {
	case TypeRecaptchaV2, TypeRecaptchaV3:
		script = `(token) => {
			document.querySelectorAll('textarea[name="g-recaptcha-response"]').forEach((el) => {
				el.value = token;
				el.style.display = 'block';
			});
			if (typeof ___grecaptcha_cfg !== 'undefined') {
				Object.values(___grecaptcha_cfg.clients || {}).forEach((client) => {
					Object.values(client).forEach((obj) => {
						if (obj && typeof obj === 'object' && typeof obj.callback === 'function') {
							obj.callback(token);
						}
					});
				});
			}
		}`
	case TypeHCaptcha:
		script = `(token) => {
			document.querySelectorAll('textarea[name="h-captcha-response"], textarea[name="g-recaptcha-response"]').forEach((el) => {
				el.value = token;
			});
		}`
	case TypeTurnstile:
		script = `(token) => {
			document.querySelectorAll('input[name="cf-turnstile-response"]').forEach((el) => {
				el.value = token;
			});
		}`
	case TypeFunCaptcha:
		script = `(token) => {
			document.querySelectorAll('input[name="fc-token"], input[name="verification-token"]').forEach((el) => {
				el.value = token;
			});
		}`
	default:
		// Clearance-style challenges take effect through cookies set during
		// solving, there is nothing to write into the page.
		return nil
	}

	_, err := page.Evaluate(script, token)
	return err
}

// requiresSiteKey reports whether the backend cannot work without an
// extracted site key for the given type.
func requiresSiteKey(t Type) bool {
	switch t {
	case TypeCloudflareChallenge:
		return false
	default:
		return true
	}
}

func containsType(detections []Detection, t Type) bool {
	for _, d := range detections {
		if d.Type == t {
			return true
		}
	}
	return false
}

func describeDetections(detections []Detection) string {
	names := make([]string, len(detections))
	for i, d := range detections {
		names[i] = string(d.Type)
	}
	return strings.Join(names, ",")
}

// pageKey identifies a page for solve deduplication. Pointer identity is
// enough: the same live page object always hashes to the same key.
func pageKey(page playwright.Page) string {
	return fmt.Sprintf("%p", page)
}
