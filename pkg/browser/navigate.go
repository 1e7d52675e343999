package browser

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// Navigate loads a URL in the foreground page and runs captcha handling on
// the result. Navigation failures propagate unchanged; captcha handling
// failures never do — a challenge the session could not clear must not abort
// the agent's step.
func (s *Session) Navigate(ctx context.Context, url string) error {
	page, err := s.activePage()
	if err != nil {
		return err
	}

	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(defaultNavigationTimeoutMs),
	}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}

	s.handlePageCaptchas(ctx, page)
	return nil
}

// Refresh reloads the foreground page and runs captcha handling on the
// result.
func (s *Session) Refresh(ctx context.Context) error {
	page, err := s.activePage()
	if err != nil {
		return err
	}

	if _, err := page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(defaultNavigationTimeoutMs),
	}); err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	s.handlePageCaptchas(ctx, page)
	return nil
}

// SolveCaptchas triggers one captcha handling pass on the foreground page.
// Returns true when a challenge was solved, false when nothing was detected
// or the timeout elapsed.
func (s *Session) SolveCaptchas(ctx context.Context) bool {
	page, err := s.activePage()
	if err != nil {
		s.log.WithError(err).Warn("no page available for captcha solving")
		return false
	}
	return s.solver.Handle(ctx, page, s.cfg.SolveTimeout())
}

// WaitForCaptchaResolution polls the foreground page until it is clear of
// challenges or the configured resolution timeout elapses. No solving
// attempts are made; this confirms a human or an external process cleared
// the challenge.
func (s *Session) WaitForCaptchaResolution(ctx context.Context) bool {
	page, err := s.activePage()
	if err != nil {
		s.log.WithError(err).Warn("no page available for captcha monitoring")
		return false
	}
	return s.solver.WaitForResolution(ctx, page, s.cfg.ResolutionTimeout())
}

// handlePageCaptchas runs post-navigation captcha handling when auto-solving
// is enabled. Never escalates.
func (s *Session) handlePageCaptchas(ctx context.Context, page playwright.Page) {
	if !s.cfg.AutoSolveCaptchas {
		return
	}

	// Let the page render its challenge widgets before detection runs.
	s.clock.Sleep(captchaSettleDelay)

	if s.solver.Handle(ctx, page, s.cfg.SolveTimeout()) {
		s.log.Info("challenge cleared after navigation")
	}
}

// activePage returns the foreground page of a started session.
func (s *Session) activePage() (playwright.Page, error) {
	page := s.CurrentPage()
	if page == nil {
		return nil, fmt.Errorf("session is not started")
	}
	if page.IsClosed() {
		return nil, fmt.Errorf("foreground page is closed")
	}
	return page, nil
}
