package captcha

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hcaptchaHTML  = `<html><body><div class="h-captcha" data-sitekey="10000000-ffff-ffff-ffff-000000000001"></div></body></html>`
	turnstileHTML = `<html><body><div class="cf-turnstile" data-sitekey="0x4AAA"></div></body></html>`
	badgeHTML     = `<html><body><div class="grecaptcha-badge"></div></body></html>`
	cleanHTML     = `<html><body><h1>Welcome</h1></body></html>`
)

func TestHandle_CleanPageSkipsBackend(t *testing.T) {
	backend := &fixedBackend{token: "tok"}
	o := testOrchestrator(backend, newManualClock())

	solved := o.Handle(context.Background(), newStubPage(cleanHTML), time.Minute)
	assert.False(t, solved)
	assert.Zero(t, backend.solveCalls())
}

func TestHandle_ZeroTimeoutMakesNoAttempts(t *testing.T) {
	backend := &fixedBackend{token: "tok"}
	o := testOrchestrator(backend, newManualClock())

	solved := o.Handle(context.Background(), newStubPage(hcaptchaHTML), 0)
	assert.False(t, solved)
	assert.Zero(t, backend.solveCalls())
}

func TestHandle_SolvesAndInjects(t *testing.T) {
	backend := &fixedBackend{token: "P1_tok"}
	o := testOrchestrator(backend, newManualClock())
	page := newStubPage(hcaptchaHTML)

	solved := o.Handle(context.Background(), page, time.Minute)
	assert.True(t, solved)

	reqs := backend.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, TypeHCaptcha, reqs[0].Type)
	assert.Equal(t, "10000000-ffff-ffff-ffff-000000000001", reqs[0].SiteKey)
	assert.Equal(t, "https://example.com/login", reqs[0].PageURL)

	evals := page.evaluations()
	require.NotEmpty(t, evals)
	assert.Contains(t, evals[len(evals)-1], "h-captcha-response")
}

func TestHandle_TurnstileInjection(t *testing.T) {
	backend := &fixedBackend{token: "0.turnstile-tok"}
	o := testOrchestrator(backend, newManualClock())
	page := newStubPage(turnstileHTML)

	require.True(t, o.Handle(context.Background(), page, time.Minute))
	evals := page.evaluations()
	require.NotEmpty(t, evals)
	assert.Contains(t, evals[len(evals)-1], "cf-turnstile-response")
}

func TestHandle_MissingSiteKeyMovesOn(t *testing.T) {
	// A badge-only v3 detection has no extractable key, so the backend
	// cannot be asked and the pass ends unsolved.
	backend := &fixedBackend{token: "tok"}
	o := testOrchestrator(backend, newManualClock())

	solved := o.Handle(context.Background(), newStubPage(badgeHTML), time.Minute)
	assert.False(t, solved)
	assert.Zero(t, backend.solveCalls())
}

func TestHandle_BackendFailureIsNotFatal(t *testing.T) {
	backend := &fixedBackend{err: &SolveError{Code: "ERROR_ZERO_BALANCE"}}
	o := testOrchestrator(backend, newManualClock())

	solved := o.Handle(context.Background(), newStubPage(hcaptchaHTML), time.Minute)
	assert.False(t, solved)
	assert.Equal(t, 1, backend.solveCalls())
}

func TestHandle_DeadlineAbandonsInFlightAttempt(t *testing.T) {
	backend := newBlockingBackend("tok")
	clock := newManualClock()
	clock.fireAfters = true
	o := testOrchestrator(backend, clock)

	done := make(chan bool, 1)
	go func() { done <- o.Handle(context.Background(), newStubPage(hcaptchaHTML), time.Minute) }()

	// The attempt goroutine reaches the backend, then the deadline fires
	// without the backend ever answering.
	<-backend.entered
	select {
	case solved := <-done:
		assert.False(t, solved)
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not abandon the in-flight attempt")
	}
	close(backend.release)
}

func TestHandle_ContextCancellation(t *testing.T) {
	backend := newBlockingBackend("tok")
	o := testOrchestrator(backend, newManualClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- o.Handle(ctx, newStubPage(hcaptchaHTML), time.Minute) }()

	<-backend.entered
	cancel()
	select {
	case solved := <-done:
		assert.False(t, solved)
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not observe cancellation")
	}
}

func TestHandle_ConcurrentCallsShareOnePass(t *testing.T) {
	backend := newBlockingBackend("tok")
	o := testOrchestrator(backend, newManualClock())
	page := newStubPage(hcaptchaHTML)

	const callers = 5
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- o.Handle(context.Background(), page, time.Minute)
		}()
	}

	// Exactly one pass reaches the backend; releasing it answers everyone.
	<-backend.entered
	// Give the remaining callers time to join the in-flight pass before it
	// completes.
	time.Sleep(300 * time.Millisecond)
	close(backend.release)
	wg.Wait()
	close(results)

	for solved := range results {
		assert.True(t, solved)
	}
	assert.Equal(t, 1, backend.solveCalls())
}

func TestHandle_DistinctPagesSolveIndependently(t *testing.T) {
	backend := &fixedBackend{token: "tok"}
	o := testOrchestrator(backend, newManualClock())

	assert.True(t, o.Handle(context.Background(), newStubPage(hcaptchaHTML), time.Minute))
	assert.True(t, o.Handle(context.Background(), newStubPage(hcaptchaHTML), time.Minute))
	assert.Equal(t, 2, backend.solveCalls())
}

func TestWaitForResolution_AlreadyClear(t *testing.T) {
	o := testOrchestrator(nil, newManualClock())
	assert.True(t, o.WaitForResolution(context.Background(), newStubPage(cleanHTML), time.Minute))
}

func TestWaitForResolution_ClearsMidWait(t *testing.T) {
	o := testOrchestrator(nil, newManualClock())
	page := newStubPage(hcaptchaHTML)
	page.clearAfter = 3
	page.clearedContent = cleanHTML

	assert.True(t, o.WaitForResolution(context.Background(), page, time.Minute))
}

func TestWaitForResolution_TimesOut(t *testing.T) {
	o := testOrchestrator(nil, newManualClock())
	// The manual clock advances on every poll sleep, so the deadline is
	// crossed without real waiting.
	assert.False(t, o.WaitForResolution(context.Background(), newStubPage(hcaptchaHTML), 2*time.Second))
}

func TestSolve_TaskStateDistinguishesFailureFromTimeout(t *testing.T) {
	clock := newManualClock()
	backend := &fixedBackend{err: &SolveError{Code: "ERROR_CAPTCHA_UNSOLVABLE"}}
	o := testOrchestrator(backend, clock)
	page := newStubPage(hcaptchaHTML)
	detected := []Detection{{Type: TypeHCaptcha, SiteKey: "key"}}

	failed := &task{id: "failed", detected: detected, deadline: clock.Now().Add(time.Minute)}
	assert.False(t, o.solve(context.Background(), page, failed, o.log))
	assert.Equal(t, TaskFailed, failed.state)

	expired := &task{id: "expired", detected: detected, deadline: clock.Now().Add(-time.Second)}
	assert.False(t, o.solve(context.Background(), page, expired, o.log))
	assert.Equal(t, TaskTimedOut, expired.state)
	assert.Zero(t, expired.attempts, "no attempt starts past the deadline")
}

func TestTaskState_String(t *testing.T) {
	assert.Equal(t, "not_started", TaskNotStarted.String())
	assert.Equal(t, "solving", TaskSolving.String())
	assert.Equal(t, "resolved", TaskResolved.String())
	assert.Equal(t, "timed_out", TaskTimedOut.String())
	assert.Equal(t, "unknown(99)", TaskState(99).String())
}

func TestSolveError_Error(t *testing.T) {
	assert.Equal(t, "solve failed: ERROR_ZERO_BALANCE", (&SolveError{Code: "ERROR_ZERO_BALANCE"}).Error())
	assert.Equal(t, "solve failed: ERROR_KEY: invalid key",
		(&SolveError{Code: "ERROR_KEY", Description: "invalid key"}).Error())
}
