package captcha

import "fmt"

// Type identifies a captcha or bot-detection challenge family.
type Type string

const (
	TypeRecaptchaV2         Type = "recaptcha_v2"
	TypeRecaptchaV3         Type = "recaptcha_v3"
	TypeHCaptcha            Type = "hcaptcha"
	TypeFunCaptcha          Type = "funcaptcha"
	TypeGeeTest             Type = "geetest"
	TypeTurnstile           Type = "turnstile"
	TypeCloudflareChallenge Type = "cloudflare_challenge"
)

// solvePriority orders challenge types by how common and how cheap to solve
// they are. Earlier entries are attempted first.
var solvePriority = []Type{
	TypeRecaptchaV2,
	TypeRecaptchaV3,
	TypeHCaptcha,
	TypeFunCaptcha,
	TypeGeeTest,
	TypeTurnstile,
	TypeCloudflareChallenge,
}

// Detection is a single challenge found on a page, with the site key needed
// for token-based solving when one could be extracted.
type Detection struct {
	Type    Type
	SiteKey string
}

// TaskState tracks the progress of one handling pass over a page.
type TaskState int

const (
	TaskNotStarted TaskState = iota
	TaskDetecting
	TaskSolving
	TaskResolved
	TaskTimedOut
	TaskFailed
)

// String returns the lowercase name of the state.
func (s TaskState) String() string {
	switch s {
	case TaskNotStarted:
		return "not_started"
	case TaskDetecting:
		return "detecting"
	case TaskSolving:
		return "solving"
	case TaskResolved:
		return "resolved"
	case TaskTimedOut:
		return "timed_out"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SolveError reports a failure from the external solving backend. The
// orchestrator counts it as a failed attempt and moves on, it never aborts
// the caller's navigation.
type SolveError struct {
	Code        string
	Description string
}

// Error implements the error interface.
func (e *SolveError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("solve failed: %s", e.Code)
	}
	return fmt.Sprintf("solve failed: %s: %s", e.Code, e.Description)
}
