package browser

import (
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// SessionState is the lifecycle state of a Session. Transitions are
// serialized by the session lock.
type SessionState int

const (
	// StateUninitialized means the session has never started, or a failed
	// start was rolled back.
	StateUninitialized SessionState = iota

	// StateStarting means a start is in progress and holds the session lock.
	StateStarting

	// StateReady means a live connection is established.
	StateReady

	// StateStopping means teardown is in progress.
	StateStopping

	// StateStopped means the previous connection was released. The session
	// may be started again.
	StateStopped
)

// String returns the lowercase name of the state.
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ConnectionHandle is a live browser+context pair. A session holds at most
// one at a time. OwnedByUs is fixed when the connection is established and
// never changes afterwards.
type ConnectionHandle struct {
	// Browser is the engine handle. May be nil for persistent contexts that
	// expose no separate browser object.
	Browser playwright.Browser

	// Context is the isolated browsing session in use.
	Context playwright.BrowserContext

	// ProcessID is the engine OS process spawned for this connection, or 0
	// when no process was spawned or none could be identified.
	ProcessID int

	// OwnedByUs marks that this process spawned the engine and must
	// terminate it on stop. False means the session merely attached to a
	// browser managed elsewhere and must never terminate it.
	OwnedByUs bool
}

// Live reports whether the handle's underlying connection is still usable.
func (h *ConnectionHandle) Live() bool {
	if h == nil {
		return false
	}
	if h.Browser != nil {
		return h.Browser.IsConnected()
	}
	return h.Context != nil
}

// Timing defaults for navigation and captcha handling.
const (
	// defaultNavigationTimeoutMs bounds a single page load.
	defaultNavigationTimeoutMs = 60000.0

	// captchaSettleDelay lets a freshly loaded page render its challenge
	// widgets before detection runs.
	captchaSettleDelay = 1 * time.Second
)
