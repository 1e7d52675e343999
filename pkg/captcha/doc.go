// Package captcha detects captcha and bot-detection challenges on a live page
// and drives solving attempts against them.
//
// The package is built around three pieces:
//
//  1. Detector: scans the current page for known challenge signatures
//     (DOM markers, challenge iframe origins, challenge cookies) and extracts
//     the site key needed for token-based solving.
//  2. Backend: the external paid solving service. Only this piece holds the
//     API credential. CapsolverClient is the production implementation.
//  3. Orchestrator: ties the two together per navigation event. Each call to
//     Handle runs detection, then works through the detected challenge types
//     in a fixed priority order, trying a cheap dedicated strategy first and
//     falling back to the backend.
//
// # Timeout semantics
//
// Handle and WaitForResolution enforce their timeout as a hard deadline: once
// it passes no further attempts are started and any in-flight attempt is
// abandoned rather than awaited. Hitting the deadline is not an error, it just
// means the page may still be gated, so both methods report a bool instead of
// returning a timeout error. Time is read through the Clock interface so
// deadline behavior stays testable without real delays.
//
// # Re-entrancy
//
// Concurrent Handle calls for the same page share a single in-flight solving
// pass. This keeps a double navigation event from submitting the same
// challenge to the paid backend twice.
package captcha
