package browser

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// processWatcher tracks engine child processes for one session.
type processWatcher interface {
	// Snapshot records the current child-process set, taken just before a
	// launch.
	Snapshot() error

	// DetectNew diffs the child-process set against the last snapshot and
	// returns the pid of a newly spawned engine process, or 0 when none was
	// identified.
	DetectNew() int

	// Terminate sends a termination signal to the pid. A process that is
	// already gone counts as success.
	Terminate(pid int) error
}

// ProcessRegistry identifies and terminates engine processes spawned by this
// process. Detection diffs the recursive child set of the current process
// around a launch, mirroring what the engine API does not expose directly.
//
// Diffing is racy when several sessions launch concurrently in one process
// tree; each session should use its own registry and launch under its own
// session lock, which this package does.
type ProcessRegistry struct {
	log    *logrus.Entry
	before map[int32]struct{}
}

// NewProcessRegistry creates a registry logging through the given logger.
func NewProcessRegistry(logger *logrus.Logger) *ProcessRegistry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ProcessRegistry{
		log:    logger.WithField("component", "process-registry"),
		before: map[int32]struct{}{},
	}
}

// Snapshot records the pids of all current descendants of this process.
func (r *ProcessRegistry) Snapshot() error {
	children, err := descendants()
	if err != nil {
		return fmt.Errorf("failed to snapshot child processes: %w", err)
	}
	r.before = make(map[int32]struct{}, len(children))
	for _, c := range children {
		r.before[c.Pid] = struct{}{}
	}
	return nil
}

// DetectNew returns the pid of the first new, running, non-helper descendant
// since the last snapshot. Errors during inspection are logged and treated
// as "nothing found": a missed pid only means the process cannot be
// terminated on stop, it does not break the session.
func (r *ProcessRegistry) DetectNew() int {
	children, err := descendants()
	if err != nil {
		r.log.WithError(err).Debug("child process diff failed")
		return 0
	}
	for _, c := range children {
		if _, seen := r.before[c.Pid]; seen {
			continue
		}
		name, err := c.Name()
		if err != nil || strings.Contains(name, "Helper") {
			continue
		}
		if !isRunning(c) {
			continue
		}
		r.log.WithFields(logrus.Fields{"pid": c.Pid, "name": name}).Debug("engine subprocess detected")
		return int(c.Pid)
	}
	return 0
}

// Terminate signals the pid to exit. Fire and forget: exit is not awaited.
func (r *ProcessRegistry) Terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("failed to look up process %d: %w", pid, err)
	}
	if err := p.Terminate(); err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to terminate process %d: %w", pid, err)
	}
	r.log.WithField("pid", pid).Debug("engine subprocess terminated")
	return nil
}

// descendants returns all transitive children of the current process.
func descendants() ([]*process.Process, error) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	var out []*process.Process
	var walk func(p *process.Process)
	walk = func(p *process.Process) {
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(self)
	return out, nil
}

func isRunning(p *process.Process) bool {
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == process.Running || s == process.Sleep {
			return true
		}
	}
	return false
}
