package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/playwright-community/playwright-go"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/BARKEM-JC/browser-use-undetected/pkg/config"
)

// lockFileName marks a user data directory as claimed by a live process.
const lockFileName = "SingletonLock"

// storageStateFileName holds cookies and storage persisted across runs
// inside the user data directory.
const storageStateFileName = "storage_state.json"

// enginePermissions is the subset of context permissions the engine
// supports. Anything else in the configuration is dropped.
var enginePermissions = map[string]struct{}{
	"notifications": {},
	"geolocation":   {},
	"camera":        {},
	"microphone":    {},
}

// Profile carries the launch parameters for a local engine and the on-disk
// state directory shared across runs.
type Profile struct {
	Headless       bool
	NoSandbox      bool
	UserDataDir    string
	Permissions    []string
	ViewportWidth  int
	ViewportHeight int
	Proxy          *config.ProxyConfig

	log      *logrus.Entry
	lockPath string
}

// NewProfile builds a profile from the session configuration.
func NewProfile(cfg *config.Config, logger *logrus.Logger) *Profile {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	// The proxy is copied so later config mutation cannot change a live
	// session's routing.
	var proxy *config.ProxyConfig
	if cfg.Proxy != nil {
		p := *cfg.Proxy
		proxy = &p
	}

	return &Profile{
		Headless:       cfg.Launch.Headless,
		NoSandbox:      cfg.Launch.NoSandbox,
		UserDataDir:    cfg.Launch.UserDataDir,
		Permissions:    cfg.Launch.Permissions,
		ViewportWidth:  cfg.Launch.ViewportWidth,
		ViewportHeight: cfg.Launch.ViewportHeight,
		Proxy:          proxy,
		log:            logger.WithField("component", "profile"),
	}
}

// PrepareUserDataDir creates the profile directory and claims its lock
// marker. Two processes must never share one profile directory concurrently;
// a lock left behind by a dead process is reclaimed.
func (p *Profile) PrepareUserDataDir() error {
	if p.UserDataDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.UserDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create user data dir %s: %w", p.UserDataDir, err)
	}

	lockPath := filepath.Join(p.UserDataDir, lockFileName)
	if data, err := os.ReadFile(lockPath); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && pid != os.Getpid() && pidAlive(pid) {
			return fmt.Errorf("user data dir %s is locked by running process %d", p.UserDataDir, pid)
		}
		// Stale lock from a dead process, reclaim it.
		p.log.WithField("path", lockPath).Debug("reclaiming stale profile lock")
		_ = os.Remove(lockPath)
	}

	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to claim profile lock %s: %w", lockPath, err)
	}
	p.lockPath = lockPath
	return nil
}

// ReleaseLock removes this session's claim on the profile directory.
// Best effort.
func (p *Profile) ReleaseLock() {
	if p.lockPath == "" {
		return
	}
	if err := os.Remove(p.lockPath); err != nil && !os.IsNotExist(err) {
		p.log.WithError(err).Debug("failed to release profile lock")
	}
	p.lockPath = ""
}

// SupportedPermissions filters the configured permissions down to what the
// engine accepts.
func (p *Profile) SupportedPermissions() []string {
	var out []string
	for _, perm := range p.Permissions {
		if _, ok := enginePermissions[perm]; ok {
			out = append(out, perm)
		}
	}
	return out
}

// SaveStorageState persists the context's cookies and storage into the
// profile directory so the next session restores them at context creation.
// No-op for incognito profiles.
func (p *Profile) SaveStorageState(bc playwright.BrowserContext) error {
	if p.UserDataDir == "" {
		return nil
	}
	path := filepath.Join(p.UserDataDir, storageStateFileName)
	if _, err := bc.StorageState(path); err != nil {
		return fmt.Errorf("failed to save storage state to %s: %w", path, err)
	}
	return nil
}

// StorageStatePath returns the persisted cookie/storage file for this
// profile, or empty when the profile is incognito or no state exists yet.
func (p *Profile) StorageStatePath() string {
	if p.UserDataDir == "" {
		return ""
	}
	path := filepath.Join(p.UserDataDir, storageStateFileName)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func pidAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
