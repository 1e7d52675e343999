package browser

import (
	"fmt"
	"io"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
)

// engineDriver is the narrow slice of the engine API the session depends on.
// The production implementation wraps the Playwright runtime; tests inject
// fakes.
type engineDriver interface {
	// Connect attaches to a remote browser server.
	Connect(wsEndpoint string) (playwright.Browser, error)

	// Launch starts a local engine process configured from the profile.
	Launch(profile *Profile) (playwright.Browser, error)

	// Close stops the engine runtime. Browsers obtained from it become
	// unusable.
	Close() error
}

// playwrightDriver drives a local Playwright runtime with Firefox, the
// engine channel whose fingerprint-hardening patches this project targets.
type playwrightDriver struct {
	pw  *playwright.Playwright
	log *logrus.Entry
}

// newPlaywrightDriver installs and starts the Playwright runtime. Output is
// discarded so driver noise never reaches the agent's terminal.
func newPlaywrightDriver(logger *logrus.Logger) (engineDriver, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts := &playwright.RunOptions{
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
		Browsers: []string{"firefox"},
	}

	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &playwrightDriver{
		pw:  pw,
		log: logger.WithField("component", "engine"),
	}, nil
}

// Connect attaches to a remote Playwright browser server over websocket.
func (d *playwrightDriver) Connect(wsEndpoint string) (playwright.Browser, error) {
	d.log.WithField("endpoint", wsEndpoint).Info("connecting to remote browser server")
	browser, err := d.pw.Firefox.Connect(wsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsEndpoint, err)
	}
	return browser, nil
}

// Launch starts a local Firefox with hardening preferences applied.
func (d *playwrightDriver) Launch(profile *Profile) (playwright.Browser, error) {
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless:         playwright.Bool(profile.Headless),
		FirefoxUserPrefs: hardeningPrefs(),
	}
	if profile.NoSandbox {
		launchOpts.ChromiumSandbox = playwright.Bool(false)
	}
	if profile.Proxy != nil {
		launchOpts.Proxy = &playwright.Proxy{
			Server:   profile.Proxy.Server,
			Username: playwright.String(profile.Proxy.Username),
			Password: playwright.String(profile.Proxy.Password),
		}
	}

	d.log.WithFields(logrus.Fields{
		"headless":      profile.Headless,
		"user_data_dir": profile.UserDataDir,
	}).Info("launching local browser")

	browser, err := d.pw.Firefox.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return browser, nil
}

// Close stops the Playwright runtime.
func (d *playwrightDriver) Close() error {
	if err := d.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// hardeningPrefs disables the most common automation tells at the engine
// level. Deeper fingerprint patches live in the engine build itself.
func hardeningPrefs() map[string]interface{} {
	return map[string]interface{}{
		"dom.webdriver.enabled":              false,
		"useAutomationExtension":             false,
		"media.peerconnection.enabled":       false,
		"privacy.trackingprotection.enabled": true,
	}
}
