// Package main provides a small driver around the stealth browser session:
// start a session, navigate with automatic captcha handling, print what
// loaded, and shut down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BARKEM-JC/browser-use-undetected/pkg/browser"
	"github.com/BARKEM-JC/browser-use-undetected/pkg/config"
	"github.com/BARKEM-JC/browser-use-undetected/pkg/logging"
)

const version = "0.5.2"

type cliFlags struct {
	configFile  string
	url         string
	headless    bool
	headlessSet bool
	timeout     time.Duration
	verbose     bool
	showVersion bool
}

func main() {
	flags := parseFlags()
	if flags.showVersion {
		fmt.Printf("stealthbrowse v%s\n", version)
		return
	}

	logger, logErr := logging.NewLogger(logging.Options{Verbose: flags.verbose})
	if logErr != nil {
		logger.WithError(logErr).Warn("session file logging unavailable, using stderr only")
	}
	defer logger.Close()

	if err := run(flags, logger); err != nil {
		logger.WithError(err).Fatal("run failed")
	}
}

func run(flags cliFlags, logger *logging.Logger) error {
	// Optional .env holds the solver API key; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("interrupted, shutting down")
		cancel()
	}()

	session := browser.NewSession(cfg, browser.SessionOptions{Logger: logger.Logger})
	defer session.Close()

	if _, err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser session: %w", err)
	}

	if flags.url != "" {
		if err := session.Navigate(ctx, flags.url); err != nil {
			return err
		}

		page := session.CurrentPage()
		title, titleErr := page.Title()
		if titleErr != nil {
			title = "(unknown)"
		}
		fmt.Printf("URL:   %s\nTitle: %s\n", page.URL(), title)
	}

	session.Stop()
	return nil
}

func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configFile != "" {
		loaded, err := config.Load(flags.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	// The flag only overrides the file when it was actually passed, so a
	// config file's headless setting survives the flag default.
	if flags.headlessSet {
		cfg.Launch.Headless = flags.headless
	}
	return cfg, nil
}

func parseFlags() cliFlags {
	var flags cliFlags
	flag.StringVar(&flags.configFile, "config", "", "Path to yaml configuration file")
	flag.StringVar(&flags.url, "url", "", "URL to navigate to after start")
	flag.BoolVar(&flags.headless, "headless", true, "Run the browser without a visible window")
	flag.DurationVar(&flags.timeout, "timeout", 5*time.Minute, "Overall run timeout")
	flag.BoolVar(&flags.verbose, "v", false, "Enable debug logging")
	flag.BoolVar(&flags.showVersion, "version", false, "Print version and exit")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "headless" {
			flags.headlessSet = true
		}
	})
	return flags
}
