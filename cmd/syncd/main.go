package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zapstream-sync/internal/app"
	"zapstream-sync/internal/assets"
	"zapstream-sync/internal/config"
	"zapstream-sync/internal/logging"
	"zapstream-sync/internal/profiles"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (built-in defaults when empty)")
	frame := flag.Duration("frame", time.Second, "Maximum time between frames")
	profile := flag.String("profile", "", "Profile to look up (hex or npub)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logCloser.Close()

	var pubkey string
	if *profile != "" {
		pubkey, err = profiles.Normalize(*profile)
		if err != nil {
			log.Fatalf("Invalid profile: %v", err)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build sync layer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := a.Start(ctx); err != nil {
		a.Close()
		log.Fatalf("Failed to start: %v", err)
	}

	page, err := a.OpenHomePage(ctx)
	if err != nil {
		a.Close()
		log.Fatalf("Failed to open home page: %v", err)
	}

	ticker := time.NewTicker(*frame)
	defer ticker.Stop()

	seen := make(map[string]string)
	profileShown := false
	for {
		select {
		case sig := <-sigChan:
			logger.Info("Shutting down", "signal", sig.String())
			page.Close()
			cancel()
			if err := a.Close(); err != nil {
				logger.Error("Shutdown finished with errors", "error", err)
				os.Exit(1)
			}
			return
		case <-a.Repaint.C():
		case <-ticker.C:
		}

		report := page.Frame(ctx)
		logFrame(logger, report, seen)

		if pubkey != "" && !profileShown {
			profileShown = showProfile(logger, a, pubkey)
		}
	}
}

// logFrame logs streams whose title, host or image changed since the last frame.
func logFrame(logger *slog.Logger, report app.FrameReport, seen map[string]string) {
	if report.NewEvents > 0 {
		logger.Debug("Frame", "new_events", report.NewEvents, "live", len(report.Streams))
	}
	for _, v := range report.Streams {
		host := v.Stream.Host
		if v.Host != nil {
			host = v.Host.Label()
		}
		image := v.Image.State.String()
		summary := v.Stream.Title + "|" + host + "|" + image
		addr := v.Stream.Address()
		if seen[addr] == summary {
			continue
		}
		seen[addr] = summary

		attrs := []any{"stream", addr, "title", v.Stream.Title, "host", host}
		if v.HostErr != nil {
			attrs = append(attrs, "host_error", v.HostErr)
		}
		switch v.Image.State {
		case assets.Ready:
			attrs = append(attrs, "image", v.Image.Path)
		case assets.Failed:
			attrs = append(attrs, "image_error", v.Image.Err)
		}
		logger.Info("Live stream", attrs...)
	}
}

func showProfile(logger *slog.Logger, a *app.App, pubkey string) bool {
	p, state := a.Profiles.Get(pubkey)
	switch state {
	case profiles.Ready:
		logger.Info("Profile", "pubkey", pubkey, "name", p.Label(), "about", p.About, "picture", p.Picture)
		return true
	case profiles.Failed:
		logger.Warn("Profile lookup failed", "pubkey", pubkey, "error", a.Profiles.Err(pubkey))
		return true
	}
	return false
}
