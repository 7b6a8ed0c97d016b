package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gujial/voicePhone/internal/channel"
	"github.com/gujial/voicePhone/internal/control"
	"github.com/gujial/voicePhone/internal/events"
	"github.com/gujial/voicePhone/internal/httpapi"
	"github.com/gujial/voicePhone/internal/relay"
	"github.com/gujial/voicePhone/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// defaultChannels exist from startup so a freshly connected client always
// has somewhere to land.
var defaultChannels = []string{"General", "Gaming"}

func main() {
	controlPort := flag.Int("control-port", 8888, "TCP control listen port")
	voicePort := flag.Int("voice-port", 8889, "UDP voice listen port")
	dbPath := flag.String("db", "voicephone.db", "SQLite database path")
	apiAddr := flag.String("api-addr", "127.0.0.1:8890", "HTTP status API listen address (empty disables)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if args := flag.Args(); len(args) > 0 {
		if !RunCLI(args, *dbPath) {
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(1)
		}
		return
	}

	slog.Info("starting server",
		"version", Version,
		"control_port", *controlPort,
		"voice_port", *voicePort,
		"db", *dbPath)

	userStore, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := userStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	channels := channel.New()
	for _, name := range defaultChannels {
		if _, err := channels.Ensure(name); err != nil {
			slog.Error("create default channel", "channel", name, "err", err)
			os.Exit(1)
		}
	}

	hub := events.NewHub()

	ctrl := control.New(userStore, channels, hub)
	if err := ctrl.Listen(*controlPort); err != nil {
		slog.Error("listen control", "port", *controlPort, "err", err)
		os.Exit(1)
	}

	voice := relay.New(ctrl)
	if err := voice.Listen(*voicePort); err != nil {
		slog.Error("listen voice", "port", *voicePort, "err", err)
		_ = ctrl.Close()
		os.Exit(1)
	}
	// Clients learn the voice port from login_success, so the relay must be
	// bound before the control plane accepts anyone.
	ctrl.SetVoicePort(voice.Port())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return voice.Run(ctx) })
	if addr := strings.TrimSpace(*apiAddr); addr != "" {
		api := httpapi.New(userStore, channels, hub, ctrl, voice)
		slog.Info("status api listening", "addr", addr)
		g.Go(func() error { return api.Run(ctx, addr) })
	}
	g.Go(func() error {
		RunMetrics(ctx, voice, ctrl, 30*time.Second)
		return nil
	})

	slog.Info("listening", "control", ctrl.Addr().String(), "voice_port", voice.Port())
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
