package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"calfeed/internal/agenda"
	"calfeed/internal/config"
	"calfeed/internal/feed"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	quiet      bool
}

func main() {
	flags := parseFlags()
	if flags.quiet {
		appLog.SetOutput(io.Discard)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"sources", len(conf.Sources),
		"window_days", conf.Expansion.WindowDays,
		"lookback_days", conf.Expansion.LookbackDays,
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc := conf.Location()
	svc := agenda.New(feed.NewFetcher(conf.CacheDir, nil), sources(conf), agenda.Options{
		Concurrency: conf.Concurrency,
		Process: ics.Options{
			ExpansionWindowDays:     conf.Expansion.WindowDays,
			LookbackBufferDays:      conf.Expansion.LookbackDays,
			MaxOccurrencesPerMaster: conf.Expansion.MaxOccurrences,
			MaxParseIterations:      conf.Expansion.MaxParseIterations,
			ParseTimeout:            conf.Expansion.ParseTimeout(),
			DefaultDuration:         conf.Expansion.DefaultDuration(),
			Location:                loc,
			HideCancelled:           conf.Expansion.HideCancelled,
		},
	})

	if flags.once {
		os.Exit(runOnce(ctx, svc, loc))
	}

	if err := svc.Refresh(ctx); err != nil {
		appLog.Error("initial refresh incomplete", err)
	}

	scheduler := cron.New(cron.WithLocation(loc))
	if _, err := scheduler.AddFunc(conf.RefreshCron, func() {
		if err := svc.Refresh(ctx); err != nil {
			appLog.Error("scheduled refresh incomplete", err)
		}
	}); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	scheduler.Start()

	srvErr := web.NewServer(conf, svc).Run(ctx)

	// Wait for a running refresh to finish before exiting.
	<-scheduler.Stop().Done()
	if srvErr != nil {
		appLog.Error("HTTP server failed", srvErr)
		os.Exit(1)
	}
	appLog.Info("calfeed exiting")
}

// runOnce refreshes every source and writes the merged events to stdout as
// JSON. Partial source failures still print what was resolved and exit 2.
func runOnce(ctx context.Context, svc *agenda.Service, loc *time.Location) int {
	refreshErr := svc.Refresh(ctx)
	if ctx.Err() != nil {
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		Events  []web.EventView       `json:"events"`
		Sources []agenda.SourceStatus `json:"sources"`
	}{
		Events:  web.NewEventViews(svc.Events(), loc),
		Sources: svc.Sources(),
	}); err != nil {
		appLog.Error("failed to write events", err)
		return 1
	}

	if refreshErr != nil {
		appLog.Error("refresh incomplete", refreshErr)
		return 2
	}
	return 0
}

func sources(conf *config.Config) []feed.Source {
	out := make([]feed.Source, 0, len(conf.Sources))
	for _, s := range conf.Sources {
		out = append(out, feed.Source{ID: s.ID, Name: s.Name, URL: s.URL})
	}
	return out
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calfeed/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh all sources once, print events as JSON and exit")
	flag.BoolVar(&cfg.quiet, "quiet", false, "Discard log output")

	flag.Parse()

	return cfg
}
