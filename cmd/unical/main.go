package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"unical/internal/cache"
	"unical/internal/config"
	"unical/internal/ics"
	appLog "unical/internal/log"
	"unical/internal/proxy"
	"unical/internal/timetable"
	"unical/internal/web"
)

const version = "0.3.0"

type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
	out        string
	inspect    string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if err := appLog.Init(appLog.ParseLevel(conf.LogLevel), conf.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, "log init:", err)
		os.Exit(1)
	}
	defer appLog.Sync()

	appLog.Info("unical starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"request_timeout", conf.RequestTimeout().String(),
		"max_concurrency", conf.MaxConcurrency,
		"cache_backend", conf.Cache.Backend,
		"refresh", conf.RefreshCron,
		"program_count", len(conf.Programs),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case flags.inspect != "":
		err = runInspect(flags.inspect, conf, os.Stdout)
	case flags.once:
		err = runOnce(ctx, conf, flags.out)
	default:
		err = runServe(ctx, conf)
	}
	if err != nil {
		appLog.Error("unical failed", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Info("unical exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Aggregate the configured programs once, write an .ics file and exit")
	flag.StringVar(&cfg.out, "out", "", "Output path for -once (default: stdout)")
	flag.StringVar(&cfg.inspect, "inspect", "", "Parse an .ics file and print its events")

	flag.Parse()

	return cfg
}

func newCollector(conf *config.Config) *timetable.Collector {
	fetcher := timetable.NewFetcher(timetable.Options{
		Timeout:        conf.RequestTimeout(),
		MaxConcurrency: conf.MaxConcurrency,
		UserAgent:      conf.UserAgent,
		ProgramYears:   conf.ProgramYears,
	})
	return timetable.NewCollector(fetcher, timetable.NewNormalizer(conf.Location()))
}

func newCache(ctx context.Context, conf *config.Config) (cache.Cache, func(), error) {
	switch conf.Cache.Backend {
	case config.CacheNone:
		return cache.Nop{}, func() {}, nil
	case config.CacheRedis:
		client, err := cache.Dial(ctx, conf.Cache.Redis.Addr, conf.Cache.Redis.Password, conf.Cache.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedis(client, conf.CacheTTL(), "unical:"), func() { _ = client.Close() }, nil
	default:
		return cache.NewMemory(conf.CacheTTL()), func() {}, nil
	}
}

func runServe(ctx context.Context, conf *config.Config) error {
	store, closeCache, err := newCache(ctx, conf)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer closeCache()

	srv := web.NewServer(web.Deps{
		Config:     conf,
		Aggregator: newCollector(conf),
		Relay:      proxy.New(proxy.Options{Timeout: conf.RequestTimeout(), UserAgent: conf.UserAgent}),
		Cache:      store,
	})

	if conf.RefreshCron != "" && len(conf.Programs) > 0 {
		warmer, err := web.NewWarmer(conf.RefreshCron, srv, conf.Programs, 2*time.Minute)
		if err != nil {
			return err
		}
		go func() {
			if err := warmer.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("initial cache warm failed", err)
			}
		}()
		warmer.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			warmer.Stop(stopCtx)
		}()
	}

	return srv.ListenAndServe(ctx)
}

func runOnce(ctx context.Context, conf *config.Config, out string) error {
	if len(conf.Programs) == 0 {
		return errors.New("no programs configured")
	}
	res, err := newCollector(conf).Collect(ctx, conf.Programs)
	if err != nil {
		return err
	}
	conflicts := timetable.Conflicts(res.Events)
	text, err := ics.Export(res.Events, ics.ExportOptions{})
	if err != nil {
		return err
	}

	appLog.Info("calendar exported",
		"events", len(res.Events),
		"conflicts", len(conflicts),
		"rejected", res.Warnings.Rejected,
		"out", out,
	)
	if out == "" {
		_, err = io.WriteString(os.Stdout, text)
		return err
	}
	return os.WriteFile(out, []byte(text), 0o644)
}

func runInspect(path string, conf *config.Config, w io.Writer) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	events, err := ics.ParseICS(body, conf.Location())
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  %s - %s  %s", e.Start.Format("2006-01-02"), e.Start.Format("15:04"), e.End.Format("15:04"), e.Summary)
		if e.Categories != "" {
			fmt.Fprintf(w, "  [%s]", e.Categories)
		}
		if e.Location != "" {
			fmt.Fprintf(w, "  @ %s", e.Location)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d events\n", len(events))
	return nil
}
