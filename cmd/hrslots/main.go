package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	_ "time/tzdata"

	"hrslots/internal/capture"
	"hrslots/internal/config"
	"hrslots/internal/export"
	appLog "hrslots/internal/log"
	"hrslots/internal/slots"
	"hrslots/internal/web"
)

var version = "0.1.0-dev"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	week       string
	copy       bool
	logLevel   string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := conf.ApplyEnv(); err != nil {
		appLog.Error("invalid environment override", err)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.Log.Level = flags.logLevel
	}
	appLog.Configure(os.Stderr, appLog.ParseLevel(conf.Log.Level), conf.Log.Format)

	appLog.Info("hrslots starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"window", conf.Window().String(),
		"refresh", conf.RefreshCron,
		"ics_count", len(conf.ICS),
		"snapshot", conf.Snapshot.Enabled,
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		err = runOnce(ctx, conf, flags)
	} else {
		err = serve(ctx, conf, flags.configPath)
	}
	if err != nil {
		appLog.Error("hrslots failed", err)
		os.Exit(1)
	}
	appLog.Info("hrslots exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Print the slot export once and exit instead of serving")
	flag.StringVar(&cfg.week, "week", "all", "Week to export with -once: current, next or all")
	flag.BoolVar(&cfg.copy, "copy", false, "With -once, also put the export on the clipboard")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	flag.Parse()
	return cfg
}

// runOnce loads the calendars, prints the export text and optionally copies
// it to the clipboard.
func runOnce(ctx context.Context, conf *config.Config, flags flagConfig) error {
	board, err := conf.Board()
	if err != nil {
		return err
	}
	snap, err := web.NewLoader(conf).Load(ctx, timeNow())
	if err != nil {
		return err
	}
	events := snap.Events()
	now := timeNow()

	var text string
	switch flags.week {
	case "all":
		text, err = export.FormatAll(board.Week(events, now, slots.Current), board.Week(events, now, slots.Next), conf.Slots.Export)
	default:
		week, perr := slots.ParseWeek(flags.week)
		if perr != nil {
			return perr
		}
		text, err = export.FormatWeek(week, board.Week(events, now, week), conf.Slots.Export)
	}
	if errors.Is(err, export.ErrNothingToCopy) {
		fmt.Fprintln(os.Stderr, "Нет доступных слотов для копирования")
		return nil
	}
	if err != nil {
		return err
	}

	if !flags.copy {
		fmt.Println(text)
		return nil
	}
	res, err := export.NewCopier(os.Stdout).Copy(text)
	if err != nil {
		return err
	}
	if !res.Fallback {
		fmt.Fprintln(os.Stderr, "Слоты скопированы в буфер обмена")
	}
	return nil
}

func serve(ctx context.Context, conf *config.Config, configPath string) error {
	srv := web.NewServer(conf, web.WithConfigPath(configPath))

	loc, err := conf.Location()
	if err != nil {
		return err
	}

	var hooks []web.Hook
	if conf.Snapshot.Enabled {
		hooks = append(hooks, snapshotHook(conf))
	}
	refresher, err := web.NewRefresher(srv, conf.RefreshCron, loc, hooks...)
	if err != nil {
		return err
	}
	refresher.Start(ctx)

	return srv.ListenAndServe(ctx)
}

// snapshotHook captures the board page served by this process.
func snapshotHook(conf *config.Config) web.Hook {
	target := conf.Snapshot.URL
	if target == "" {
		target = localURL(conf) + "/?snapshot=1"
	}
	out := filepath.Join(conf.CacheDir, web.SnapshotFile)

	return func(ctx context.Context) error {
		err := capture.CaptureBoardPNG(ctx, capture.Options{
			URL:        target,
			OutputPath: out,
			Width:      conf.Snapshot.Width,
			Height:     conf.Snapshot.Height,
		})
		if err == nil {
			appLog.Info("board snapshot written", "path", out)
		}
		return err
	}
}

// localURL turns the listen address into a loopback URL, with basic auth
// credentials when they are configured.
func localURL(conf *config.Config) string {
	host, port, err := net.SplitHostPort(conf.Listen)
	if err != nil {
		host, port = "127.0.0.1", "8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port)}
	if ba := conf.BasicAuth; ba != nil && ba.Username != "" {
		u.User = url.UserPassword(ba.Username, ba.Password)
	}
	return u.String()
}
