package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/resolver"
)

const version = "1.0.0"

const stopTimeout = 45 * time.Second

var cfgPath string

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wdns",
		Short:         "DNS forwarding proxy with rule based upstream groups",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "wdns.conf",
		"location of the config file, if config file not found, a config will generate")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the proxy (default)",
			RunE:  runServer,
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the config file and print the effective routing",
			RunE:  checkConfig,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "wdns v%s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
			},
		},
	)

	return root
}

func setupLogger(level string) error {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())

	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "info", "":
		logger.SetLevel(zlog.LevelInfo)
	case "warn", "warning":
		logger.SetLevel(zlog.LevelWarn)
	case "error", "crit":
		logger.SetLevel(zlog.LevelError)
	default:
		return fmt.Errorf("log verbosity level unknown: %q", level)
	}

	zlog.SetDefault(logger)

	return nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cfgPath, version)
	if err != nil {
		zlog.Error("Startup failed", "error", err.Error())
		return err
	}

	zlog.Info("Starting wdns...", "version", version, "groups", len(a.engine.Routing().View.Names()))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		zlog.Error("Start failed", "error", err.Error())
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := a.reload(); err != nil {
				zlog.Error("Reload failed, keeping running configuration", "error", err.Error())
			}
		case <-ctx.Done():
			zlog.Info("Stopping wdns...")
			return a.stop(stopTimeout)
		}
	}
}

func checkConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath, version)
	if err != nil {
		return err
	}

	routing, err := resolver.NewRouting(cfg, listOptions(cfg)...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "default group: %s\n", routing.View.Default())
	for _, name := range routing.View.Names() {
		g, _ := routing.View.Group(name)
		fmt.Fprintf(out, "group %s: %d resolvers, dnssec=%t, timeout=%s, ecs=%s\n",
			name, len(g.Resolvers), g.DNSSEC, g.Timeout, g.ECS.Strategy)
	}

	for i, r := range cfg.Rules {
		fmt.Fprintf(out, "rule %d: %s -> %s\n", i, r.Match.Type, r.UpstreamGroup)
	}

	fmt.Fprintf(out, "sources: %d\n", len(routing.Lists.Sources()))
	fmt.Fprintf(out, "middleware: %s\n", strings.Join(middleware.List(), ", "))

	return nil
}

