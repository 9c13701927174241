// Command nexus-dbg-mcp runs the MCP server exposing CDB/WinDbg sessions
// as tools (spec.md §1): stdio transport by default, HTTP when configured.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nexus-dbg/mcp-server/internal/config"
	"github.com/nexus-dbg/mcp-server/internal/debugger/resolve"
	"github.com/nexus-dbg/mcp-server/internal/health"
	"github.com/nexus-dbg/mcp-server/internal/mcp/dispatcher"
	"github.com/nexus-dbg/mcp-server/internal/mcp/notify"
	"github.com/nexus-dbg/mcp-server/internal/mcp/resources"
	"github.com/nexus-dbg/mcp-server/internal/session/manager"
	"github.com/nexus-dbg/mcp-server/internal/session/queue"
	"github.com/nexus-dbg/mcp-server/internal/transport/httptransport"
	"github.com/nexus-dbg/mcp-server/internal/transport/stdio"
)

const serverVersion = "0.1.0"

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "nexus-dbg-mcp",
		Short: "MCP server exposing CDB/WinDbg crash-dump sessions as tools",
		RunE:  run,
	}
)

func init() {
	config.Defaults(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (yaml/json/toml)")
	rootCmd.Flags().String("transport", "", "transport kind: stdio or http (overrides config)")
	rootCmd.Flags().String("addr", "", "HTTP listen address (overrides config, implies --transport=http)")
	rootCmd.Flags().String("debugger-path", "", "explicit path to cdb.exe/windbg.exe (overrides config)")

	bind := func(key string, name string) {
		if err := viper.BindPFlag(key, rootCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
	bind("transport.kind", "transport")
	bind("transport.addr", "addr")
	bind("debugger.binary_path", "debugger-path")

	viper.SetEnvPrefix("nexus_dbg_mcp")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(transportKind string) *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	// stdio transport's own stdout carries the JSON-RPC wire protocol, so
	// logs must never land there.
	if transportKind == "stdio" {
		logConfig.OutputPaths = []string{"stderr"}
		logConfig.ErrorOutputPaths = []string{"stderr"}
	}
	return zap.Must(logConfig.Build())
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") && !cmd.Flags().Changed("transport") {
		cfg.Transport.Kind = "http"
	}

	log := newLogger(cfg.Transport.Kind).Named("main")
	defer log.Sync()

	binPath, err := resolve.Resolve(cfg.Debugger.BinaryPath, "CDB_PATH")
	if err != nil {
		return fmt.Errorf("resolve debugger binary: %w", err)
	}
	log.Info("resolved debugger binary", zap.String("path", binPath))

	bus := notify.NewBus(log)

	mgrCfg := manager.Config{
		MaxConcurrentSessions: int(cfg.Session.MaxConcurrentSessions),
		IdleTimeout:           cfg.Session.IdleTimeout,
		CleanupInterval:       cfg.Session.CleanupInterval,
		BinaryPath:            binPath,
		CommandTimeout:        cfg.Debugger.CommandTimeout,
		StartupTimeout:        cfg.Debugger.StartupTimeout,
		StartupDelay:          cfg.Debugger.StartupDelay,
		OutputReadTimeout:     cfg.Debugger.OutputReadTimeout,
		DisposalTimeout:       cfg.Debugger.DisposalTimeout,

		BreakerFailureThreshold: cfg.Debugger.BreakerFailureThreshold,
		BreakerResetTimeout:     cfg.Debugger.BreakerResetTimeout,

		Queue: queue.Config{
			MaxRetained:     cfg.Queue.MaxRetained,
			RetentionPeriod: cfg.Queue.RetentionPeriod,
		},
	}
	mgr := manager.New(mgrCfg, bus, log)

	reader := health.NewReader(mgr, time.Now())
	reg := resources.New(mgr, reader)
	disp := dispatcher.New(mgr, reg, serverVersion, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	var runErr error
	switch cfg.Transport.Kind {
	case "http":
		hcfg := httptransport.DefaultConfig()
		hcfg.Addr = cfg.Transport.Addr
		srv := httptransport.NewServer(hcfg, disp, log)
		log.Info("listening", zap.String("addr", hcfg.Addr))
		runErr = srv.Run(ctx)
	default:
		srv := stdio.New(os.Stdin, os.Stdout, disp, log)
		srv.SubscribeNotifications(bus)
		log.Info("serving stdio")
		runErr = srv.Run(ctx)
	}

	mgr.Shutdown()
	if runErr != nil {
		return fmt.Errorf("transport stopped: %w", runErr)
	}
	return nil
}
