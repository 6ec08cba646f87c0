// simwatch-demo runs a toy exposure simulation with the debug server attached.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/simwatch"
	"github.com/luciancaetano/simwatch/internal/demo"
	"github.com/luciancaetano/simwatch/ws"
)

var (
	configPath  string
	envFile     string
	httpPort    int
	wsPort      int
	intervalMS  int
	allowRemote bool
	assetsDir   string
	targets     []string
	hotTargets  []string
	stepEvery   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "simwatch-demo",
	Short: "Run a demo simulation observable through the debug dashboard",
	Long: `Run a small exposure simulation and attach the simwatch debug server to it.

Connect a WebSocket client to the printed ws:// URL to receive snapshots and
send commands such as {"action":"set","target":"alex","level":3}.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&envFile, "env-file", "", "dotenv file with SIMWATCH_* overrides")
	flags.IntVar(&httpPort, "http-port", 0, "dashboard port (overrides config)")
	flags.IntVar(&wsPort, "ws-port", 0, "WebSocket port (overrides config, default http-port+1)")
	flags.IntVar(&intervalMS, "interval", 0, "broadcast interval in milliseconds (overrides config)")
	flags.BoolVar(&allowRemote, "allow-remote", false, "listen on all interfaces")
	flags.StringVar(&assetsDir, "assets", "", "dashboard assets directory")
	flags.StringSliceVar(&targets, "targets", []string{"alex", "sam", "kim"}, "simulated targets")
	flags.StringSliceVar(&hotTargets, "hot", []string{"alex"}, "targets standing in a hot zone")
	flags.DurationVar(&stepEvery, "step", 50*time.Millisecond, "simulation step period")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := ws.LoadConfig(configPath, envFile)
	if err != nil {
		return err
	}

	// the demo exists to run the server, so it is always enabled here
	cfg.Enabled = true
	flags := cmd.Flags()
	if flags.Changed("http-port") {
		cfg.HTTPPort = httpPort
	}
	if flags.Changed("ws-port") {
		cfg.WebSocketPort = wsPort
	}
	if flags.Changed("interval") {
		cfg.BroadcastIntervalMS = intervalMS
	}
	if flags.Changed("allow-remote") {
		cfg.AllowRemote = allowRemote
	}
	if flags.Changed("assets") {
		cfg.AssetsDir = assetsDir
	}

	logger := ws.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	world := demo.NewWorld(demo.Options{
		Targets:    targets,
		HotTargets: hotTargets,
		Logger:     logger.With("component", "world"),
	})
	ticker := time.NewTicker(stepEvery)
	defer ticker.Stop()
	worldDone := make(chan struct{})
	go func() {
		world.Run(ctx, ticker.C)
		close(worldDone)
	}()

	server := ws.New(ws.NewConfig(cfg, logger,
		func(client simwatch.Client) {
			logger.Debug("observer attached", "clientId", client.ID(), "remoteAddr", client.RemoteAddr())
		},
		func(client simwatch.Client, voluntary bool) {
			logger.Debug("observer detached", "clientId", client.ID(), "voluntary", voluntary)
		},
	))
	if err := server.Start(ctx, world); err != nil {
		return fmt.Errorf("failed to start debug server: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Stop(stopCtx)
	<-worldDone
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
