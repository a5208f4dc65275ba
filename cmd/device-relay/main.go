package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/coordinator"
	"github.com/SallyKAN/device-relay/internal/device"
	"github.com/SallyKAN/device-relay/internal/events"
	"github.com/SallyKAN/device-relay/internal/history"
	"github.com/SallyKAN/device-relay/internal/logger"
	"github.com/SallyKAN/device-relay/internal/transport"
	"github.com/SallyKAN/device-relay/internal/types"
)

var version = "dev"

// NewRootCmd constructs the root command and all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "device-relay",
		Short:         "Relay and coordinate a user's devices",
		Long:          "Keeps a live topology of each user's devices, routes messages between them and moves work from one device to another.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./device-relay.yaml)")
	rootCmd.PersistentFlags().String("coordinator", "", "coordinator URL (default: agent.coordinator_url)")
	rootCmd.PersistentFlags().String("token", "", "auth token")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newUpCmd())
	rootCmd.AddCommand(newJoinCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newDevicesCmd())
	rootCmd.AddCommand(newTopologyCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newNegotiateCmd())
	rootCmd.AddCommand(newHandoffCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "device-relay %s\n", version)
		},
	}
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a new device-relay configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = "device-relay.yaml"
			}
			force, _ := cmd.Flags().GetBool("force")

			if !force {
				_, err := os.Stat(cfgPath)
				if err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
				}
				if !os.IsNotExist(err) {
					return fmt.Errorf("checking %s: %w", cfgPath, err)
				}
			}

			cfg, err := config.Generate()
			if err != nil {
				return err
			}
			if err := cfg.WriteYAML(cfgPath); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite existing config file")
	return cmd
}

func newUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the coordinator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if p, _ := cmd.Flags().GetInt("port"); p != 0 {
				cfg.Server.Port = p
			}
			if dd, _ := cmd.Flags().GetString("data-dir"); dd != "" {
				cfg.Server.DataDir = dd
			}
			if err := logger.Init(cfg.Log); err != nil {
				return fmt.Errorf("configuring logger: %w", err)
			}
			log := logger.WithComponent("coordinator")

			if err := os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
			archive, err := history.OpenBolt(filepath.Join(cfg.Server.DataDir, "history.db"))
			if err != nil {
				return err
			}
			defer archive.Close()
			catalog, err := coordinator.OpenCatalog(filepath.Join(cfg.Server.DataDir, "catalog.json"))
			if err != nil {
				return err
			}

			bus := events.NewBus(logger.WithComponent("events"))
			evCh, unsubscribe := bus.Subscribe(256)
			defer unsubscribe()
			go logEvents(evCh)

			hub := transport.NewHub(logger.WithComponent("transport"))
			defer hub.Close()
			coord := coordinator.New(cfg,
				coordinator.WithLogger(log),
				coordinator.WithDeliverer(hub),
				coordinator.WithArchive(archive),
				coordinator.WithCatalog(catalog),
				coordinator.WithBus(bus),
			)
			hub.SetListener(coord)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			coord.Start(ctx)
			defer coord.Stop()

			srv := coordinator.NewServer(cfg.Server, coord, hub, logger.WithComponent("http"))
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "shutting down coordinator...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
	cmd.Flags().Int("port", 0, "coordinator listen port (default: 9180)")
	cmd.Flags().String("data-dir", "", "data directory for the catalog and history (default: ~/.device-relay)")
	return cmd
}

func newJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join [coordinator-url]",
		Short: "Join a coordinator as a device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Log); err != nil {
				return fmt.Errorf("configuring logger: %w", err)
			}

			agentCfg := cfg.Agent
			if len(args) == 1 {
				agentCfg.CoordinatorURL = args[0]
			} else if base, _ := cmd.Flags().GetString("coordinator"); base != "" {
				agentCfg.CoordinatorURL = base
			}
			if u, _ := cmd.Flags().GetString("user"); u != "" {
				agentCfg.UserID = u
			}
			if d, _ := cmd.Flags().GetString("device"); d != "" {
				agentCfg.DeviceID = d
			}
			if t, _ := cmd.Flags().GetString("type"); t != "" {
				agentCfg.DeviceType = t
			}
			if agentCfg.UserID == "" {
				return fmt.Errorf("a user id is required (--user or agent.user_id)")
			}
			if !types.ValidDeviceType(types.DeviceType(agentCfg.DeviceType)) {
				return fmt.Errorf("unknown device type %q", agentCfg.DeviceType)
			}

			agent := device.NewAgent(agentCfg, resolveToken(cmd, cfg), logger.WithComponent("agent"), device.WithVersion(version))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(os.Stderr, "joining relay at %s as user %q\n", agentCfg.CoordinatorURL, agentCfg.UserID)
			resp, err := agent.Register(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "registered as %s (%s, priority %d)\n", resp.DeviceID, resp.Role, resp.Priority)

			runErr := agent.Run(ctx)

			fmt.Fprintln(os.Stderr, "shutting down device agent...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			agent.Shutdown(shutdownCtx)
			return runErr
		},
	}
	cmd.Flags().String("user", "", "user the device belongs to")
	cmd.Flags().String("device", "", "device ID (default: assigned by the coordinator)")
	cmd.Flags().String("type", "", "device type: desktop, mobile, extension or browser")
	return cmd
}

// --- helpers ---

// logEvents writes relay lifecycle events to the debug log until ch closes.
func logEvents(ch <-chan events.Event) {
	log := logger.WithComponent("events")
	for e := range ch {
		log.Debug().
			Str("event", string(e.Type)).
			Str("user_id", e.UserID).
			Str("device_id", e.DeviceID).
			Time("at", e.Timestamp).
			Msg("Relay event")
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	return config.Load(cfgFile)
}

// resolveToken returns the auth token using precedence: flag -> config -> env.
func resolveToken(cmd *cobra.Command, cfg *config.Config) string {
	token, _ := cmd.Flags().GetString("token")
	if token != "" {
		return token
	}
	if cfg != nil && cfg.Server.Token != "" {
		return cfg.Server.Token
	}
	return os.Getenv("DEVICE_RELAY_TOKEN")
}

// newClient builds a coordinator client from the persistent flags.
func newClient(cmd *cobra.Command) *device.Client {
	cfg, err := loadConfig(cmd)
	if err != nil {
		cfg = nil
	}
	base, _ := cmd.Flags().GetString("coordinator")
	if base == "" && cfg != nil {
		base = cfg.Agent.CoordinatorURL
	}
	if base == "" {
		base = "http://127.0.0.1:9180"
	}
	return device.NewClient(base, resolveToken(cmd, cfg))
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
