package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/client"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/netmon"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/notify"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/store"
	"github.com/MarcoPoloResearchLab/notesync/internal/config"
	"github.com/MarcoPoloResearchLab/notesync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const syncPollInterval = 100 * time.Millisecond

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "notesync-client",
		Short:         "Offline-first note client",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newAddCommand(),
		newEditCommand(),
		newDeleteCommand(),
		newListCommand(),
		newStatusCommand(),
		newSyncCommand(),
		newRunCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Sync server base URL")
	cmd.PersistentFlags().String("store-path", defaults.GetString("client.store_path"), "Local note store path")
	cmd.PersistentFlags().String("device-name", defaults.GetString("client.device_name"), "Name attached to this client's log lines")
	cmd.PersistentFlags().Bool("offline", defaults.GetBool("client.force_offline"), "Never open the sync channel")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("reconnect-attempts", defaults.GetInt("sync.reconnect_attempts"), "Reconnect attempts after a dropped channel")
	cmd.PersistentFlags().Duration("reconnect-delay", defaults.GetDuration("sync.reconnect_delay"), "Delay between reconnect attempts")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "client.store_path", "store-path")
	bindFlag(cmd, "client.device_name", "device-name")
	bindFlag(cmd, "client.force_offline", "offline")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.reconnect_attempts", "reconnect-attempts")
	bindFlag(cmd, "sync.reconnect_delay", "reconnect-delay")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// session owns the open store and coordinator for a single command invocation.
type session struct {
	cfg         config.ClientConfig
	logger      *zap.Logger
	kv          *store.BoltKV
	coordinator *client.Coordinator
	monitor     netmon.Monitor
	prober      *netmon.Prober
}

// openSession opens the local store. One-shot commands stay offline and only
// queue; sync and run follow the health prober.
func openSession(online bool) (*session, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceName != "" {
		logger = logger.With(zap.String("device", cfg.DeviceName))
	}

	kv, err := store.OpenBolt(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open local store %s: %w", cfg.StorePath, err)
	}

	s := &session{cfg: cfg, logger: logger, kv: kv}
	if online && !cfg.ForceOffline {
		s.prober = netmon.NewProber(netmon.ProberConfig{
			ServerURL: cfg.ServerURL,
			Interval:  cfg.ProbeInterval,
			Logger:    logger.Named("netmon"),
		})
		s.monitor = s.prober
	} else {
		s.monitor = netmon.NewManual(false)
	}

	coordinator, err := client.New(client.Config{
		Store:             store.New(kv, logger.Named("store")),
		Monitor:           s.monitor,
		ServerURL:         cfg.ServerURL,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		Notifier:          notify.NewLogNotifier(logger.Named("notify")),
		Logger:            logger,
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	s.coordinator = coordinator
	return s, nil
}

func (s *session) close() {
	if err := s.kv.Close(); err != nil {
		s.logger.Warn("failed to close local store", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// follow runs the prober and coordinator until ctx is done.
func (s *session) follow(ctx context.Context) <-chan error {
	if s.prober != nil {
		go s.prober.Run(ctx)
	}
	done := make(chan error, 1)
	go func() {
		done <- s.coordinator.Run(ctx)
	}()
	return done
}

func newAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <text>",
		Short: "Create a note locally and queue it for sync",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.close()

			note, err := s.coordinator.CreateNote(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), note.ID)
			return nil
		},
	}
}

func newEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <id> <text>",
		Short: "Replace a note's text locally and queue the update",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.close()

			_, err = s.coordinator.EditNote(cmd.Context(), args[0], strings.Join(args[1:], " "))
			return err
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a note locally and queue the delete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.close()

			return s.coordinator.DeleteNote(cmd.Context(), args[0])
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print local notes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.close()

			notes, err := s.coordinator.Notes()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, note := range notes {
				marker := "*"
				if note.Synced {
					marker = " "
				}
				fmt.Fprintf(out, "%s %s\t%s\n", marker, note.ID, note.Text)
			}
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show unsynced notes and queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.close()

			status, err := s.coordinator.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server: %s\npending: %d\nqueued: %d\n", s.cfg.ServerURL, status.Pending, status.Queued)
			return nil
		},
	}
}

func newSyncCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Connect once, push local changes and wait for confirmations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer s.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			done := s.follow(ctx)

			ticker := time.NewTicker(syncPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					<-done
					status, statusErr := s.coordinator.Status()
					if statusErr != nil {
						return statusErr
					}
					return fmt.Errorf("sync incomplete after %s: %d pending, %d queued, last error %q",
						timeout, status.Pending, status.Queued, status.LastError)
				case <-ticker.C:
					status, statusErr := s.coordinator.Status()
					if statusErr != nil {
						s.logger.Warn("failed to read status", zap.Error(statusErr))
						continue
					}
					if status.Pending == 0 && status.Queued == 0 {
						cancel()
						<-done
						fmt.Fprintln(cmd.OutOrStdout(), "all notes synced")
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for confirmations")
	return cmd
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay connected and apply remote changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer s.close()

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s.logger.Info("client running", zap.String("server_url", s.cfg.ServerURL), zap.Bool("offline", s.cfg.ForceOffline))
			return <-s.follow(signalCtx)
		},
	}
}
