package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailbox-gateway/internal/api"
	"github.com/fenilsonani/mailbox-gateway/internal/config"
	"github.com/fenilsonani/mailbox-gateway/internal/crypto"
	"github.com/fenilsonani/mailbox-gateway/internal/logging"
	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
	"github.com/fenilsonani/mailbox-gateway/internal/push"
	"github.com/fenilsonani/mailbox-gateway/internal/store"
	"github.com/fenilsonani/mailbox-gateway/internal/watcher"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailboxgw",
	Short: "Multi-tenant mailbox gateway",
	Long: `A gateway that stores mailbox credentials encrypted at rest and exposes
an HTTP control plane for sending, listing, fetching and live new-mail
notifications over server-sent events.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that do not need it
		if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "keygen" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Info("Mailbox gateway starting", "listen", cfg.Server.Listen)

		masterKey, err := cfg.MasterKey()
		if err != nil {
			return err
		}
		sealer, err := crypto.NewSealer(masterKey)
		if err != nil {
			return err
		}

		connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
		kv, err := store.NewClient(connectCtx, store.Config{
			URL:    cfg.Store.URL,
			Token:  cfg.Store.Token,
			Prefix: cfg.Store.Prefix,
		})
		connectCancel()
		if err != nil {
			return fmt.Errorf("failed to connect to store: %w", err)
		}
		logger.Info("Store connected")

		timeouts := gwmail.Timeouts{
			Connect:  config.Duration(cfg.Mail.ConnectTimeout, 30*time.Second),
			Greeting: config.Duration(cfg.Mail.GreetingTimeout, 15*time.Second),
			Socket:   config.Duration(cfg.Mail.SocketTimeout, 60*time.Second),
			Fetch:    config.Duration(cfg.Mail.FetchTimeout, 30*time.Second),
			List:     config.Duration(cfg.Mail.ListTimeout, 45*time.Second),
		}
		sender := gwmail.NewSender(timeouts, "", logger)
		reader := gwmail.NewReader(timeouts, logger)

		accounts := store.NewAccountStore(kv, sealer, logger)
		accounts.SetVerifier(func(ctx context.Context, secret gwmail.Secret) error {
			if err := sender.Verify(ctx, secret); err != nil {
				return err
			}
			return reader.Verify(ctx, secret)
		})

		hub := push.NewHub(logger)
		registry := watcher.NewRegistry(watcher.Config{
			Keepalive: config.Duration(cfg.Watch.Keepalive, 5*time.Minute),
			IdleGrace: config.Duration(cfg.Watch.IdleGrace, 60*time.Second),
			Timeouts:  timeouts,
		}, hub, accounts, logger)
		accounts.SetWatcherStopper(registry.Stop)

		heartbeat := config.Duration(cfg.Watch.Heartbeat, 25*time.Second)
		srv := api.NewServer(accounts, sender, reader, registry, kv, heartbeat, logger)

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(cfg.Server.Listen); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return fmt.Errorf("control plane failed: %w", err)
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", "signal", sig.String())
		}

		shutdownTimeout := config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Reverse order: stop accepting requests and drain push streams,
		// stop watchers, close the store.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Control plane shutdown error", "error", err.Error())
		}
		registry.StopAll(shutdownTimeout)
		if err := kv.Close(); err != nil {
			logger.Error("Store close error", "error", err.Error())
		}

		logger.Info("Shutdown complete")
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master key",
	Long:  "Prints a fresh base64-encoded 32-byte master key for MASTER_KEY.",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, config.MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailboxgw v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(versionCmd)
}
