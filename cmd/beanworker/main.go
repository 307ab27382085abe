package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/csnewman/beanworker/internal/config"
	"github.com/csnewman/beanworker/internal/queue"
	"github.com/csnewman/beanworker/internal/stalkd"
	"github.com/spf13/cobra"
)

func main() {
	var (
		cfgPath string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "beanworker",
		Short: "Beanstalkd worker engine CLI",
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory broker for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			s, err := stalkd.NewServer(logger, cfg.Addr(), cfg.Auth)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			go func() {
				<-ctx.Done()
				s.Close()
			}()

			return s.Serve()
		},
	}
	rootCmd.AddCommand(serveCmd)

	pushCmd := &cobra.Command{
		Use:   "push <queue> <json>",
		Short: "Enqueue one JSON job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)

			reg, err := newRegistry(cfgPath, logger)
			if err != nil {
				return err
			}

			var job any
			if err := json.Unmarshal([]byte(args[1]), &job); err != nil {
				return fmt.Errorf("job must be valid JSON: %w", err)
			}

			return reg.Get(args[0]).Push(job)
		},
	}
	rootCmd.AddCommand(pushCmd)

	drainCmd := &cobra.Command{
		Use:   "drain <queue>",
		Short: "Process and discard every available job, logging payloads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)

			reg, err := newRegistry(cfgPath, logger)
			if err != nil {
				return err
			}

			q := reg.Get(args[0])
			q.Each(logHandler(logger, q.Name()))

			processed, err := q.Once()
			if err != nil {
				return err
			}

			logger.Info("Drain finished", "queue", q.Name(), "processed", processed)

			return nil
		},
	}
	rootCmd.AddCommand(drainCmd)

	resetCmd := &cobra.Command{
		Use:   "reset <queue>",
		Short: "Destroy every ready and delayed job in a queue's tube",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)

			reg, err := newRegistry(cfgPath, logger)
			if err != nil {
				return err
			}

			return reg.Get(args[0]).Reset()
		},
	}
	rootCmd.AddCommand(resetCmd)

	workCmd := &cobra.Command{
		Use:   "work <queue>...",
		Short: "Continuously process queues with a payload-logging handler",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)

			reg, err := newRegistry(cfgPath, logger)
			if err != nil {
				return err
			}

			for _, name := range args {
				q := reg.Get(name)
				q.Each(logHandler(logger, q.Name()))
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			reg.StartAll()
			<-ctx.Done()
			reg.StopAll()

			return nil
		},
	}
	rootCmd.AddCommand(workCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func newRegistry(cfgPath string, logger *slog.Logger) (*queue.Registry, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	return queue.NewRegistry(func(name string) *queue.Queue {
		return queue.New(logger, name, queue.Options{
			Addr:       cfg.Addr(),
			Auth:       cfg.Auth,
			Tube:       cfg.TubeName(name),
			WebhookURL: cfg.WebhookURL(name),
			Width:      cfg.Width,
		})
	}), nil
}

func logHandler(logger *slog.Logger, name string) queue.Handler {
	return func(ctx context.Context, payload any) error {
		logger.Info("Processed job", "queue", name, "payload", payload)

		return nil
	}
}
