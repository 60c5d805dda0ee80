package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/shoplist-sync/pkg/broadcast"
	"github.com/astromechza/shoplist-sync/pkg/config"
	"github.com/astromechza/shoplist-sync/pkg/lock"
	"github.com/astromechza/shoplist-sync/pkg/logging"
	"github.com/astromechza/shoplist-sync/pkg/metrics"
	"github.com/astromechza/shoplist-sync/pkg/notify"
	"github.com/astromechza/shoplist-sync/pkg/server"
	"github.com/astromechza/shoplist-sync/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	v := config.New()
	cmd := &cobra.Command{
		Use:           "shoplist-server",
		Short:         "Serve shop lists over http with realtime change relay",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Bind(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.LoadServer(v)
			if err != nil {
				return err
			}
			level := new(slog.LevelVar)
			if l, err := logging.ParseLevel(cfg.LogLevel); err == nil {
				level.Set(l)
			}
			log, err := logging.New(os.Stderr, cfg.LogFormat, level)
			if err != nil {
				return err
			}
			slog.SetDefault(log)
			config.WatchLogLevel(v, level, log)
			return run(cmd.Context(), cfg, log)
		},
	}
	config.ServerFlags(cmd.Flags())
	return cmd.Execute()
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	log.Info("opening store", "driver", cfg.StoreDriver)
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()

	var sender notify.Sender = notify.LogSender{Log: log}
	if cfg.WebhookURL != "" {
		sender = notify.WebhookSender{URL: cfg.WebhookURL, Client: &http.Client{Timeout: cfg.NotifyTimeout}}
	}
	fanout := notify.NewFanout(notify.StaticFromConfig(cfg.Groups), sender,
		notify.WithWorkers(cfg.NotifyWorkers),
		notify.WithTimeout(cfg.NotifyTimeout),
		notify.WithLogger(log),
		notify.WithObserver(func(result string) {
			m.Notifications.WithLabelValues(result).Inc()
		}),
	)

	b := broadcast.New(broadcast.NewRegistry(),
		broadcast.WithNotifier(fanout),
		broadcast.WithMetrics(m),
		broadcast.WithLogger(log),
	)
	defer b.Close()

	s := server.New(st, lock.NewManager(st, lock.WithTTL(cfg.LockTTL), lock.WithLogger(log)), b,
		server.WithLogger(log),
		server.WithMetrics(m, cfg.MetricsEnabled),
		server.WithWebsocket(cfg.SendBuffer, cfg.WriteTimeout, cfg.PingInterval),
	)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("listening", "addr", cfg.Listen, "lock-ttl", cfg.LockTTL, "metrics", cfg.MetricsEnabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		exit := make(chan os.Signal, 1) // signal.Notify never blocks on a full channel
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(exit)
		select {
		case sig := <-exit:
			log.Info("signal caught", "sig", sig)
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.CloseConnections()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	})
	return group.Wait()
}
