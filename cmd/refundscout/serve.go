package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/refundscout/internal/app"
	"github.com/nhle/refundscout/internal/metrics"
)

func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Open the live dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := o.services(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()
			defer svc.Poller.Stop()

			p := tea.NewProgram(app.New(svc), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			if errors.Is(err, tea.ErrProgramKilled) && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newServeCmd(o *rootOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled scans and classification until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := o.services(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			if metricsAddr == "" {
				metricsAddr = o.cfg.Metrics.Addr
			}
			return serve(cmd.Context(), svc, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address of /metrics (default metrics.addr)")
	return cmd
}

func serve(ctx context.Context, svc *app.Services, metricsAddr string) error {
	log := svc.Log
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(svc.Poller.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(svc.Pipeline.Run(ctx)) })

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info("metrics endpoint listening", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("serving",
		zap.Duration("poll_interval", svc.Config.Poller.Interval),
		zap.Duration("classify_interval", svc.Config.Classifier.Interval),
	)
	err := g.Wait()
	log.Info("stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
