package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/policy-engine/internal/api"
	"github.com/sells-group/policy-engine/internal/model"
	"github.com/sells-group/policy-engine/internal/orchestrator"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort      int
	serveNoMonitor bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the policy API with background monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := api.NewServer(api.Deps{
			Store:    env.Store,
			Jobs:     env.Orchestrator,
			Detector: env.Detector,
			Learner:  env.Learner,
			Gatherer: env.Prometheus,
		}, cfg.Server)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
		if !serveNoMonitor {
			g.Go(func() error {
				env.Checker.Run(gctx)
				return nil
			})
		}
		if cfg.Schedule.Enabled {
			g.Go(func() error {
				runSchedule(gctx, env.Orchestrator, scheduleInterval())
				return nil
			})
		}

		err = g.Wait()
		env.Orchestrator.Wait()
		return err
	},
}

func scheduleInterval() time.Duration {
	if cfg.Schedule.ComprehensiveIntervalHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(cfg.Schedule.ComprehensiveIntervalHours) * time.Hour
}

// runSchedule submits a comprehensive high-priority job across every source
// each interval until ctx is cancelled.
func runSchedule(ctx context.Context, o *orchestrator.Orchestrator, interval time.Duration) {
	log := zap.L().With(zap.String("component", "schedule"))
	log.Info("comprehensive scrape scheduled", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := o.Submit(ctx, orchestrator.JobRequest{Priority: model.PriorityHigh})
			if err != nil {
				log.Error("scheduled scrape failed to start", zap.Error(err))
				continue
			}
			log.Info("scheduled scrape started",
				zap.String("job_id", job.ID),
				zap.Int("sources", len(job.Sources)),
			)
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoMonitor, "no-monitor", false, "disable the background change monitor")
	rootCmd.AddCommand(serveCmd)
}
