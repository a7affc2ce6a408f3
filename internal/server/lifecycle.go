package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// Run serves HTTP and runs the background workers until ctx is cancelled
// or the listener fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	workersCtx, stopWorkers := context.WithCancel(ctx)
	s.stopWorkers = stopWorkers

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(workersCtx)
	g.Go(func() error {
		s.logger.Info("listening", "addr", s.httpSrv.Addr, "network", s.cfg.BTCNetwork)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { s.realtimeHub.Run(gctx); return nil })
	g.Go(func() error { s.escrowTimer.Start(gctx); return nil })
	g.Go(func() error { s.reconTimer.Start(gctx); return nil })
	if s.subscriber != nil {
		g.Go(func() error {
			if err := s.subscriber.Run(gctx, s.realtimeHub.Broadcast); err != nil && gctx.Err() == nil {
				s.logger.Error("redis subscriber stopped", "error", err)
			}
			return nil
		})
	}
	if s.watcher != nil {
		s.watcher.Start(gctx)
	}

	s.ready.Store(true)
	s.logger.Info("escrowd ready", "version", s.version)

	<-gctx.Done()
	if ctx.Err() != nil {
		s.logger.Info("shutdown requested")
	}

	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown drains traffic, stops the workers and closes connections. It is
// safe to call without Run.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.stopWorkers != nil {
		s.stopWorkers()
	}

	// Readiness is already failing; give load balancers a moment to notice.
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.escrowTimer.Stop()
	s.reconTimer.Stop()
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// In-flight risk assessments and event publishes.
	s.escrowService.Wait()

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Warn("trace exporter shutdown", "error", err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", "error", err)
	} else {
		s.logger.Info("escrowd stopped")
	}
	return err
}

// Router exposes the gin engine to tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
