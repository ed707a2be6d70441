// Пакет server: HTTPS-сервер dropserver с graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/dropserver/internal/api/handlers"
	"github.com/bigkaa/dropserver/internal/api/middleware"
	"github.com/bigkaa/dropserver/internal/config"
)

// Server: HTTPS-сервер dropserver.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт сервер с настроенными маршрутами и middleware.
func New(cfg *config.Config, logger *slog.Logger, upload *handlers.UploadHandler, health *handlers.HealthHandler) *Server {
	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: NewRouter(logger, upload, health),
		// Тело загрузки может идти долго: ограничиваем только заголовки
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       cfg.KeepAliveTimeout,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты:
//
//	POST /, POST /upload: загрузка файла
//	GET /health/live, GET /health/ready: probes
//	GET /metrics: Prometheus
func NewRouter(logger *slog.Logger, upload *handlers.UploadHandler, health *handlers.HealthHandler) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Post("/", upload.Upload)
	router.Post("/upload", upload.Upload)

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняет graceful shutdown с таймаутом
// DS_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTPS-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.String("idle_timeout", s.httpServer.IdleTimeout.String()),
		)

		err := s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTPS-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTPS-сервер остановлен")
	return nil
}
