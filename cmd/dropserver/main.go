// Точка входа dropserver: HTTPS-сервера приёма файлов с ограниченным
// сроком хранения.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/afero"

	"github.com/bigkaa/dropserver/internal/api/handlers"
	"github.com/bigkaa/dropserver/internal/config"
	"github.com/bigkaa/dropserver/internal/server"
	"github.com/bigkaa/dropserver/internal/service"
	"github.com/bigkaa/dropserver/internal/storage/filestore"
	"github.com/bigkaa/dropserver/internal/storage/ledger"
	"github.com/bigkaa/dropserver/internal/storage/pathres"
	"github.com/bigkaa/dropserver/internal/storage/staging"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("dropserver запускается",
		slog.String("version", config.Version),
		slog.String("addr", cfg.Addr()),
		slog.String("upload_dir", cfg.UploadDir),
		slog.String("tmp_dir", cfg.UploadTmpDir),
		slog.Int("tokens", len(cfg.Tokens)),
		slog.Int("default_ttl", cfg.DefaultTTL),
		slog.String("ledger", cfg.LedgerDriver),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("dropserver остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Инициализация компонентов ---

	fs := afero.NewOsFs()

	// 1. Директории загрузок и staging
	for _, dir := range []string{cfg.UploadDir, cfg.UploadTmpDir} {
		if err := fs.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ошибка создания директории %s: %w", dir, err)
		}
	}

	// 2. Retention Ledger
	led, dephealthSvc, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := led.Close(); err != nil {
			logger.Error("Ошибка закрытия Ledger", slog.String("error", err.Error()))
		}
	}()

	// 3. Хранилище и сервисы
	resolver := pathres.New(fs, cfg.UploadDir, cfg.Tokens)
	store := filestore.New(fs)
	receiver := staging.New(fs, cfg.UploadTmpDir, cfg.FormField, logger)

	uploadSvc := service.NewUploadService(resolver, receiver, store, led, cfg.DefaultTTL, cfg.MaxTTL, logger)

	// 4. Фоновые процессы: очистка по сроку хранения и staging
	stagingGC := service.NewStagingGC(fs, cfg.UploadTmpDir, cfg.StagingMaxAge, logger)
	sweepSvc := service.NewSweepService(led, store, resolver, cfg.PurgeInterval, logger).
		WithStagingGC(stagingGC)
	sweepSvc.Start(ctx)

	if dephealthSvc != nil {
		if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
			dephealthSvc = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 5. Handlers и сервер
	uploadHandler := handlers.NewUploadHandler(uploadSvc)
	healthHandler := handlers.NewHealthHandler(fs, resolver.Root(), cfg.UploadTmpDir, led)

	srv := server.New(cfg, logger, uploadHandler, healthHandler)
	runErr := srv.Run(ctx)

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")
	sweepSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	return runErr
}

// openLedger открывает Retention Ledger выбранного драйвера. Для PostgreSQL
// дополнительно создаёт мониторинг зависимости (nil, если недоступен).
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Ledger, *service.DephealthService, error) {
	if cfg.LedgerDriver == config.LedgerSQLite {
		led, err := ledger.OpenSQLite(ctx, cfg.LedgerDSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка открытия Ledger: %w", err)
		}
		return led, nil, nil
	}

	led, err := ledger.OpenPostgres(ctx, cfg.LedgerDSN, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка открытия Ledger: %w", err)
	}

	dephealthSvc, err := service.NewDephealthService(
		cfg.ServiceID,
		cfg.DephealthGroup,
		stdlib.OpenDBFromPool(led.Pool()),
		cfg.LedgerDSN,
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return led, nil, nil
	}
	return led, dephealthSvc, nil
}
