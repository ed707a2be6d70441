// sweeper.go: фоновая очистка файлов с истёкшим сроком хранения.
//
// Каждый проход потоково читает Retention Ledger в порядке drop_time,
// удаляет просроченные файлы и их записи, затем удаляет опустевшую
// родительскую директорию (один уровень, корень загрузок не трогается).
// Проход не транзакционный: запись удаляется только после успешного
// (или уже выполненного ранее) удаления файла, повтор безопасен.
package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bigkaa/dropserver/internal/api/middleware"
	"github.com/bigkaa/dropserver/internal/domain/model"
	"github.com/bigkaa/dropserver/internal/storage/filestore"
	"github.com/bigkaa/dropserver/internal/storage/ledger"
	"github.com/bigkaa/dropserver/internal/storage/pathres"
)

// SweepResult: результат одного прохода очистки.
type SweepResult struct {
	// Scanned: просмотрено записей
	Scanned int
	// Deleted: удалено записей (файл удалён или уже отсутствовал)
	Deleted int
	// Missing: из них файл уже отсутствовал
	Missing int
	// Remaining: записей в Ledger после прохода (-1 если подсчёт не удался)
	Remaining int64
	// Errors: ошибок при обработке записей
	Errors int
	// DirsRemoved: удалено опустевших директорий
	DirsRemoved int
	// Duration: длительность прохода
	Duration time.Duration
}

// SweepService: сервис фоновой очистки по Retention Ledger.
type SweepService struct {
	ledger   ledger.Ledger
	store    *filestore.FileStore
	resolver *pathres.Resolver
	interval time.Duration
	logger   *slog.Logger

	stagingGC *StagingGC
	now       func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepService создаёт сервис очистки.
// resolver задаёт корень загрузок: записи вне него не обрабатываются.
func NewSweepService(
	led ledger.Ledger,
	store *filestore.FileStore,
	resolver *pathres.Resolver,
	interval time.Duration,
	logger *slog.Logger,
) *SweepService {
	return &SweepService{
		ledger:   led,
		store:    store,
		resolver: resolver,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweeper")),
		now:      time.Now,
	}
}

// WithStagingGC подключает очистку staging, выполняемую на том же тикере.
func (s *SweepService) WithStagingGC(gc *StagingGC) *SweepService {
	s.stagingGC = gc
	return s
}

// Start запускает фоновую горутину с периодическим тикером.
// Вызывается один раз при старте приложения.
func (s *SweepService) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка запущена",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения текущего прохода.
func (s *SweepService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("Очистка остановлена")
}

func (s *SweepService) run(ctx context.Context) {
	defer close(s.done)

	// Первый проход: сразу после старта
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *SweepService) tick(ctx context.Context) {
	s.RunOnce(ctx)
	if s.stagingGC != nil {
		s.stagingGC.RunOnce()
	}
}

// RunOnce выполняет один проход очистки.
// Потокобезопасен: параллельные вызовы выполняются по очереди.
func (s *SweepService) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now().UTC()
	result := &SweepResult{Remaining: -1}

	s.logger.Debug("Проход очистки начат")

	for rec, err := range s.ledger.Scan(ctx) {
		if err != nil {
			result.Errors++
			s.logger.Error("Ошибка чтения Ledger",
				slog.String("file_path", rec.FilePath),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Scanned++

		// Записи упорядочены по drop_time: дальше только будущие
		if !rec.IsDue(now) {
			break
		}

		s.sweepRecord(ctx, rec, result)

		if ctx.Err() != nil {
			break
		}
	}

	if n, err := s.ledger.Count(ctx); err == nil {
		result.Remaining = n
		middleware.LedgerRecords.Set(float64(n))
	}

	result.Duration = time.Since(start)

	middleware.SweepRunsTotal.Inc()
	middleware.SweepErrorsTotal.Add(float64(result.Errors))
	middleware.SweepDuration.Observe(result.Duration.Seconds())

	level := slog.LevelInfo
	if result.Deleted == 0 && result.Errors == 0 {
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, "Проход очистки завершён",
		slog.Int("scanned", result.Scanned),
		slog.Int("deleted", result.Deleted),
		slog.Int("missing", result.Missing),
		slog.Int("dirs_removed", result.DirsRemoved),
		slog.Int("errors", result.Errors),
		slog.Int64("remaining", result.Remaining),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// sweepRecord обрабатывает одну просроченную запись. Ошибки учитываются
// в result и не прерывают проход.
func (s *SweepService) sweepRecord(ctx context.Context, rec model.RetentionRecord, result *SweepResult) {
	path := filepath.Clean(rec.FilePath)

	if !s.resolver.Contains(path) {
		result.Errors++
		s.logger.Error("Запись указывает за пределы корня загрузок, пропущена",
			slog.String("file_path", rec.FilePath),
			slog.String("root", s.resolver.Root()),
		)
		return
	}

	unlock := s.store.LockPath(path)
	defer unlock()

	// Пока ждали блокировку, файл могли перезаписать новой загрузкой:
	// тогда прежней записи уже нет и файл принадлежит ей.
	current, err := s.ledger.Exists(ctx, rec)
	if err != nil {
		result.Errors++
		s.logger.Warn("Ошибка проверки записи в Ledger",
			slog.String("file_path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	if !current {
		s.logger.Debug("Запись снята перезаписью файла, пропущена",
			slog.String("file_path", path),
			slog.String("drop_time", ledger.FormatTime(rec.DropTime)),
		)
		return
	}

	removed, err := s.store.Remove(path)
	if err != nil {
		// Запись остаётся: следующий проход повторит удаление
		result.Errors++
		s.logger.Warn("Ошибка удаления файла",
			slog.String("file_path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed {
		middleware.SweepFilesDeletedTotal.Inc()
	} else {
		result.Missing++
	}

	if _, err := s.ledger.Delete(ctx, rec); err != nil {
		result.Errors++
		s.logger.Warn("Ошибка удаления записи из Ledger",
			slog.String("file_path", path),
			slog.String("drop_time", ledger.FormatTime(rec.DropTime)),
			slog.String("error", err.Error()),
		)
		return
	}
	result.Deleted++

	s.logger.Debug("Файл удалён по истечении срока",
		slog.String("file_path", path),
		slog.String("drop_time", ledger.FormatTime(rec.DropTime)),
		slog.Bool("was_present", removed),
	)

	s.pruneParent(path, result)
}

// pruneParent удаляет родительскую директорию файла, если она пуста.
// Ошибки только логируются.
func (s *SweepService) pruneParent(path string, result *SweepResult) {
	dir := filepath.Dir(path)
	// Contains исключает сам корень загрузок
	if !s.resolver.Contains(dir) {
		return
	}

	removed, err := s.store.RemoveDirIfEmpty(dir)
	if err != nil {
		s.logger.Warn("Ошибка удаления пустой директории",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed {
		result.DirsRemoved++
		s.logger.Debug("Пустая директория удалена", slog.String("dir", dir))
	}
}
