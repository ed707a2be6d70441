// staging_gc.go: удаление брошенных временных файлов из staging.
// Файл остаётся в staging, если клиент оборвал соединение посреди
// загрузки или процесс упал до перемещения.
package service

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/bigkaa/dropserver/internal/api/middleware"
	"github.com/bigkaa/dropserver/internal/storage/staging"
)

// StagingGC удаляет временные файлы старше maxAge.
type StagingGC struct {
	fs     afero.Fs
	dir    string
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewStagingGC создаёт очистку staging. maxAge <= 0 отключает очистку.
func NewStagingGC(fs afero.Fs, dir string, maxAge time.Duration, logger *slog.Logger) *StagingGC {
	return &StagingGC{
		fs:     fs,
		dir:    dir,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With(slog.String("component", "staging_gc")),
	}
}

// RunOnce удаляет временные файлы, не изменявшиеся дольше maxAge.
// Возвращает количество удалённых файлов.
func (g *StagingGC) RunOnce() int {
	if g.maxAge <= 0 {
		return 0
	}

	entries, err := afero.ReadDir(g.fs, g.dir)
	if err != nil {
		g.logger.Error("Ошибка чтения директории staging",
			slog.String("dir", g.dir),
			slog.String("error", err.Error()),
		)
		return 0
	}

	cutoff := g.now().Add(-g.maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Mode().IsRegular() || !staging.IsTempName(e.Name()) {
			continue
		}
		if e.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(g.dir, e.Name())
		if err := g.fs.Remove(path); err != nil {
			g.logger.Warn("Ошибка удаления временного файла",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		g.logger.Debug("Брошенный временный файл удалён",
			slog.String("path", path),
			slog.Time("mod_time", e.ModTime()),
		)
	}

	if removed > 0 {
		middleware.StagingFilesRemovedTotal.Add(float64(removed))
		g.logger.Info("Очистка staging завершена", slog.Int("removed", removed))
	}
	return removed
}
