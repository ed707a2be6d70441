// sqlite.go: Retention Ledger поверх SQLite (mattn/go-sqlite3).
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // драйвер database/sql "sqlite3"

	"github.com/bigkaa/dropserver/internal/domain/model"
)

// SQLite: реализация Ledger на SQLite.
// Журнал WAL позволяет удалять строки, пока открыт курсор Scan.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// SQLite допускает одного писателя; запись сериализуется здесь,
	// чтобы не получать SQLITE_BUSY от устаревшего снимка WAL.
	writeMu sync.Mutex
}

// OpenSQLite открывает (или создаёт) базу по пути path и применяет миграции.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if err := migrateSQLite(path, logger); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия SQLite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка подключения к SQLite %s: %w", path, err)
	}

	logger.Info("Retention Ledger открыт",
		slog.String("driver", "sqlite"),
		slog.String("path", path),
	)

	return &SQLite{
		db:     db,
		path:   path,
		logger: logger.With(slog.String("component", "ledger")),
	}, nil
}

// sqliteDSN формирует DSN: WAL-журнал и ожидание блокировки вместо SQLITE_BUSY.
func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
}

// migrateSQLite применяет миграции через отдельное соединение:
// закрытие migrate закрывает и переданный *sql.DB.
func migrateSQLite(path string, logger *slog.Logger) error {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return fmt.Errorf("ошибка открытия SQLite для миграций: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("ошибка инициализации драйвера миграций: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		db.Close()
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.String("driver", "sqlite"),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

func (l *SQLite) Insert(ctx context.Context, rec model.RetentionRecord) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO upl_files (drop_time, file_path) VALUES (?, ?)`,
		FormatTime(rec.DropTime), rec.FilePath,
	)
	if err != nil {
		return fmt.Errorf("ошибка вставки записи %s: %w", rec.FilePath, err)
	}
	return nil
}

func (l *SQLite) Scan(ctx context.Context) iter.Seq2[model.RetentionRecord, error] {
	return func(yield func(model.RetentionRecord, error) bool) {
		rows, err := l.db.QueryContext(ctx,
			`SELECT drop_time, file_path FROM upl_files ORDER BY drop_time, file_path`)
		if err != nil {
			yield(model.RetentionRecord{}, fmt.Errorf("ошибка чтения записей: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var dropTime, filePath string
			if err := rows.Scan(&dropTime, &filePath); err != nil {
				if !yield(model.RetentionRecord{}, fmt.Errorf("ошибка чтения строки: %w", err)) {
					return
				}
				continue
			}

			t, err := ParseTime(dropTime)
			if err != nil {
				if !yield(model.RetentionRecord{FilePath: filePath}, err) {
					return
				}
				continue
			}

			if !yield(model.RetentionRecord{DropTime: t, FilePath: filePath}, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(model.RetentionRecord{}, fmt.Errorf("ошибка итерации записей: %w", err))
		}
	}
}

func (l *SQLite) Delete(ctx context.Context, rec model.RetentionRecord) (int64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	res, err := l.db.ExecContext(ctx,
		`DELETE FROM upl_files WHERE drop_time = ? AND file_path = ?`,
		FormatTime(rec.DropTime), rec.FilePath,
	)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления записи %s: %w", rec.FilePath, err)
	}
	return res.RowsAffected()
}

func (l *SQLite) Exists(ctx context.Context, rec model.RetentionRecord) (bool, error) {
	var found bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM upl_files WHERE drop_time = ? AND file_path = ?)`,
		FormatTime(rec.DropTime), rec.FilePath,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("ошибка поиска записи %s: %w", rec.FilePath, err)
	}
	return found, nil
}

func (l *SQLite) ForgetPath(ctx context.Context, filePath string) (int64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	res, err := l.db.ExecContext(ctx, `DELETE FROM upl_files WHERE file_path = ?`, filePath)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления записей %s: %w", filePath, err)
	}
	return res.RowsAffected()
}

func (l *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upl_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей: %w", err)
	}
	return n, nil
}

func (l *SQLite) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *SQLite) Close() error {
	return l.db.Close()
}

// Проверка на этапе компиляции
var _ Ledger = (*SQLite)(nil)
