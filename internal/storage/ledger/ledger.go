// Пакет ledger реализует Retention Ledger, долговременное хранилище записей
// {drop_time, file_path} о файлах с ограниченным сроком хранения.
//
// Две реализации: SQLite (по умолчанию, один файл рядом с сервисом)
// и PostgreSQL (pgxpool). Схема применяется при открытии через
// golang-migrate из встроенных миграций.
//
// Требования к хранилищу минимальны: атомарная вставка одной строки,
// атомарное удаление по ключу и потоковое чтение. Межстрочных
// транзакций нет.
package ledger

import (
	"context"
	"embed"
	"fmt"
	"iter"
	"time"

	"github.com/bigkaa/dropserver/internal/domain/model"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// timeLayout: ISO-8601 в UTC фиксированной ширины (как Date.toISOString),
// поэтому лексикографический порядок строк совпадает с порядком времени.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Ledger: интерфейс хранилища сроков хранения.
type Ledger interface {
	// Insert добавляет запись.
	Insert(ctx context.Context, rec model.RetentionRecord) error
	// Scan потоково отдаёт все записи в порядке возрастания drop_time.
	Scan(ctx context.Context) iter.Seq2[model.RetentionRecord, error]
	// Delete удаляет записи, совпадающие по drop_time и file_path.
	Delete(ctx context.Context, rec model.RetentionRecord) (int64, error)
	// Exists сообщает, есть ли запись с такими drop_time и file_path.
	Exists(ctx context.Context, rec model.RetentionRecord) (bool, error)
	// ForgetPath удаляет все записи для file_path (файл перезаписан).
	ForgetPath(ctx context.Context, filePath string) (int64, error)
	// Count возвращает количество записей.
	Count(ctx context.Context) (int64, error)
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
	// Close освобождает ресурсы.
	Close() error
}

// FormatTime приводит время к формату хранения.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime разбирает время из формата хранения.
// Принимает также произвольный RFC 3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(timeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("некорректное время %q: %w", s, err)
	}
	return t.UTC(), nil
}
