package ledger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/dropserver/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// openTestSQLite открывает SQLite-ledger во временной директории.
func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	l, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.sqlite"), testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func collect(t *testing.T, l Ledger) []model.RetentionRecord {
	t.Helper()
	var out []model.RetentionRecord
	for rec, err := range l.Scan(context.Background()) {
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestSQLite_InsertScanOrdered(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	recs := []model.RetentionRecord{
		{DropTime: base.Add(3 * time.Hour), FilePath: "/srv/c"},
		{DropTime: base.Add(1 * time.Hour), FilePath: "/srv/a"},
		{DropTime: base.Add(2 * time.Hour), FilePath: "/srv/b"},
	}
	for _, r := range recs {
		if err := l.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got := collect(t, l)
	if len(got) != 3 {
		t.Fatalf("ожидалось 3 записи, получено %d", len(got))
	}
	for i, want := range []string{"/srv/a", "/srv/b", "/srv/c"} {
		if got[i].FilePath != want {
			t.Errorf("запись %d: %s, ожидалось %s", i, got[i].FilePath, want)
		}
	}
	if !got[0].DropTime.Equal(base.Add(time.Hour)) {
		t.Errorf("DropTime = %v, ожидалось %v", got[0].DropTime, base.Add(time.Hour))
	}

	n, err := l.Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("Count = %d, %v; ожидалось 3", n, err)
	}
}

func TestSQLite_DeleteByKey(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()
	drop := time.Date(2024, 1, 1, 12, 30, 0, 250*int(time.Millisecond), time.UTC)

	rec := model.RetentionRecord{DropTime: drop, FilePath: "/srv/x.bin"}
	other := model.RetentionRecord{DropTime: drop.Add(time.Second), FilePath: "/srv/x.bin"}
	l.Insert(ctx, rec)
	l.Insert(ctx, other)

	n, err := l.Delete(ctx, rec)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 1 {
		t.Errorf("удалено %d строк, ожидалась 1", n)
	}

	// Повторное удаление: не ошибка
	n, err = l.Delete(ctx, rec)
	if err != nil || n != 0 {
		t.Errorf("повторный Delete = %d, %v; ожидалось 0, nil", n, err)
	}

	got := collect(t, l)
	if len(got) != 1 || !got[0].DropTime.Equal(other.DropTime) {
		t.Errorf("осталось %+v, ожидалась только %+v", got, other)
	}
}

func TestSQLite_Exists(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()
	drop := time.Date(2024, 1, 1, 12, 30, 0, 250*int(time.Millisecond), time.UTC)
	rec := model.RetentionRecord{DropTime: drop, FilePath: "/srv/x.bin"}

	if ok, err := l.Exists(ctx, rec); err != nil || ok {
		t.Errorf("Exists до вставки = %v, %v", ok, err)
	}

	l.Insert(ctx, rec)
	if ok, err := l.Exists(ctx, rec); err != nil || !ok {
		t.Errorf("Exists после вставки = %v, %v", ok, err)
	}

	other := model.RetentionRecord{DropTime: drop.Add(time.Millisecond), FilePath: rec.FilePath}
	if ok, _ := l.Exists(ctx, other); ok {
		t.Error("Exists должен сравнивать и drop_time")
	}

	l.ForgetPath(ctx, rec.FilePath)
	if ok, _ := l.Exists(ctx, rec); ok {
		t.Error("запись найдена после ForgetPath")
	}
}

func TestSQLite_ForgetPath(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	l.Insert(ctx, model.RetentionRecord{DropTime: now, FilePath: "/srv/a"})
	l.Insert(ctx, model.RetentionRecord{DropTime: now.Add(time.Hour), FilePath: "/srv/a"})
	l.Insert(ctx, model.RetentionRecord{DropTime: now, FilePath: "/srv/b"})

	n, err := l.ForgetPath(ctx, "/srv/a")
	if err != nil {
		t.Fatalf("ForgetPath: %v", err)
	}
	if n != 2 {
		t.Errorf("удалено %d строк, ожидалось 2", n)
	}
	if got := collect(t, l); len(got) != 1 || got[0].FilePath != "/srv/b" {
		t.Errorf("осталось %+v", got)
	}
}

// Удаление строк во время открытого курсора Scan (как делает sweeper).
func TestSQLite_DeleteDuringScan(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		l.Insert(ctx, model.RetentionRecord{
			DropTime: base.Add(time.Duration(i) * time.Minute),
			FilePath: filepath.Join("/srv", string(rune('a'+i))),
		})
	}

	seen := 0
	for rec, err := range l.Scan(ctx) {
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		seen++
		if _, err := l.Delete(ctx, rec); err != nil {
			t.Fatalf("Delete во время Scan: %v", err)
		}
	}
	if seen != 5 {
		t.Errorf("просмотрено %d записей, ожидалось 5", seen)
	}
	if n, _ := l.Count(ctx); n != 0 {
		t.Errorf("осталось %d записей, ожидалось 0", n)
	}
}

func TestSQLite_ScanEarlyBreak(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		l.Insert(ctx, model.RetentionRecord{DropTime: base.Add(time.Duration(i) * time.Hour), FilePath: "/srv/f"})
	}

	seen := 0
	for _, err := range l.Scan(ctx) {
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		seen++
		break
	}
	if seen != 1 {
		t.Errorf("seen = %d, ожидалось 1", seen)
	}

	// Курсор закрыт, база доступна
	if err := l.Ping(ctx); err != nil {
		t.Errorf("Ping после break: %v", err)
	}
}

func TestSQLite_ReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	ctx := context.Background()
	drop := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

	l, err := OpenSQLite(ctx, path, testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	l.Insert(ctx, model.RetentionRecord{DropTime: drop, FilePath: "/srv/keep"})
	l.Close()

	// Повторное открытие: миграции не падают, данные на месте
	l, err = OpenSQLite(ctx, path, testLogger())
	if err != nil {
		t.Fatalf("повторный OpenSQLite: %v", err)
	}
	defer l.Close()

	got := collect(t, l)
	if len(got) != 1 || got[0].FilePath != "/srv/keep" || !got[0].DropTime.Equal(drop) {
		t.Errorf("после переоткрытия: %+v", got)
	}
}

func TestFormatParseTime(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 10*int(time.Millisecond), time.UTC)
	s := FormatTime(ts)
	if s != "2024-05-06T07:08:09.010Z" {
		t.Errorf("FormatTime = %q", s)
	}
	got, err := ParseTime(s)
	if err != nil || !got.Equal(ts) {
		t.Errorf("ParseTime = %v, %v", got, err)
	}

	got, err = ParseTime("2024-05-06T10:08:09+03:00")
	if err != nil {
		t.Fatalf("ParseTime(RFC3339): %v", err)
	}
	if !got.Equal(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)) {
		t.Errorf("ParseTime(RFC3339) = %v", got)
	}

	if _, err := ParseTime("вчера"); err == nil {
		t.Error("ожидалась ошибка для некорректного времени")
	}
}
