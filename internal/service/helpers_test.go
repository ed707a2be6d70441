package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/bigkaa/dropserver/internal/domain/model"
	"github.com/bigkaa/dropserver/internal/storage/filestore"
	"github.com/bigkaa/dropserver/internal/storage/ledger"
	"github.com/bigkaa/dropserver/internal/storage/pathres"
	"github.com/bigkaa/dropserver/internal/storage/staging"
)

// uploadTime: фиксированное «сейчас» для тестов.
var uploadTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv: окружение конвейера загрузки на временных директориях.
type testEnv struct {
	root     string
	tmp      string
	fs       afero.Fs
	resolver *pathres.Resolver
	store    *filestore.FileStore
	ledger   ledger.Ledger
	upload   *UploadService
}

// setupEnv создаёт окружение с токеном alice → alice и SQLite-ledger.
func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	led, err := ledger.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.sqlite"), testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	return setupEnvWithLedger(t, led)
}

func setupEnvWithLedger(t *testing.T, led ledger.Ledger) *testEnv {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "upload")
	tmp := filepath.Join(base, "tmp")
	for _, d := range []string{root, tmp} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}

	fs := afero.NewOsFs()
	resolver := pathres.New(fs, root, map[string]string{"alice": "alice", "bob": "team/bob"})
	store := filestore.New(fs)
	receiver := staging.New(fs, tmp, "ufile", testLogger())

	svc := NewUploadService(resolver, receiver, store, led, 7, 36500, testLogger())
	svc.now = func() time.Time { return uploadTime }
	svc.retryDelay = time.Millisecond

	return &testEnv{
		root:     root,
		tmp:      tmp,
		fs:       fs,
		resolver: resolver,
		store:    store,
		ledger:   led,
		upload:   svc,
	}
}

// multipartRequest формирует запрос с файлом в поле ufile.
func multipartRequest(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		w, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		io.WriteString(w, content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func ledgerRecords(t *testing.T, led ledger.Ledger) []model.RetentionRecord {
	t.Helper()
	var out []model.RetentionRecord
	for rec, err := range led.Scan(context.Background()) {
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir %s: %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// memLedger: Ledger в памяти с внедрением ошибок.
type memLedger struct {
	mu         sync.Mutex
	records    []model.RetentionRecord
	failInsert error
	failDelete error
}

func (m *memLedger) Insert(_ context.Context, rec model.RetentionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memLedger) Scan(_ context.Context) iter.Seq2[model.RetentionRecord, error] {
	m.mu.Lock()
	snapshot := slices.Clone(m.records)
	m.mu.Unlock()

	slices.SortStableFunc(snapshot, func(a, b model.RetentionRecord) int {
		return a.DropTime.Compare(b.DropTime)
	})
	return func(yield func(model.RetentionRecord, error) bool) {
		for _, rec := range snapshot {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *memLedger) Delete(_ context.Context, rec model.RetentionRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return 0, m.failDelete
	}
	before := len(m.records)
	m.records = slices.DeleteFunc(m.records, func(r model.RetentionRecord) bool {
		return r.FilePath == rec.FilePath && r.DropTime.Equal(rec.DropTime)
	})
	return int64(before - len(m.records)), nil
}

func (m *memLedger) Exists(_ context.Context, rec model.RetentionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.ContainsFunc(m.records, func(r model.RetentionRecord) bool {
		return r.FilePath == rec.FilePath && r.DropTime.Equal(rec.DropTime)
	}), nil
}

func (m *memLedger) ForgetPath(_ context.Context, filePath string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.records)
	m.records = slices.DeleteFunc(m.records, func(r model.RetentionRecord) bool {
		return r.FilePath == filePath
	})
	return int64(before - len(m.records)), nil
}

func (m *memLedger) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func (m *memLedger) Ping(context.Context) error { return nil }

func (m *memLedger) Close() error { return nil }

var errLedgerDown = errors.New("ledger недоступен")

// forgetHookLedger однократно вызывает hook перед ForgetPath: в этот момент
// новый файл уже на итоговом месте, а прежняя запись ещё не снята.
type forgetHookLedger struct {
	ledger.Ledger
	mu   sync.Mutex
	hook func()
}

func (l *forgetHookLedger) setHook(hook func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

func (l *forgetHookLedger) ForgetPath(ctx context.Context, filePath string) (int64, error) {
	l.mu.Lock()
	hook := l.hook
	l.hook = nil
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
	return l.Ledger.ForgetPath(ctx, filePath)
}
