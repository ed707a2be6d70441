// health.go: обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/bigkaa/dropserver/internal/config"
)

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// LedgerPinger: проверка доступности Retention Ledger.
type LedgerPinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	fs      afero.Fs
	// uploadDir: корень загрузок (запись + свободное место)
	uploadDir string
	// stagingDir: директория временных файлов
	stagingDir string
	ledger     LedgerPinger
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(fs afero.Fs, uploadDir, stagingDir string, ledger LedgerPinger) *HealthHandler {
	return &HealthHandler{
		version:    config.Version,
		fs:         fs,
		uploadDir:  uploadDir,
		stagingDir: stagingDir,
		ledger:     ledger,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "dropserver",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: запись в корень загрузок и staging, доступность Ledger.
// Свободное место только отображается.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{
		"upload_dir":  h.checkWritable(h.uploadDir),
		"staging_dir": h.checkWritable(h.stagingDir),
		"ledger":      h.checkLedger(r.Context()),
		"disk":        h.checkDisk(),
	}

	overallStatus := statusOK
	httpStatus := http.StatusOK
	for _, name := range []string{"upload_dir", "staging_dir", "ledger"} {
		if checks[name].(map[string]any)["status"] != statusOK {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "dropserver",
		"checks":    checks,
	})
}

// checkWritable проверяет директорию на запись созданием пробного файла.
func (h *HealthHandler) checkWritable(dir string) map[string]any {
	testFile := filepath.Join(dir, ".health_check-"+uuid.New().String())
	if err := afero.WriteFile(h.fs, testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория недоступна для записи: " + err.Error(),
		}
	}
	_ = h.fs.Remove(testFile)

	return map[string]any{"status": statusOK}
}

func (h *HealthHandler) checkLedger(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.ledger.Ping(ctx); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Ledger недоступен: " + err.Error(),
		}
	}
	return map[string]any{"status": statusOK}
}

func (h *HealthHandler) checkDisk() map[string]any {
	total, available, err := diskUsage(h.uploadDir)
	if err != nil {
		return map[string]any{
			"status":  "unknown",
			"message": err.Error(),
		}
	}
	return map[string]any{
		"status":    statusOK,
		"total":     humanize.IBytes(total),
		"available": humanize.IBytes(available),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
