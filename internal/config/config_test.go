package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"DS_BIND_IP", "DS_PORT", "DS_UPLOAD_DIR", "DS_UPLOAD_TMP_DIR", "DS_TOKENS_FILE",
	"DS_DEFAULT_TTL", "DS_MAX_TTL", "DS_FORM_FIELD", "DS_PURGE_INTERVAL",
	"DS_STAGING_MAX_AGE", "DS_LEDGER_DRIVER", "DS_LEDGER_DSN", "DS_TLS_CERT",
	"DS_TLS_KEY", "DS_KEEPALIVE_TIMEOUT", "DS_SHUTDOWN_TIMEOUT", "DS_LOG_LEVEL",
	"DS_LOG_FORMAT", "DS_SERVICE_ID", "DS_DEPHEALTH_GROUP", "DS_DEPHEALTH_CHECK_INTERVAL",
}

// setMinimalEnv очищает все DS_* и задаёт обязательные переменные.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}

	tokens := filepath.Join(t.TempDir(), "tokens.yaml")
	if err := os.WriteFile(tokens, []byte("tokens:\n  alice:\n    dir: alice\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("DS_UPLOAD_DIR", "/srv/upload")
	t.Setenv("DS_UPLOAD_TMP_DIR", "/srv/tmp")
	t.Setenv("DS_TOKENS_FILE", tokens)
	t.Setenv("DS_TLS_CERT", "/etc/dropserver/cert.pem")
	t.Setenv("DS_TLS_KEY", "/etc/dropserver/key.pem")
}

func TestLoad_Defaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr() != "0.0.0.0:8443" {
		t.Errorf("Addr = %s", cfg.Addr())
	}
	if cfg.DefaultTTL != 7 || cfg.MaxTTL != 36500 {
		t.Errorf("TTL = %d/%d", cfg.DefaultTTL, cfg.MaxTTL)
	}
	if cfg.FormField != "ufile" {
		t.Errorf("FormField = %s", cfg.FormField)
	}
	if cfg.PurgeInterval != time.Minute {
		t.Errorf("PurgeInterval = %v", cfg.PurgeInterval)
	}
	if cfg.StagingMaxAge != 24*time.Hour {
		t.Errorf("StagingMaxAge = %v", cfg.StagingMaxAge)
	}
	if cfg.LedgerDriver != LedgerSQLite || cfg.LedgerDSN != "./database.sqlite" {
		t.Errorf("Ledger = %s %s", cfg.LedgerDriver, cfg.LedgerDSN)
	}
	if cfg.KeepAliveTimeout != 300*time.Second || cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("таймауты: %v %v", cfg.KeepAliveTimeout, cfg.ShutdownTimeout)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "json" {
		t.Errorf("логирование: %v %s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Tokens["alice"] != "alice" {
		t.Errorf("Tokens = %v", cfg.Tokens)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("DS_BIND_IP", "127.0.0.1")
	t.Setenv("DS_PORT", "9443")
	t.Setenv("DS_DEFAULT_TTL", "0")
	t.Setenv("DS_PURGE_INTERVAL", "30")
	t.Setenv("DS_STAGING_MAX_AGE", "2h")
	t.Setenv("DS_LOG_LEVEL", "debug")
	t.Setenv("DS_LOG_FORMAT", "text")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9443" {
		t.Errorf("Addr = %s", cfg.Addr())
	}
	if cfg.DefaultTTL != 0 {
		t.Errorf("DefaultTTL = %d", cfg.DefaultTTL)
	}
	if cfg.PurgeInterval != 30*time.Second {
		t.Errorf("голое число должно трактоваться как секунды: %v", cfg.PurgeInterval)
	}
	if cfg.StagingMaxAge != 2*time.Hour {
		t.Errorf("StagingMaxAge = %v", cfg.StagingMaxAge)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "text" {
		t.Errorf("логирование: %v %s", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"нет upload dir", "DS_UPLOAD_DIR", "", "DS_UPLOAD_DIR"},
		{"нет tmp dir", "DS_UPLOAD_TMP_DIR", "", "DS_UPLOAD_TMP_DIR"},
		{"нет файла токенов", "DS_TOKENS_FILE", "", "DS_TOKENS_FILE"},
		{"файл токенов не существует", "DS_TOKENS_FILE", "/nonexistent/tokens.yaml", "DS_TOKENS_FILE"},
		{"нет сертификата", "DS_TLS_CERT", "", "DS_TLS_CERT"},
		{"нет ключа", "DS_TLS_KEY", "", "DS_TLS_KEY"},
		{"порт не число", "DS_PORT", "https", "DS_PORT"},
		{"порт вне диапазона", "DS_PORT", "70000", "DS_PORT"},
		{"отрицательный TTL", "DS_DEFAULT_TTL", "-1", "DS_DEFAULT_TTL"},
		{"MAX_TTL меньше DEFAULT", "DS_MAX_TTL", "3", "DS_MAX_TTL"},
		{"нулевой интервал очистки", "DS_PURGE_INTERVAL", "0", "DS_PURGE_INTERVAL"},
		{"некорректный интервал", "DS_PURGE_INTERVAL", "soon", "DS_PURGE_INTERVAL"},
		{"неизвестный драйвер", "DS_LEDGER_DRIVER", "mysql", "DS_LEDGER_DRIVER"},
		{"postgres без DSN", "DS_LEDGER_DRIVER", "postgres", "DS_LEDGER_DSN"},
		{"уровень логов", "DS_LOG_LEVEL", "verbose", "DS_LOG_LEVEL"},
		{"формат логов", "DS_LOG_FORMAT", "xml", "DS_LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setMinimalEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("ожидалась ошибка")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ошибка %q не упоминает %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Postgres(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("DS_LEDGER_DRIVER", "postgres")
	t.Setenv("DS_LEDGER_DSN", "postgres://u:p@db:5432/dropserver?sslmode=disable")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LedgerDriver != LedgerPostgres || !strings.HasPrefix(cfg.LedgerDSN, "postgres://") {
		t.Errorf("Ledger = %s %s", cfg.LedgerDriver, cfg.LedgerDSN)
	}
}

func TestParseTokens(t *testing.T) {
	valid := `
tokens:
  alice:
    dir: alice
  ci-builds:
    dir: builds/ci/
`
	tokens, err := ParseTokens([]byte(valid))
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	if tokens["alice"] != "alice" || tokens["ci-builds"] != "builds/ci" {
		t.Errorf("tokens = %v", tokens)
	}

	invalid := map[string]string{
		"пустой файл":       ``,
		"нет токенов":       "tokens: {}\n",
		"нет dir":           "tokens:\n  alice: {}\n",
		"traversal":         "tokens:\n  alice:\n    dir: ../etc\n",
		"абсолютный путь":   "tokens:\n  alice:\n    dir: /etc\n",
		"обратный слеш":     "tokens:\n  alice:\n    dir: 'a\\b'\n",
		"точка":             "tokens:\n  alice:\n    dir: .\n",
		"некорректный YAML": "tokens: [\n",
		"непечатный токен":  "tokens:\n  \"a\\tb\":\n    dir: a\n",
	}
	for name, data := range invalid {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseTokens([]byte(data)); err == nil {
				t.Error("ожидалась ошибка")
			}
		})
	}
}
