// Пакет config: загрузка и валидация конфигурации dropserver
// из переменных окружения (и опционального .env) и файла токенов.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Драйверы Retention Ledger.
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Config содержит все параметры конфигурации dropserver.
type Config struct {
	// IP-адрес, на котором слушает HTTPS-сервер
	BindIP string
	// Порт HTTPS-сервера
	Port int
	// Корневая директория загруженных файлов
	UploadDir string
	// Директория временных файлов (staging)
	UploadTmpDir string
	// Путь к YAML-файлу с токенами
	TokensFile string
	// Токен → директория внутри UploadDir
	Tokens map[string]string
	// TTL по умолчанию в днях (0: хранить бессрочно)
	DefaultTTL int
	// Максимально допустимое значение x-ttl в днях
	MaxTTL int
	// Имя поля multipart-формы с файлом
	FormField string
	// Интервал запуска очистки устаревших файлов
	PurgeInterval time.Duration
	// Возраст, после которого файл в staging считается брошенным (0: не чистить)
	StagingMaxAge time.Duration
	// Драйвер хранилища записей о сроках хранения (sqlite, postgres)
	LedgerDriver string
	// DSN хранилища: путь к файлу sqlite или URL PostgreSQL
	LedgerDSN string
	// Путь к TLS сертификату
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Таймаут простоя keep-alive соединения
	KeepAliveTimeout time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Имя вершины графа в метриках topologymetrics
	ServiceID string
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
}

// Addr возвращает адрес для net.Listen.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindIP, c.Port)
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// Если в рабочей директории есть .env, переменные из него подхватываются
// без перезаписи уже заданных в окружении.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".env: %w", err)
	}

	cfg := &Config{}
	var err error

	// DS_BIND_IP: адрес прослушивания (по умолчанию все интерфейсы)
	cfg.BindIP = getEnvDefault("DS_BIND_IP", "0.0.0.0")

	// DS_PORT: порт HTTPS-сервера (по умолчанию 8443)
	port, err := getEnvInt("DS_PORT", 8443)
	if err != nil {
		return nil, fmt.Errorf("DS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("DS_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// DS_UPLOAD_DIR: обязательный
	cfg.UploadDir, err = getEnvRequired("DS_UPLOAD_DIR")
	if err != nil {
		return nil, err
	}

	// DS_UPLOAD_TMP_DIR: обязательный
	cfg.UploadTmpDir, err = getEnvRequired("DS_UPLOAD_TMP_DIR")
	if err != nil {
		return nil, err
	}

	// DS_TOKENS_FILE: обязательный
	cfg.TokensFile, err = getEnvRequired("DS_TOKENS_FILE")
	if err != nil {
		return nil, err
	}
	cfg.Tokens, err = LoadTokens(cfg.TokensFile)
	if err != nil {
		return nil, fmt.Errorf("DS_TOKENS_FILE: %w", err)
	}

	// DS_DEFAULT_TTL: TTL по умолчанию в днях (по умолчанию 7)
	cfg.DefaultTTL, err = getEnvInt("DS_DEFAULT_TTL", 7)
	if err != nil {
		return nil, fmt.Errorf("DS_DEFAULT_TTL: %w", err)
	}
	if cfg.DefaultTTL < 0 {
		return nil, fmt.Errorf("DS_DEFAULT_TTL: значение не может быть отрицательным")
	}

	// DS_MAX_TTL: верхняя граница x-ttl (по умолчанию 100 лет)
	cfg.MaxTTL, err = getEnvInt("DS_MAX_TTL", 36500)
	if err != nil {
		return nil, fmt.Errorf("DS_MAX_TTL: %w", err)
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		return nil, fmt.Errorf("DS_MAX_TTL: значение %d должно быть >= DS_DEFAULT_TTL (%d)",
			cfg.MaxTTL, cfg.DefaultTTL)
	}

	// DS_FORM_FIELD: имя поля с файлом (по умолчанию ufile)
	cfg.FormField = getEnvDefault("DS_FORM_FIELD", "ufile")

	// DS_PURGE_INTERVAL: интервал очистки (по умолчанию 60s)
	cfg.PurgeInterval, err = getEnvDuration("DS_PURGE_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DS_PURGE_INTERVAL: %w", err)
	}
	if cfg.PurgeInterval <= 0 {
		return nil, fmt.Errorf("DS_PURGE_INTERVAL: значение должно быть положительным")
	}

	// DS_STAGING_MAX_AGE: возраст брошенных временных файлов (по умолчанию 24h)
	cfg.StagingMaxAge, err = getEnvDuration("DS_STAGING_MAX_AGE", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DS_STAGING_MAX_AGE: %w", err)
	}

	// DS_LEDGER_DRIVER: sqlite или postgres (по умолчанию sqlite)
	cfg.LedgerDriver = getEnvDefault("DS_LEDGER_DRIVER", LedgerSQLite)
	if cfg.LedgerDriver != LedgerSQLite && cfg.LedgerDriver != LedgerPostgres {
		return nil, fmt.Errorf("DS_LEDGER_DRIVER: недопустимое значение %q, допустимые: sqlite, postgres", cfg.LedgerDriver)
	}

	// DS_LEDGER_DSN: для sqlite по умолчанию ./database.sqlite, для postgres обязательный
	if cfg.LedgerDriver == LedgerPostgres {
		cfg.LedgerDSN, err = getEnvRequired("DS_LEDGER_DSN")
		if err != nil {
			return nil, err
		}
	} else {
		cfg.LedgerDSN = getEnvDefault("DS_LEDGER_DSN", "./database.sqlite")
	}

	// DS_TLS_CERT: обязательный
	cfg.TLSCert, err = getEnvRequired("DS_TLS_CERT")
	if err != nil {
		return nil, err
	}

	// DS_TLS_KEY: обязательный
	cfg.TLSKey, err = getEnvRequired("DS_TLS_KEY")
	if err != nil {
		return nil, err
	}

	// DS_KEEPALIVE_TIMEOUT: таймаут простоя соединения (по умолчанию 300s)
	cfg.KeepAliveTimeout, err = getEnvDuration("DS_KEEPALIVE_TIMEOUT", 300*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_KEEPALIVE_TIMEOUT: %w", err)
	}

	// DS_SHUTDOWN_TIMEOUT: таймаут graceful shutdown (по умолчанию 10s)
	cfg.ShutdownTimeout, err = getEnvDuration("DS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_SHUTDOWN_TIMEOUT: %w", err)
	}

	// DS_LOG_LEVEL: уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DS_LOG_LEVEL: %w", err)
	}

	// DS_LOG_FORMAT: формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("DS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ServiceID = getEnvDefault("DS_SERVICE_ID", "dropserver")
	cfg.DephealthGroup = getEnvDefault("DS_DEPHEALTH_GROUP", "dropserver")

	// DS_DEPHEALTH_CHECK_INTERVAL: интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("DS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
// Голое целое число трактуется как секунды.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте секунды или формат Go: 30s, 1h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
