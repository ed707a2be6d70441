// Пакет errors: ошибки конвейера загрузки и их единое отображение в HTTP.
// Каждая ошибка несёт три поля: HTTP статус, подробность для лога и
// короткое сообщение для клиента. Ответ клиенту: plaintext.
package errors //nolint:revive // конфликт имени со stdlib, пакет импортируется как apierrors

import (
	"fmt"
	"net/http"
)

// Коды ошибок конвейера загрузки.
const (
	CodeAuthError            = "AUTH_ERROR"
	CodePathError            = "PATH_ERROR"
	CodeTTLError             = "TTL_ERROR"
	CodeFormError            = "FORM_ERROR"
	CodeDirectoryCreateError = "DIRECTORY_CREATE_ERROR"
	CodeRelocationError      = "RELOCATION_ERROR"
	CodeIntegrityError       = "INTEGRITY_ERROR"
	CodeLedgerError          = "LEDGER_ERROR"
)

// UploadError: ошибка загрузки с HTTP-кодом.
// LogDetail уходит только в лог, ClientMessage: в тело ответа.
type UploadError struct {
	StatusCode    int
	Code          string
	LogDetail     string
	ClientMessage string
	// Err: исходная причина (может быть nil)
	Err error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.LogDetail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.LogDetail)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Write записывает ответ ошибки: статус и короткое сообщение.
func Write(w http.ResponseWriter, e *UploadError) {
	WritePlain(w, e.StatusCode, e.ClientMessage)
}

// WritePlain записывает plaintext-ответ с указанным статусом.
func WritePlain(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(message))
}

// --- Конструкторы для ошибок клиента (400) ---

// AuthError: 400 отсутствующий или неизвестный токен.
func AuthError(detail string) *UploadError {
	return &UploadError{
		StatusCode:    http.StatusBadRequest,
		Code:          CodeAuthError,
		LogDetail:     detail,
		ClientMessage: "Miss Auth!",
	}
}

// PathError: 400 недопустимый x-subdir.
func PathError(detail string, err error) *UploadError {
	return &UploadError{
		StatusCode:    http.StatusBadRequest,
		Code:          CodePathError,
		LogDetail:     detail,
		ClientMessage: "Bad subdir!",
		Err:           err,
	}
}

// TTLError: 400 недопустимый x-ttl.
func TTLError(detail string) *UploadError {
	return &UploadError{
		StatusCode:    http.StatusBadRequest,
		Code:          CodeTTLError,
		LogDetail:     detail,
		ClientMessage: "Bad ttl!",
	}
}

// FormError: 400 некорректная multipart-форма или нет файла.
// clientMessage различает "Form parse error!" и "Miss file!".
func FormError(detail, clientMessage string, err error) *UploadError {
	return &UploadError{
		StatusCode:    http.StatusBadRequest,
		Code:          CodeFormError,
		LogDetail:     detail,
		ClientMessage: clientMessage,
		Err:           err,
	}
}

// --- Конструкторы для серверных ошибок (500) ---

// DirectoryCreateError: 500 не удалось создать директорию назначения.
func DirectoryCreateError(detail string, err error) *UploadError {
	return &UploadError{
		StatusCode:    http.StatusInternalServerError,
		Code:          CodeDirectoryCreateError,
		LogDetail:     detail,
		ClientMessage: "Upload error!",
		Err:           err,
	}
}

// RelocationError: 500 не удалось переместить файл из staging.
func RelocationError(detail string, err error) *UploadError {
	return &UploadError{
		StatusCode:    http.StatusInternalServerError,
		Code:          CodeRelocationError,
		LogDetail:     detail,
		ClientMessage: "Upload error!",
		Err:           err,
	}
}

// IntegrityError: 500 контрольная сумма не совпала.
func IntegrityError(detail string, err error) *UploadError {
	return &UploadError{
		StatusCode:    http.StatusInternalServerError,
		Code:          CodeIntegrityError,
		LogDetail:     detail,
		ClientMessage: "MD5 Error!",
		Err:           err,
	}
}

// LedgerError: 500 не удалось записать срок хранения.
func LedgerError(detail string, err error) *UploadError {
	return &UploadError{
		StatusCode:    http.StatusInternalServerError,
		Code:          CodeLedgerError,
		LogDetail:     detail,
		ClientMessage: "Upload error!",
		Err:           err,
	}
}
