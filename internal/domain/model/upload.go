// Пакет model: доменные модели dropserver.
package model

import "time"

// UploadRequest: параметры загрузки, извлечённые из заголовков запроса.
// Живёт ровно один запрос.
type UploadRequest struct {
	// Token: значение x-token, выбирает директорию назначения
	Token string
	// Subdir: значение x-subdir (относительный путь, по умолчанию пустой)
	Subdir string
	// TTLDays: срок хранения в днях, 0: бессрочно
	TTLDays int
	// ExpectedMD5: значение x-md5, пусто если проверка не запрошена
	ExpectedMD5 string
	// RemoteAddr: адрес клиента, только для логов
	RemoteAddr string
}

// StagedFile: файл, принятый во временную директорию.
type StagedFile struct {
	// OriginalName: имя файла, заявленное клиентом в multipart
	OriginalName string
	// TempPath: путь временного файла в staging
	TempPath string
	// Size: количество принятых байт
	Size int64
}

// RetentionRecord: запись о сроке хранения загруженного файла.
// Пара (DropTime, FilePath) однозначно идентифицирует запись при удалении.
type RetentionRecord struct {
	DropTime time.Time
	FilePath string
}

// IsDue возвращает true, если срок хранения истёк к моменту now.
func (r RetentionRecord) IsDue(now time.Time) bool {
	return !now.Before(r.DropTime)
}

// DropTimeFor вычисляет момент удаления для файла, принятого в момент now,
// с TTL в календарных днях. Время усекается до миллисекунд, чтобы
// совпадать с точностью хранения в Ledger. Возвращает false для
// бессрочного хранения.
func DropTimeFor(now time.Time, ttlDays int) (time.Time, bool) {
	if ttlDays <= 0 {
		return time.Time{}, false
	}
	return now.UTC().Truncate(time.Millisecond).AddDate(0, 0, ttlDays), true
}
