// Пакет filestore: операции с физическими файлами на диске.
// Обеспечивает атомарное перемещение из staging в директорию назначения,
// проверку MD5, идемпотентное удаление и удаление опустевших директорий.
//
// Все операции идут через afero.Fs: в production это ОС, в тестах -
// обёртки с внедрением отказов.
package filestore

import (
	"crypto/md5" //nolint:gosec // MD5: протокол x-md5, не криптография
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// partPrefix: префикс временного файла при копировании между томами.
const partPrefix = ".dropserver-part-"

// ErrChecksumMismatch: MD5 файла не совпал с ожидаемым.
var ErrChecksumMismatch = errors.New("контрольная сумма не совпадает")

// FileStore: управление физическими файлами на диске.
type FileStore struct {
	fs    afero.Fs
	locks *pathLocks
}

// New создаёт FileStore поверх указанной файловой системы.
func New(fs afero.Fs) *FileStore {
	return &FileStore{fs: fs, locks: newPathLocks()}
}

// LockPath захватывает блокировку итогового пути и возвращает функцию
// освобождения. Конвейер загрузки держит её от перемещения до записи в
// Ledger, sweeper: от проверки записи до её удаления. Повторный вызов
// функции освобождения безопасен.
func (s *FileStore) LockPath(path string) (unlock func()) {
	return s.locks.lock(path)
}

// Move перемещает src в dst.
//
// На одном томе выполняется один rename. Между томами (EXDEV) копирование во
// временный файл рядом с dst, fsync, rename на место, удаление src и
// проверка, что src действительно исчез. Так dst либо полностью записан,
// либо отсутствует.
//
// При любой ошибке src удаляется, частично записанные файлы тоже.
func (s *FileStore) Move(src, dst string) error {
	err := retry.Do(
		func() error {
			return s.fs.Rename(src, dst)
		},
		retry.Attempts(3),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
		// Директорию могли удалить как опустевшую между MkdirAll и rename
		retry.RetryIf(func(err error) bool {
			return !isCrossDevice(err) && s.parentMissing(dst)
		}),
		retry.OnRetry(func(_ uint, _ error) {
			_ = s.fs.MkdirAll(filepath.Dir(dst), 0o750)
		}),
	)
	if err == nil {
		return nil
	}

	if !isCrossDevice(err) {
		s.removeQuietly(src)
		return fmt.Errorf("ошибка переименования %s → %s: %w", src, dst, err)
	}

	if err := s.copyAcross(src, dst); err != nil {
		s.removeQuietly(src)
		return err
	}
	return nil
}

// copyAcross копирует src в dst через временный файл в директории dst.
func (s *FileStore) copyAcross(src, dst string) error {
	part := filepath.Join(filepath.Dir(dst), partPrefix+uuid.New().String())

	if err := s.copyFile(src, part); err != nil {
		s.removeQuietly(part)
		return err
	}

	if err := s.fs.Rename(part, dst); err != nil {
		s.removeQuietly(part)
		return fmt.Errorf("ошибка переименования %s → %s: %w", part, dst, err)
	}

	if err := s.fs.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.removeQuietly(dst)
		return fmt.Errorf("ошибка удаления исходного файла %s: %w", src, err)
	}
	if _, err := s.fs.Stat(src); err == nil {
		s.removeQuietly(dst)
		return fmt.Errorf("исходный файл %s не удалён после копирования", src)
	}
	return nil
}

// copyFile копирует содержимое src в новый файл dst с fsync.
func (s *FileStore) copyFile(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", src, err)
	}
	defer in.Close()

	out, err := s.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("ошибка копирования %s → %s: %w", src, dst, err)
	}

	// fsync для гарантии записи на диск
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("ошибка fsync %s: %w", dst, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия %s: %w", dst, err)
	}
	return nil
}

// ComputeMD5 вычисляет MD5 файла в hex.
func (s *FileStore) ComputeMD5(path string) (string, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	hasher := md5.New() //nolint:gosec
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления MD5 %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyMD5 сравнивает MD5 файла с ожидаемым значением без учёта регистра.
func (s *FileStore) VerifyMD5(path, expected string) error {
	actual, err := s.ComputeMD5(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: ожидалось %s, получено %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

// Remove удаляет файл. Отсутствие файла ошибкой не считается:
// removed=false, err=nil.
func (s *FileStore) Remove(path string) (removed bool, err error) {
	err = s.fs.Remove(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
}

// RemoveDirIfEmpty удаляет директорию, если в ней ничего нет.
// Рекурсии нет: если в директорию успели что-то положить, она остаётся.
func (s *FileStore) RemoveDirIfEmpty(dir string) (bool, error) {
	info, err := s.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return false, nil
	}

	empty, err := afero.IsEmpty(s.fs, dir)
	if err != nil {
		return false, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
	}
	if !empty {
		return false, nil
	}

	if err := s.fs.Remove(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) || isNotEmpty(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка удаления директории %s: %w", dir, err)
	}
	return true, nil
}

// DetectContentType определяет MIME-тип по содержимому файла.
// При ошибке чтения возвращает application/octet-stream.
func (s *FileStore) DetectContentType(path string) string {
	f, err := s.fs.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// parentMissing проверяет, исчезла ли директория назначения.
func (s *FileStore) parentMissing(dst string) bool {
	_, err := s.fs.Stat(filepath.Dir(dst))
	return errors.Is(err, os.ErrNotExist)
}

func (s *FileStore) removeQuietly(path string) {
	_ = s.fs.Remove(path)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}
