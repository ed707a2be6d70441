// Пакет staging: приём тела multipart-запроса во временную директорию.
//
// Файл из формы пишется потоково в <tmpDir>/upload-<uuid>.tmp, без
// буферизации в памяти. Остальные части формы вычитываются и отбрасываются.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/bigkaa/dropserver/internal/domain/model"
)

const (
	tempPrefix = "upload-"
	tempSuffix = ".tmp"
)

var (
	// ErrMalformedForm: тело запроса не является корректной multipart-формой.
	ErrMalformedForm = errors.New("некорректная multipart-форма")
	// ErrNoFile: в форме нет файла в ожидаемом поле.
	ErrNoFile = errors.New("файл в форме отсутствует")
)

// Receiver принимает файл из multipart-запроса во временную директорию.
type Receiver struct {
	fs        afero.Fs
	dir       string
	fieldName string
	logger    *slog.Logger
}

// New создаёт Receiver. dir: директория staging, fieldName: имя поля формы.
func New(fs afero.Fs, dir, fieldName string, logger *slog.Logger) *Receiver {
	return &Receiver{
		fs:        fs,
		dir:       dir,
		fieldName: fieldName,
		logger:    logger.With(slog.String("component", "staging")),
	}
}

// Dir возвращает директорию staging.
func (r *Receiver) Dir() string {
	return r.dir
}

// IsTempName сообщает, похоже ли имя на временный файл Receiver.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}

// Receive читает тело запроса и сохраняет первую часть с именем поля
// fieldName и непустым filename во временный файл.
//
// При любой ошибке (в том числе отмене ctx) частично записанный
// временный файл удаляется.
func (r *Receiver) Receive(ctx context.Context, req *http.Request) (model.StagedFile, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return model.StagedFile{}, fmt.Errorf("%w: %w", ErrMalformedForm, err)
	}

	var (
		staged model.StagedFile
		found  bool
	)

	// cleanup удаляет уже сохранённый файл, если дальнейший разбор упал
	cleanup := func() {
		if found {
			if rmErr := r.fs.Remove(staged.TempPath); rmErr != nil && !os.IsNotExist(rmErr) {
				r.logger.Warn("Не удалось удалить временный файл",
					slog.String("path", staged.TempPath),
					slog.String("error", rmErr.Error()),
				)
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return model.StagedFile{}, err
		}

		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			return model.StagedFile{}, fmt.Errorf("%w: %w", ErrMalformedForm, err)
		}

		if found || part.FormName() != r.fieldName || part.FileName() == "" {
			// Чужие части вычитываем, чтобы дойти до конца тела
			_, err := io.Copy(io.Discard, &ctxReader{ctx: ctx, r: part})
			part.Close()
			if err != nil {
				cleanup()
				return model.StagedFile{}, r.readError(ctx, err)
			}
			continue
		}

		staged, err = r.save(ctx, part)
		part.Close()
		if err != nil {
			return model.StagedFile{}, err
		}
		found = true
	}

	if !found {
		return model.StagedFile{}, ErrNoFile
	}

	r.logger.Debug("Файл принят во временную директорию",
		slog.String("filename", staged.OriginalName),
		slog.String("path", staged.TempPath),
		slog.Int64("size", staged.Size),
	)
	return staged, nil
}

// save записывает часть формы во временный файл.
func (r *Receiver) save(ctx context.Context, part *multipart.Part) (model.StagedFile, error) {
	tempPath := filepath.Join(r.dir, tempPrefix+uuid.New().String()+tempSuffix)

	f, err := r.fs.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return model.StagedFile{}, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	n, copyErr := io.Copy(f, &ctxReader{ctx: ctx, r: part})
	closeErr := f.Close()

	if copyErr != nil || closeErr != nil {
		_ = r.fs.Remove(tempPath)
		if copyErr != nil {
			return model.StagedFile{}, r.readError(ctx, copyErr)
		}
		return model.StagedFile{}, fmt.Errorf("ошибка закрытия временного файла: %w", closeErr)
	}

	return model.StagedFile{
		OriginalName: part.FileName(),
		TempPath:     tempPath,
		Size:         n,
	}, nil
}

// readError классифицирует ошибку чтения тела: отмена контекста
// возвращается как есть, прочее: обрыв или порча формы.
func (r *Receiver) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return fmt.Errorf("ошибка записи временного файла: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrMalformedForm, err)
}

// ctxReader прерывает чтение при отмене контекста.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
