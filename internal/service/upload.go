// Пакет service: бизнес-логика dropserver.
// upload.go: конвейер приёма загрузки. Проверка заголовков, приём файла
// и подготовка директории параллельно, перемещение, проверка MD5,
// запись срока хранения.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	apierrors "github.com/bigkaa/dropserver/internal/api/errors"
	"github.com/bigkaa/dropserver/internal/api/middleware"
	"github.com/bigkaa/dropserver/internal/domain/model"
	"github.com/bigkaa/dropserver/internal/storage/filestore"
	"github.com/bigkaa/dropserver/internal/storage/ledger"
	"github.com/bigkaa/dropserver/internal/storage/pathres"
	"github.com/bigkaa/dropserver/internal/storage/staging"
)

var ttlPattern = regexp.MustCompile(`^[0-9]+$`)

// UploadHeaders: сырые значения заголовков запроса.
type UploadHeaders struct {
	Token  string
	Subdir string
	TTL    string
	// HasTTL: заголовок x-ttl присутствует (пустое значение равносильно отсутствию)
	HasTTL     bool
	MD5        string
	RemoteAddr string
}

// UploadResult: результат успешной загрузки.
type UploadResult struct {
	FinalPath   string
	Size        int64
	ContentType string
	// DropTime: момент удаления, nil для бессрочного хранения
	DropTime *time.Time
}

// UploadService: конвейер приёма загрузок.
type UploadService struct {
	resolver   *pathres.Resolver
	receiver   *staging.Receiver
	store      *filestore.FileStore
	ledger     ledger.Ledger
	defaultTTL int
	maxTTL     int
	logger     *slog.Logger

	// now и retryDelay подменяются в тестах
	now        func() time.Time
	retryDelay time.Duration
}

// NewUploadService создаёт конвейер приёма загрузок.
func NewUploadService(
	resolver *pathres.Resolver,
	receiver *staging.Receiver,
	store *filestore.FileStore,
	led ledger.Ledger,
	defaultTTL, maxTTL int,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		resolver:   resolver,
		receiver:   receiver,
		store:      store,
		ledger:     led,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		logger:     logger.With(slog.String("component", "upload_service")),
		now:        time.Now,
		retryDelay: 100 * time.Millisecond,
	}
}

// ParseHeaders проверяет заголовки в порядке token, subdir, ttl и
// возвращает параметры загрузки.
func (s *UploadService) ParseHeaders(h UploadHeaders) (model.UploadRequest, *apierrors.UploadError) {
	if h.Token == "" {
		return model.UploadRequest{}, apierrors.AuthError("заголовок x-token отсутствует")
	}
	if !s.resolver.HasToken(h.Token) {
		return model.UploadRequest{}, apierrors.AuthError("неизвестный токен")
	}

	if _, err := s.resolver.Validate(h.Token, h.Subdir); err != nil {
		return model.UploadRequest{}, apierrors.PathError(
			fmt.Sprintf("недопустимый x-subdir %q", h.Subdir), err)
	}

	ttl := s.defaultTTL
	if h.HasTTL && h.TTL != "" {
		if !ttlPattern.MatchString(h.TTL) {
			return model.UploadRequest{}, apierrors.TTLError(
				fmt.Sprintf("x-ttl %q не является неотрицательным целым", h.TTL))
		}
		n, err := strconv.Atoi(h.TTL)
		if err != nil || n > s.maxTTL {
			return model.UploadRequest{}, apierrors.TTLError(
				fmt.Sprintf("x-ttl %q превышает максимум %d дней", h.TTL, s.maxTTL))
		}
		ttl = n
	}

	return model.UploadRequest{
		Token:       h.Token,
		Subdir:      h.Subdir,
		TTLDays:     ttl,
		ExpectedMD5: h.MD5,
		RemoteAddr:  h.RemoteAddr,
	}, nil
}

// Upload выполняет загрузку целиком: от заголовков до записи в Ledger.
// Результат логируется: INFO при успехе, WARN при ошибке.
func (s *UploadService) Upload(ctx context.Context, h UploadHeaders, r *http.Request) (*UploadResult, *apierrors.UploadError) {
	result, uerr := s.upload(ctx, h, r)

	if uerr != nil {
		middleware.UploadsTotal.WithLabelValues(uerr.Code).Inc()
		attrs := []any{
			slog.String("code", uerr.Code),
			slog.Int("status", uerr.StatusCode),
			slog.String("detail", uerr.LogDetail),
			slog.String("remote_addr", h.RemoteAddr),
			slog.String("request_id", middleware.RequestIDFromContext(ctx)),
		}
		if uerr.Err != nil {
			attrs = append(attrs, slog.String("error", uerr.Err.Error()))
		}
		s.logger.Warn("Загрузка отклонена", attrs...)
		return nil, uerr
	}

	middleware.UploadsTotal.WithLabelValues("ok").Inc()
	middleware.UploadBytesTotal.Add(float64(result.Size))

	attrs := []any{
		slog.String("path", result.FinalPath),
		slog.String("size", humanize.IBytes(uint64(result.Size))),
		slog.String("content_type", result.ContentType),
		slog.String("remote_addr", h.RemoteAddr),
		slog.String("request_id", middleware.RequestIDFromContext(ctx)),
	}
	if result.DropTime != nil {
		attrs = append(attrs, slog.String("drop_time", ledger.FormatTime(*result.DropTime)))
	}
	s.logger.Info("Файл загружен", attrs...)
	return result, nil
}

func (s *UploadService) upload(ctx context.Context, h UploadHeaders, r *http.Request) (*UploadResult, *apierrors.UploadError) {
	// 1. Заголовки
	req, uerr := s.ParseHeaders(h)
	if uerr != nil {
		return nil, uerr
	}

	// 2. Приём файла и подготовка директории параллельно
	staged, dir, uerr := s.stageAndResolve(ctx, req, r)
	if uerr != nil {
		return nil, uerr
	}

	// 3. Имя файла
	name, err := pathres.SanitizeFilename(staged.OriginalName)
	if err != nil {
		s.store.Remove(staged.TempPath)
		return nil, apierrors.FormError(
			fmt.Sprintf("недопустимое имя файла %q", staged.OriginalName), "Miss file!", err)
	}
	finalPath := filepath.Join(dir, name)

	// Файл уже принят: отмена запроса клиентом не должна оставить
	// перемещённый файл без записи в Ledger.
	ctx = context.WithoutCancel(ctx)

	// Sweeper не трогает путь, пока новый файл не получил запись в Ledger
	unlock := s.store.LockPath(finalPath)
	defer unlock()

	// 4. Перемещение из staging
	if err := s.store.Move(staged.TempPath, finalPath); err != nil {
		return nil, apierrors.RelocationError(
			fmt.Sprintf("ошибка перемещения %s → %s", staged.TempPath, finalPath), err)
	}

	// 5. Проверка MD5
	if req.ExpectedMD5 != "" {
		if err := s.store.VerifyMD5(finalPath, req.ExpectedMD5); err != nil {
			s.discardFinal(ctx, finalPath)
			return nil, apierrors.IntegrityError(
				fmt.Sprintf("MD5 %s не совпадает с ожидаемым %s", finalPath, req.ExpectedMD5), err)
		}
	}

	// 6. Срок хранения
	dropTime, uerr := s.record(ctx, finalPath, req.TTLDays)
	if uerr != nil {
		s.discardFinal(ctx, finalPath)
		return nil, uerr
	}

	result := &UploadResult{
		FinalPath:   finalPath,
		Size:        staged.Size,
		ContentType: s.store.DetectContentType(finalPath),
		DropTime:    dropTime,
	}
	return result, nil
}

// stageAndResolve принимает файл во временную директорию и создаёт
// директорию назначения параллельно. При ошибке любой ветки временный
// файл удаляется.
func (s *UploadService) stageAndResolve(ctx context.Context, req model.UploadRequest, r *http.Request) (model.StagedFile, string, *apierrors.UploadError) {
	var (
		staged            model.StagedFile
		dir               string
		stageErr, pathErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		staged, stageErr = s.receiver.Receive(gctx, r)
		return stageErr
	})
	g.Go(func() error {
		dir, pathErr = s.resolver.Resolve(req.Token, req.Subdir)
		return pathErr
	})
	_ = g.Wait()

	if stageErr == nil && pathErr == nil {
		return staged, dir, nil
	}

	if stageErr == nil {
		s.store.Remove(staged.TempPath)
	}

	// Ошибка директории первична: приём при ней отменяется контекстом
	if pathErr != nil {
		if errors.Is(pathErr, pathres.ErrDirectoryCreate) {
			return model.StagedFile{}, "", apierrors.DirectoryCreateError(
				"ошибка создания директории назначения", pathErr)
		}
		return model.StagedFile{}, "", apierrors.PathError("недопустимый путь назначения", pathErr)
	}

	switch {
	case errors.Is(stageErr, staging.ErrNoFile):
		return model.StagedFile{}, "", apierrors.FormError("в форме нет файла", "Miss file!", stageErr)
	case errors.Is(stageErr, staging.ErrMalformedForm),
		errors.Is(stageErr, context.Canceled),
		errors.Is(stageErr, context.DeadlineExceeded):
		return model.StagedFile{}, "", apierrors.FormError("ошибка разбора формы", "Form parse error!", stageErr)
	default:
		return model.StagedFile{}, "", apierrors.RelocationError("ошибка записи во временную директорию", stageErr)
	}
}

// record заменяет записи о прежнем файле по тому же пути и, если ttl > 0,
// добавляет новую. Вызывается строго после того, как файл на месте.
func (s *UploadService) record(ctx context.Context, finalPath string, ttlDays int) (*time.Time, *apierrors.UploadError) {
	dropTime, expires := model.DropTimeFor(s.now(), ttlDays)

	err := retry.Do(
		func() error {
			if _, err := s.ledger.ForgetPath(ctx, finalPath); err != nil {
				return err
			}
			if !expires {
				return nil
			}
			return s.ledger.Insert(ctx, model.RetentionRecord{DropTime: dropTime, FilePath: finalPath})
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(s.retryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("Повтор записи в Ledger",
				slog.String("path", finalPath),
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		return nil, apierrors.LedgerError(fmt.Sprintf("ошибка записи срока хранения %s", finalPath), err)
	}

	if !expires {
		return nil, nil
	}
	return &dropTime, nil
}

// discardFinal удаляет файл, уже перемещённый на итоговое место, и все
// записи Ledger о нём: прежний файл по этому пути перезаписан.
func (s *UploadService) discardFinal(ctx context.Context, finalPath string) {
	if _, err := s.store.Remove(finalPath); err != nil {
		s.logger.Error("Не удалось удалить итоговый файл",
			slog.String("path", finalPath),
			slog.String("error", err.Error()),
		)
	}
	if _, err := s.ledger.ForgetPath(ctx, finalPath); err != nil {
		s.logger.Warn("Не удалось удалить записи Ledger об удалённом файле",
			slog.String("path", finalPath),
			slog.String("error", err.Error()),
		)
	}
}
