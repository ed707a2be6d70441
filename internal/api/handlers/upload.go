// upload.go: HTTP handler приёма загрузок.
// Параметры передаются заголовками x-token, x-subdir, x-ttl, x-md5,
// файл передаётся multipart-формой, ответ в plaintext.
package handlers

import (
	"fmt"
	"net/http"

	apierrors "github.com/bigkaa/dropserver/internal/api/errors"
	"github.com/bigkaa/dropserver/internal/service"
)

// Заголовки запроса загрузки.
const (
	HeaderToken  = "X-Token"
	HeaderSubdir = "X-Subdir"
	HeaderTTL    = "X-Ttl"
	HeaderMD5    = "X-Md5"
)

// UploadHandler: обработчик загрузки файлов.
type UploadHandler struct {
	uploadSvc *service.UploadService
}

// NewUploadHandler создаёт обработчик загрузки файлов.
func NewUploadHandler(uploadSvc *service.UploadService) *UploadHandler {
	return &UploadHandler{uploadSvc: uploadSvc}
}

// Upload обрабатывает POST / и POST /upload.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ttlValues, hasTTL := r.Header[HeaderTTL]
	ttl := ""
	if hasTTL && len(ttlValues) > 0 {
		ttl = ttlValues[0]
	}

	result, uploadErr := h.uploadSvc.Upload(r.Context(), service.UploadHeaders{
		Token:      r.Header.Get(HeaderToken),
		Subdir:     r.Header.Get(HeaderSubdir),
		TTL:        ttl,
		HasTTL:     hasTTL,
		MD5:        r.Header.Get(HeaderMD5),
		RemoteAddr: r.RemoteAddr,
	}, r)
	if uploadErr != nil {
		apierrors.Write(w, uploadErr)
		return
	}

	apierrors.WritePlain(w, http.StatusOK, fmt.Sprintf("Upload OK, file '%s'", result.FinalPath))
}
