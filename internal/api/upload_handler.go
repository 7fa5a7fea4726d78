package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"modelhub/internal/middleware"
	"modelhub/internal/staging"

	"github.com/go-chi/chi/v5"
)

// UploadHandler 提供文件暂存与提交两个端点。暂存同步返回不透明引用，
// 提交只做快速校验并受理，升级在请求路径之外完成。
type UploadHandler struct {
	stager    *staging.Stager
	committer *staging.Committer
	maxBytes  int64
}

func NewUploadHandler(stager *staging.Stager, committer *staging.Committer, maxBytes int64) *UploadHandler {
	return &UploadHandler{stager: stager, committer: committer, maxBytes: maxBytes}
}

func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", h.StageFile)
		r.Post("/commit", h.CommitUpload)
	})
}

const multipartMemoryBudget int64 = 16 * 1024 * 1024

// StageFile 接受 multipart/form-data 上传，写入隔离区并返回引用。
func (h *UploadHandler) StageFile(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartMemoryBudget)
	defer r.Body.Close()

	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header != nil && header.Size > h.maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds size limit")
		return
	}

	category := strings.TrimSpace(r.FormValue("category"))
	entityID := strings.TrimSpace(r.FormValue("entity_id"))
	field := strings.TrimSpace(r.FormValue("field"))

	reference, err := h.stager.Stage(r.Context(), file, header.Filename, ownerID, category, entityID, field)
	if err != nil {
		writeStagingError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, envelope{Data: map[string]string{"reference": reference}})
}

type commitRequest struct {
	Reference string `json:"reference"`
}

// CommitUpload 兑换暂存引用。成功返回 202，升级异步完成。
func (h *UploadHandler) CommitUpload(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	var req commitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		writeError(w, http.StatusBadRequest, "reference is required")
		return
	}

	if err := h.committer.Commit(r.Context(), req.Reference, ownerID); err != nil {
		writeStagingError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, envelope{Data: map[string]string{"status": "accepted"}})
}

// writeStagingError 把流水线错误分类映射到 HTTP 状态码。
func writeStagingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, staging.ErrValidation), errors.Is(err, staging.ErrUpload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, staging.ErrPermission):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, staging.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, staging.ErrDuplicateUpload),
		errors.Is(err, staging.ErrAlreadyCommitted),
		errors.Is(err, staging.ErrPromotionFailed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
