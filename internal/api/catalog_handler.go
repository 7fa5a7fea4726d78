package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"modelhub/internal/middleware"
	"modelhub/internal/repository"
	"modelhub/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CatalogHandler 提供模型与数据集的基础目录端点。文件字段（图标、
// 说明卡）只读：它们由升级任务写入，这里只负责展示与下发。
type CatalogHandler struct {
	catalog repository.Catalog
	finals  storage.Reader
}

func NewCatalogHandler(catalog repository.Catalog, finals storage.Reader) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, finals: finals}
}

func (h *CatalogHandler) RegisterRoutes(r chi.Router) {
	for _, category := range []repository.Category{repository.CategoryModel, repository.CategoryDataset} {
		category := category
		r.Route("/"+string(category)+"s", func(r chi.Router) {
			r.Get("/", h.list(category))
			r.Post("/", h.create(category))
			r.Get("/{id}", h.get(category))
			r.Get("/{id}/icon", h.icon(category))
		})
	}
}

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

type createCatalogRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *CatalogHandler) create(category repository.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := middleware.GetOwnerID(r.Context())
		if ownerID == "" {
			writeError(w, http.StatusUnauthorized, "caller identity is required")
			return
		}

		var req createCatalogRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}

		record, err := h.catalog.Create(r.Context(), category, &repository.CatalogRecord{
			ID:          uuid.NewString(),
			OwnerID:     ownerID,
			Name:        strings.TrimSpace(req.Name),
			Description: strings.TrimSpace(req.Description),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "create record failed")
			return
		}

		writeJSON(w, http.StatusCreated, envelope{Data: record})
	}
}

func (h *CatalogHandler) get(category repository.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}

		record, err := h.catalog.GetByID(r.Context(), category, id)
		if err != nil {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}

		writeJSON(w, http.StatusOK, envelope{Data: record})
	}
}

func (h *CatalogHandler) list(category repository.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := repository.ListParams{}

		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if limit, err := strconv.Atoi(limitStr); err == nil {
				params.Limit = limit
			}
		}
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if offset, err := strconv.Atoi(offsetStr); err == nil {
				params.Offset = offset
			}
		}

		records, err := h.catalog.List(r.Context(), category, params)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list records failed")
			return
		}

		writeJSON(w, http.StatusOK, envelope{Data: records})
	}
}

// icon 下发已升级的图标文件。
func (h *CatalogHandler) icon(category repository.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}

		record, err := h.catalog.GetByID(r.Context(), category, id)
		if err != nil {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		if record.IconPath == "" {
			writeError(w, http.StatusNotFound, "icon not set")
			return
		}

		content, err := h.finals.Read(r.Context(), record.IconPath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read icon")
			return
		}
		defer content.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := io.Copy(w, content); err != nil {
			// 客户端可能已断开，无法再写入错误响应
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Error: message})
}
