package api

import (
	"net/http"

	"modelhub/internal/config"
	mhmiddleware "modelhub/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
func NewRouter(cfg *config.Config, uploadHandler *UploadHandler, catalogHandler *CatalogHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(mhmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(mhmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
	r.Use(mhmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	register := func(r chi.Router) {
		if uploadHandler != nil {
			uploadHandler.RegisterRoutes(r)
		}
		if catalogHandler != nil {
			catalogHandler.RegisterRoutes(r)
		}
	}

	if cfg.AuthEnabled {
		// 需要鉴权的路由组，鉴权方式由配置决定
		r.Group(func(r chi.Router) {
			if cfg.AuthDriver == "supabase" {
				r.Use(mhmiddleware.SupabaseAuth(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.SupabaseJWTSecret))
			} else {
				r.Use(mhmiddleware.APIKeyAuth(cfg.APIKeys))
			}
			register(r)
		})
	} else {
		// 无需鉴权（开发模式）
		register(r)
	}

	return r
}
