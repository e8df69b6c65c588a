// Package api 是 rslash 的 HTTP 接口，基于 chi。
//
//	GET  /feed?user=&session=&n=&seed=   推荐列表
//	POST /feedback                       上报反馈，202
//	GET  /stats/{user}                   用户画像与探索统计
//	POST /users/{user}/reset             画像重置为冷启动
//	PUT  /items/{id}, DELETE /items/{id} 物品写入/删除
//	POST /index/rebuild                  全量重建索引
//	POST /model/reload                   热加载排序模型
//	GET  /health, GET /metrics
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rushteam/rslash/pkg/logging"
)

// RouterOptions 路由参数。
type RouterOptions struct {
	// RequestTimeout 是推荐与反馈接口的处理时限，0 表示不限
	RequestTimeout time.Duration
}

// NewRouter 注册全部路由。管理接口（物品、索引、模型）不受请求时限约束。
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(requestLogging)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if opts.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(opts.RequestTimeout))
		}
		r.Get("/feed", h.Feed)
		r.Post("/feedback", h.Feedback)
		r.Get("/stats/{user}", h.Stats)
		r.Post("/users/{user}/reset", h.ResetUser)
	})

	r.Put("/items/{id}", h.PutItem)
	r.Delete("/items/{id}", h.DeleteItem)
	r.Post("/index/rebuild", h.RebuildIndex)
	r.Post("/model/reload", h.ReloadModel)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

// requestLogging 把 chi 生成的请求 ID 放入日志 context，并在 debug 级别记录访问日志。
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := chimiddleware.GetReqID(ctx); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		logging.Ctx(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
