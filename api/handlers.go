package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/model"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/service"
	"github.com/rushteam/rslash/vector"
)

// Recommender 是 HTTP 层依赖的推荐服务，由 service.Feed 实现。
type Recommender interface {
	Recommend(ctx context.Context, req service.FeedRequest) (*service.FeedResponse, error)
	Feedback(ctx context.Context, in service.FeedbackInput) (string, error)
	Stats(ctx context.Context, userID string) (*service.UserStats, error)
	Reset(ctx context.Context, userID string) error
}

// Checker 检查一个外部依赖是否可达，/health 使用。
type Checker func(ctx context.Context) error

// Handler 持有各路由的依赖。Index、Source、Models 为空时对应的管理接口返回 501。
type Handler struct {
	Service Recommender
	Index   *vector.Registry
	Source  vector.ItemSource
	Models  *model.Registry

	// Checks 按名称列出外部依赖检查，任一失败时 /health 报告 degraded
	Checks map[string]Checker

	started time.Time
}

func NewHandler(feed Recommender, index *vector.Registry, source vector.ItemSource, models *model.Registry) *Handler {
	return &Handler{Service: feed, Index: index, Source: source, Models: models, started: time.Now()}
}

// Feed 处理 GET /feed?user=&session=&n=&seed=
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.FeedRequest{UserID: q.Get("user"), SessionID: q.Get("session")}
	if req.UserID == "" || req.SessionID == "" {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, "user and session are required")
		return
	}
	if v := q.Get("n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, "n must be a non-negative integer")
			return
		}
		req.N = n
	}
	if v := q.Get("seed"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, "seed must be an integer")
			return
		}
		req.Seed = seed
	}

	resp, err := h.Service.Recommend(r.Context(), req)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type feedbackRequest struct {
	ID          string     `json:"id" validate:"omitempty,max=128"`
	User        string     `json:"user" validate:"required,max=256"`
	Item        string     `json:"item" validate:"required,max=256"`
	Kind        string     `json:"kind" validate:"required"`
	Timestamp   *time.Time `json:"timestamp"`
	Session     string     `json:"session" validate:"omitempty,max=256"`
	Position    int        `json:"position" validate:"min=0"`
	Exploration bool       `json:"exploration"`
}

type feedbackResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Feedback 处理 POST /feedback，入队后立即返回 202。
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("malformed feedback rejected")
		respondDomainError(w, r, err)
		return
	}
	in := service.FeedbackInput{
		ID:          req.ID,
		UserID:      req.User,
		ItemID:      req.Item,
		SessionID:   req.Session,
		Kind:        req.Kind,
		Position:    req.Position,
		Exploration: req.Exploration,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}
	id, err := h.Service.Feedback(r.Context(), in)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, &feedbackResponse{ID: id, Status: "accepted"})
}

// Stats 处理 GET /stats/{user}
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Stats(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// ResetUser 处理 POST /users/{user}/reset
func (h *Handler) ResetUser(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := h.Service.Reset(r.Context(), user); err != nil {
		respondDomainError(w, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("user", user).Msg("profile reset")
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status  string  `json:"status"`
	Items   int     `json:"items"`
	Scorer  string  `json:"scorer,omitempty"`
	Version string  `json:"version,omitempty"`
	Uptime  float64 `json:"uptime_seconds"`

	Checks map[string]string `json:"checks,omitempty"`
}

const healthCheckTimeout = time.Second

// Health 处理 GET /health。依赖不可达时服务仍可降级出结果，因此始终返回 200，
// 由 status 与 checks 字段区分。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Uptime: time.Since(h.started).Seconds()}
	if len(h.Checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		resp.Checks = make(map[string]string, len(h.Checks))
		for name, check := range h.Checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	if h.Index != nil {
		resp.Items = h.Index.Len()
	}
	if h.Models != nil {
		if s := h.Models.Current(); s != nil {
			resp.Scorer, resp.Version = s.Name(), s.Version()
		}
	}
	respondJSON(w, http.StatusOK, &resp)
}

type itemRequest struct {
	Embedding  []float64          `json:"embedding" validate:"required,min=1"`
	CreatedAt  time.Time          `json:"created_at"`
	Categories []string           `json:"categories" validate:"dive,required"`
	Features   map[string]float64 `json:"features"`
}

type itemResponse struct {
	ID    string `json:"id"`
	Items int    `json:"items"`
}

// PutItem 处理 PUT /items/{id}：写入或整体替换物品。
func (h *Handler) PutItem(w http.ResponseWriter, r *http.Request) {
	if h.Index == nil {
		respondError(w, r, http.StatusNotImplemented, CodeNotSupported, "index is read-only")
		return
	}
	var req itemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}
	item := &core.Item{
		ID:         chi.URLParam(r, "id"),
		Embedding:  req.Embedding,
		CreatedAt:  req.CreatedAt,
		Categories: req.Categories,
		Features:   req.Features,
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if err := h.Index.Upsert(r.Context(), item); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, &itemResponse{ID: item.ID, Items: h.Index.Len()})
}

// DeleteItem 处理 DELETE /items/{id}，物品不存在时同样返回 204。
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	if h.Index == nil {
		respondError(w, r, http.StatusNotImplemented, CodeNotSupported, "index is read-only")
		return
	}
	if err := h.Index.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RebuildIndex 处理 POST /index/rebuild：从配置的数据源全量重建并原子替换索引。
// 同时只允许一次重建，重复请求返回 409。
func (h *Handler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	if h.Index == nil || h.Source == nil {
		respondError(w, r, http.StatusNotImplemented, CodeNotSupported, "no rebuild source configured")
		return
	}
	n, err := h.Index.Rebuild(r.Context(), h.Source)
	if err != nil {
		if core.IsUnavailable(err) {
			respondError(w, r, http.StatusConflict, "REBUILD_RUNNING", err.Error())
			return
		}
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, &itemResponse{Items: n})
}

type reloadRequest struct {
	Path string `json:"path"`
}

type reloadResponse struct {
	Scorer  string `json:"scorer"`
	Version string `json:"version"`
}

// ReloadModel 处理 POST /model/reload；请求体可选，省略 path 时重新加载当前模型文件。
// 加载失败时保留旧版本并返回 422。
func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	if h.Models == nil {
		respondError(w, r, http.StatusNotImplemented, CodeNotSupported, "model registry not configured")
		return
	}
	var req reloadRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondDomainError(w, r, err)
			return
		}
	}
	if req.Path == "" && h.Models.Path() == "" {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, "no model path configured")
		return
	}
	s, err := h.Models.Load(req.Path)
	if err != nil {
		respondError(w, r, http.StatusUnprocessableEntity, "MODEL_LOAD_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, &reloadResponse{Scorer: s.Name(), Version: s.Version()})
}
