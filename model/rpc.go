package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/breaker"
)

const defaultRPCTimeout = 100 * time.Millisecond

// RPCScorer 把打分委托给外部模型服务（GBDT、TF Serving 等），一次请求打一批候选：
//
//	POST {"version": "v7", "features_list": [{"similarity": 0.8, "user.interactions": 12}, ...]}
//	200  {"scores": [0.85, 0.72, ...]}
//
// 5xx 与网络错误计入熔断；4xx 视为请求格式问题，返回 MALFORMED 且不计入熔断。
type RPCScorer struct {
	version  string
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client

	cb *breaker.Breaker[[]float64]
}

type scoreRequest struct {
	Version  string               `json:"version,omitempty"`
	Features []map[string]float64 `json:"features_list"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

func NewRPCScorer(version, endpoint string, timeout time.Duration) *RPCScorer {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &RPCScorer{
		version:  version,
		Endpoint: endpoint,
		Timeout:  timeout,
		Client:   &http.Client{Timeout: timeout},
		cb:       breaker.New[[]float64](core.ModuleModel, breaker.Config{Name: "model.rpc"}),
	}
}

func (m *RPCScorer) Name() string    { return "rpc" }
func (m *RPCScorer) Version() string { return m.version }

func (m *RPCScorer) Score(ctx context.Context, user, item map[string]float64) (float64, error) {
	scores, err := m.ScoreBatch(ctx, user, []map[string]float64{item})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// ScoreBatch 用户特征加 "user." 前缀后并入每一行。
func (m *RPCScorer) ScoreBatch(ctx context.Context, user map[string]float64, items []map[string]float64) ([]float64, error) {
	if len(items) == 0 {
		return []float64{}, nil
	}
	req := scoreRequest{Version: m.version, Features: make([]map[string]float64, len(items))}
	for i, it := range items {
		row := maps.Clone(it)
		if row == nil {
			row = make(map[string]float64, len(user))
		}
		for k, v := range user {
			row[UserFeaturePrefix+k] = v
		}
		req.Features[i] = row
	}
	return m.cb.Execute(func() ([]float64, error) {
		return m.post(ctx, &req)
	})
}

func (m *RPCScorer) post(ctx context.Context, sr *scoreRequest) ([]float64, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, core.WrapDomainError(core.ModuleModel, core.ErrorCodeMalformed, "model: encode request", err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, core.WrapDomainError(core.ModuleModel, core.ErrorCodeMalformed, "model: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("model server %s: %s", resp.Status, snippet(resp.Body))
	case resp.StatusCode != http.StatusOK:
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeMalformed,
			fmt.Sprintf("model: server rejected request: %s: %s", resp.Status, snippet(resp.Body)))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("model server: decode response: %w", err)
	}
	if len(out.Scores) != len(sr.Features) {
		return nil, fmt.Errorf("model server: %d scores for %d rows", len(out.Scores), len(sr.Features))
	}
	return out.Scores, nil
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return string(bytes.TrimSpace(b))
}
