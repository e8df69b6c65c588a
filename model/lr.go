package model

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/rslash/core"
)

// Link 函数
const (
	LinkIdentity = "identity"
	LinkSigmoid  = "sigmoid"
)

// Artifact 是模型文件的格式（JSON）：
//
//	{"type": "lr", "version": "2024-06-01", "bias": 0, "link": "identity",
//	 "weights": {"similarity": 0.5, "engagement": 0.375, "user.interactions": 0.001}}
//
//	{"type": "rpc", "version": "v7", "endpoint": "http://ranker:8080/predict", "timeout": "50ms"}
type Artifact struct {
	Type    string             `json:"type"`
	Version string             `json:"version"`
	Bias    float64            `json:"bias,omitempty"`
	Link    string             `json:"link,omitempty"`
	Weights map[string]float64 `json:"weights,omitempty"`

	Endpoint string `json:"endpoint,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// LoadArtifact 读取模型文件并构建 Scorer。
func LoadArtifact(path string) (Scorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model: read %s: %w", path, err)
	}
	return ParseArtifact(data)
}

// ParseArtifact 解析模型文件内容。
func ParseArtifact(data []byte) (Scorer, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, core.WrapDomainError(core.ModuleModel, core.ErrorCodeMalformed, "model: decode artifact", err)
	}
	if a.Version == "" {
		return nil, core.Malformed(core.ModuleModel, "model: artifact has no version")
	}
	switch a.Type {
	case "lr", "":
		return NewLRScorer(a.Version, a.Bias, a.Weights, a.Link)
	case "rpc":
		timeout := time.Duration(0)
		if a.Timeout != "" {
			d, err := time.ParseDuration(a.Timeout)
			if err != nil {
				return nil, core.WrapDomainError(core.ModuleModel, core.ErrorCodeMalformed, "model: bad rpc timeout", err)
			}
			timeout = d
		}
		if a.Endpoint == "" {
			return nil, core.Malformed(core.ModuleModel, "model: rpc artifact has no endpoint")
		}
		return NewRPCScorer(a.Version, a.Endpoint, timeout), nil
	default:
		return nil, core.Malformed(core.ModuleModel, fmt.Sprintf("model: unknown artifact type %q", a.Type))
	}
}

// LRScorer 是线性模型：z = Bias + Σ w_i·x_i，link 为 identity 或 sigmoid。
// 物品特征按名称取权重，用户特征按 "user.<name>" 取权重。
type LRScorer struct {
	version string
	bias    float64
	weights map[string]float64
	sigmoid bool
}

func NewLRScorer(version string, bias float64, weights map[string]float64, link string) (*LRScorer, error) {
	s := &LRScorer{version: version, bias: bias, weights: make(map[string]float64, len(weights))}
	switch link {
	case "", LinkIdentity:
	case LinkSigmoid:
		s.sigmoid = true
	default:
		return nil, core.Malformed(core.ModuleModel, fmt.Sprintf("model: unknown link %q", link))
	}
	for k, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, core.Malformed(core.ModuleModel, fmt.Sprintf("model: weight %s is not finite", k))
		}
		s.weights[k] = w
	}
	return s, nil
}

// DefaultScorer 是没有模型文件时使用的内置线性模型，
// 相似度、互动率、类目亲和度按 4:3:1 组合。
func DefaultScorer() *LRScorer {
	s, _ := NewLRScorer("builtin", 0, map[string]float64{
		"similarity":        0.5,
		"engagement":        0.375,
		"category_affinity": 0.125,
	}, LinkIdentity)
	return s
}

func (m *LRScorer) Name() string    { return "lr" }
func (m *LRScorer) Version() string { return m.version }

func (m *LRScorer) Score(_ context.Context, user, item map[string]float64) (float64, error) {
	z := m.bias
	for k, v := range item {
		if w, ok := m.weights[k]; ok {
			z += w * v
		}
	}
	for k, v := range user {
		if w, ok := m.weights[UserFeaturePrefix+k]; ok {
			z += w * v
		}
	}
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0, fmt.Errorf("model: lr score is not finite")
	}
	if m.sigmoid {
		return 1 / (1 + math.Exp(-z)), nil
	}
	return z, nil
}
