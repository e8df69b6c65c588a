package vector

import (
	"fmt"
	"strings"

	"github.com/rushteam/rslash/core"
)

// Metric 相似度度量类型，必须与上游 Embedding 模型训练时一致。
type Metric string

const (
	// MetricCosine 写入与查询时都做 L2 归一化，相似度即内积
	MetricCosine Metric = "cosine"
	// MetricInnerProduct 原始内积，适用于模型已输出归一化向量或以内积训练的场景
	MetricInnerProduct Metric = "ip"
)

// ParseMetric 解析度量名称，空串默认 cosine。
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(s) {
	case "", "cosine":
		return MetricCosine, nil
	case "ip", "inner_product", "dot":
		return MetricInnerProduct, nil
	default:
		return "", fmt.Errorf("vector: unsupported metric %q", s)
	}
}

// prepare 按度量预处理向量；cosine 下零向量返回 nil。
func (m Metric) prepare(v []float64) []float64 {
	if m == MetricInnerProduct {
		return append([]float64(nil), v...)
	}
	return core.Normalize(v)
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
