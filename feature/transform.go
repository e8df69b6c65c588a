package feature

import (
	"fmt"
	"math"

	"github.com/rushteam/rslash/pkg/conv"
)

// Transform 把外部特征的原始值变换到打分模型期望的尺度。
type Transform interface {
	Apply(v float64) float64
}

// LogTransform 处理长尾计数（播放量、点赞数）：x' = log(x + 1)，负值按 0。
type LogTransform struct{}

func (LogTransform) Apply(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Log1p(v)
}

// MinMaxTransform x' = (x - Min) / (Max - Min)，截断到 [0, 1]。
type MinMaxTransform struct {
	Min, Max float64
}

func (t MinMaxTransform) Apply(v float64) float64 {
	span := t.Max - t.Min
	if span <= 0 {
		return v
	}
	return math.Min(1, math.Max(0, (v-t.Min)/span))
}

// ZScoreTransform z = (x - Mean) / Std；Std 非正时原样返回。
type ZScoreTransform struct {
	Mean, Std float64
}

func (t ZScoreTransform) Apply(v float64) float64 {
	if t.Std <= 0 {
		return v
	}
	return (v - t.Mean) / t.Std
}

// ParseTransforms 解析 pipeline 配置中的变换表：
//
//	transforms:
//	  views: log
//	  quality: {type: minmax, min: 0, max: 5}
//	  ctr: {type: zscore, mean: 0.05, std: 0.02}
func ParseTransforms(raw map[string]any) (map[string]Transform, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]Transform, len(raw))
	for name, spec := range raw {
		var (
			kind string
			args map[string]any
		)
		switch v := spec.(type) {
		case string:
			kind = v
		case map[string]any:
			kind, args = conv.Get(v, "type", ""), v
		default:
			return nil, fmt.Errorf("feature: transform %s: unsupported spec %T", name, spec)
		}
		switch kind {
		case "log":
			out[name] = LogTransform{}
		case "minmax":
			t := MinMaxTransform{Min: conv.Float(args, "min", 0), Max: conv.Float(args, "max", 1)}
			if t.Max <= t.Min {
				return nil, fmt.Errorf("feature: transform %s: max must exceed min", name)
			}
			out[name] = t
		case "zscore":
			out[name] = ZScoreTransform{Mean: conv.Float(args, "mean", 0), Std: conv.Float(args, "std", 1)}
		default:
			return nil, fmt.Errorf("feature: transform %s: unknown type %q", name, kind)
		}
	}
	return out, nil
}
