// Package conv 从 YAML/JSON 解码出的 map[string]any 中取值。
// 解码器会把整数写成 int、int64 或 float64，这里统一兼容；取不到或类型不符时返回调用方给的默认值。
package conv

import (
	"strconv"
	"strings"
	"time"
)

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// ToFloat64 把数值、布尔（true=1）和数字字符串转为 float64。
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

// Floats 保留 m 中能转成数值的条目。
func Floats(m map[string]any) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if f, ok := ToFloat64(v); ok {
			out[k] = f
		}
	}
	return out
}

// Get 按 key 取 T。
func Get[T any](m map[string]any, key string, def T) T {
	if t, ok := m[key].(T); ok {
		return t
	}
	return def
}

// Float 取数值，兼容写成整数的 `weight: 1`。
func Float(m map[string]any, key string, def float64) float64 {
	if f, ok := ToFloat64(m[key]); ok {
		return f
	}
	return def
}

// Int 取整数，小数部分截断。
func Int[T number](m map[string]any, key string, def T) T {
	if f, ok := ToFloat64(m[key]); ok {
		return T(f)
	}
	return def
}

// Duration 取时长："150ms" 按 time.ParseDuration 解析，裸数字按毫秒。
func Duration(m map[string]any, key string, def time.Duration) time.Duration {
	if s, ok := m[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		return def
	}
	if f, ok := ToFloat64(m[key]); ok {
		return time.Duration(f * float64(time.Millisecond))
	}
	return def
}

// Strings 取字符串列表。接受 []string、[]any 与逗号分隔的字符串；
// 列表中的数字按整数格式化，ID 写成 `- 123` 时也能取到。
func Strings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			switch x := e.(type) {
			case string:
				out = append(out, x)
			default:
				if f, ok := ToFloat64(x); ok {
					out = append(out, strconv.FormatFloat(f, 'f', 0, 64))
				}
			}
		}
		return out
	}
	return nil
}
