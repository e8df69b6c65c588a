// Package utils 放置跨包共用的小工具。
package utils

import "strings"

const (
	valueSep  = "|"
	sourceSep = ","
)

// Label 是附着在候选或请求上的解释信息，例如召回来源、探索位、打分模型版本。
// 写入 /feed 的 debug 输出与日志，不参与打分。
type Label struct {
	Value  string `json:"value"`
	Source string `json:"source"` // 写入阶段：recall / fallback / session / rank
}

// Values 返回累积的取值列表。
func (l Label) Values() []string {
	if l.Value == "" {
		return nil
	}
	return strings.Split(l.Value, valueSep)
}

// Has 判断取值列表中是否包含 v。
func (l Label) Has(v string) bool {
	for _, x := range l.Values() {
		if x == v {
			return true
		}
	}
	return false
}

// MergeLabel 合并同名 Label：取值按写入顺序以 '|' 累积，来源以 ',' 累积，重复项只保留第一次。
// 同一物品被多路召回命中时，召回来源标签形如 "ann|trending"。
func MergeLabel(existing, incoming Label) Label {
	return Label{
		Value:  appendUnique(existing.Value, incoming.Value, valueSep),
		Source: appendUnique(existing.Source, incoming.Source, sourceSep),
	}
}

func appendUnique(list, item, sep string) string {
	switch {
	case item == "":
		return list
	case list == "":
		return item
	}
	for _, x := range strings.Split(list, sep) {
		if x == item {
			return list
		}
	}
	return list + sep + item
}
