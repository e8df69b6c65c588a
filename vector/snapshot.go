package vector

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/rushteam/rslash/core"
)

// 单行上限，足够容纳上千维的向量
const maxSnapshotLine = 16 << 20

// SaveSnapshot 以 JSON Lines 写出物品，每行一个。
func SaveSnapshot(w io.Writer, items []*core.Item) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return fmt.Errorf("vector: encode %s: %w", it.ID, err)
		}
	}
	return bw.Flush()
}

// LoadSnapshot 读取 SaveSnapshot 写出的内容，空行跳过。
func LoadSnapshot(r io.Reader) ([]*core.Item, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxSnapshotLine)
	var items []*core.Item
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var it core.Item
		if err := json.Unmarshal(b, &it); err != nil {
			return nil, core.Malformed(core.ModuleVector, fmt.Sprintf("vector: snapshot line %d: %v", line, err))
		}
		items = append(items, &it)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("vector: read snapshot: %w", err)
	}
	return items, nil
}

// SaveFile 原子地把索引写到 path（先写临时文件再 rename）。
func SaveFile(path string, idx *Index) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := SaveSnapshot(tmp, idx.Items()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile 读取快照文件。
func LoadFile(path string) ([]*core.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadSnapshot(f)
}
