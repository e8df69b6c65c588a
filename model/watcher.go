package model

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rushteam/rslash/pkg/logging"
)

// DefaultDebounce 是文件变更后等待的时间，避免写入过程中多次加载。
const DefaultDebounce = 500 * time.Millisecond

// Watcher 监听模型文件，变更后重新加载到 Registry。
// 监听的是文件所在目录，以便识别 "写临时文件再 rename" 的原子发布方式。
type Watcher struct {
	reg      *Registry
	path     string
	debounce time.Duration
	fs       *fsnotify.Watcher
}

func NewWatcher(reg *Registry, path string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("model: create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fs.Close()
		return nil, err
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("model: watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{reg: reg, path: abs, debounce: debounce, fs: fs}, nil
}

// Run 处理文件事件直到 ctx 结束，退出时关闭底层 watcher。
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	log := logging.Component("model")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("model artifact changed")
			timer.Reset(w.debounce)
		case <-timer.C:
			// 加载失败时 Registry 保留旧版本并记录日志
			_, _ = w.reg.Load(w.path)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("model watcher error")
		}
	}
}
