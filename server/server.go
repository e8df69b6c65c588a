// Package server 管理进程内的长期运行组件（HTTP 服务、模型文件监听、会话清理），
// 用 suture 监督树在组件异常退出时按退避策略重启。
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/rushteam/rslash/pkg/logging"
)

// TreeConfig 是监督树的重启策略。
type TreeConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"` // 秒
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay <= 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Tree 是单层监督树。
type Tree struct {
	root *suture.Supervisor
}

func NewTree(name string, cfg TreeConfig) *Tree {
	cfg = cfg.withDefaults()
	log := logging.Component("supervisor")
	spec := suture.Spec{
		EventHook: func(ev suture.Event) {
			log.Warn().Fields(ev.Map()).Msg(ev.String())
		},
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	return &Tree{root: suture.New(name, spec)}
}

func (t *Tree) Add(svc suture.Service) suture.ServiceToken { return t.root.Add(svc) }

// ServeBackground 启动监督树。ctx 结束且各服务停止后，返回的 channel 恰好收到一个值；
// channel 不会被关闭，只能接收一次，不能 range。
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// Serve 运行监督树直到 ctx 结束且各服务停止。ctx 取消导致的退出返回 nil。
func (t *Tree) Serve(ctx context.Context) error {
	err := <-t.root.ServeBackground(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Unstopped 返回停止超时的服务名。
func (t *Tree) Unstopped() []string {
	report, err := t.root.UnstoppedServiceReport()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(report))
	for _, s := range report {
		names = append(names, s.Name)
	}
	return names
}

// Listener 是 HTTPService 需要的 *http.Server 子集。
type Listener interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService 把 http.Server 包装为受监督的服务；ctx 结束时优雅关闭。
type HTTPService struct {
	Server          Listener
	ShutdownTimeout time.Duration
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		timeout := h.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := h.Server.Shutdown(sctx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// Func 把“运行到 ctx 结束”的函数包装为服务。
// Run 在 ctx 未结束时返回 nil 表示任务已完成，不再重启。
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error {
	err := f.Run(ctx)
	if err == nil && ctx.Err() == nil {
		return suture.ErrDoNotRestart
	}
	return err
}

func (f Func) String() string { return f.Name }
