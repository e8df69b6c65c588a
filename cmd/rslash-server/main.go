// rslash-server 是短内容实时推荐服务。
//
//	rslash-server -config configs/config.yaml -pipeline configs/pipeline.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rushteam/rslash/api"
	"github.com/rushteam/rslash/config"
	"github.com/rushteam/rslash/config/builders"
	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/feast"
	"github.com/rushteam/rslash/feature"
	"github.com/rushteam/rslash/feedback"
	"github.com/rushteam/rslash/model"
	"github.com/rushteam/rslash/pipeline"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/recall"
	"github.com/rushteam/rslash/server"
	"github.com/rushteam/rslash/service"
	"github.com/rushteam/rslash/session"
	"github.com/rushteam/rslash/store"
	"github.com/rushteam/rslash/vector"
)

// trendingFloor 以下的榜单分数视为已冷却，移出榜单
const trendingFloor = 0.05

func main() {
	configPath := flag.String("config", "", "config file (default $"+config.PathEnvVar+")")
	pipelinePath := flag.String("pipeline", "", "pipeline file, overrides recommend.pipeline_path")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logging.Init(settings.Log)
	if *pipelinePath != "" {
		settings.Recommend.PipelinePath = *pipelinePath
	}

	if err := run(settings); err != nil {
		logging.Error().Err(err).Msg("rslash-server exited")
		os.Exit(1)
	}
}

// backends 是按 store.backend 打开的存储。
type backends struct {
	// store 存画像与去重标记
	store core.Store
	// kv 存热门榜单、黑名单与物品主表
	kv core.KeyValueStore
	// redis 仅在 redis 后端时非空
	redis *store.RedisStore
	// persistentTable kv 是否持久化，决定物品主表是否启用
	persistentTable bool

	closers []io.Closer
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			logging.Warn().Err(err).Msg("close backend")
		}
	}
}

func openBackends(s *config.Settings) (*backends, error) {
	sc := s.Store
	b := &backends{}
	switch sc.Backend {
	case "redis":
		r, err := store.OpenRedis(store.RedisOptions{
			Addr:     sc.RedisAddr,
			URL:      sc.RedisURL,
			DB:       sc.RedisDB,
			Prefix:   sc.RedisPrefix,
			PoolSize: sc.RedisPoolSize,
		})
		if err != nil {
			return nil, err
		}
		guarded := store.NewBreakerStore(r, sc.Breaker)
		b.store, b.kv, b.redis, b.persistentTable = guarded, guarded, r, true
		b.closers = append(b.closers, r)
	case "badger":
		db, err := store.OpenBadger(sc.BadgerPath)
		if err != nil {
			return nil, err
		}
		mem := store.NewMemoryStore(store.WithCleanupInterval(time.Minute))
		b.store, b.kv = store.NewBreakerStore(db, sc.Breaker), mem
		b.closers = append(b.closers, db, mem)
	default:
		mem := store.NewMemoryStore(store.WithCleanupInterval(time.Minute))
		b.store, b.kv = mem, mem
		b.closers = append(b.closers, mem)
	}
	ev := logging.Info().Str("backend", sc.Backend)
	if b.redis != nil {
		ev = ev.Stringer("redis", b.redis)
	}
	ev.Msg("storage ready")
	return b, nil
}

// openIndex 创建索引：优先加载快照，其次从数据源重建，都没有时为空索引。
func openIndex(ctx context.Context, s *config.Settings, b *backends) (*vector.Registry, vector.ItemSource, error) {
	opts, err := s.Index.Options()
	if err != nil {
		return nil, nil, err
	}
	idx, err := vector.New(opts)
	if err != nil {
		return nil, nil, err
	}
	reg := vector.NewRegistry(idx)

	var source vector.ItemSource
	switch {
	case s.Index.SourcePath != "":
		source = vector.FileSource{Path: s.Index.SourcePath}
	case b.persistentTable:
		source = vector.TableSource{Store: b.kv, Key: s.Index.TableKey}
	}
	if b.persistentTable {
		reg.WithTable(b.kv, s.Index.TableKey)
	}

	log := logging.Component("vector")
	if path := s.Index.SnapshotPath; path != "" {
		items, err := vector.LoadFile(path)
		switch {
		case err == nil:
			if err := idx.UpsertBatch(ctx, items); err != nil {
				return nil, nil, fmt.Errorf("load snapshot %s: %w", path, err)
			}
			log.Info().Str("path", path).Int("items", idx.Len()).Msg("index loaded from snapshot")
			return reg, source, nil
		case errors.Is(err, os.ErrNotExist):
		default:
			log.Warn().Err(err).Str("path", path).Msg("snapshot unreadable, rebuilding from source")
		}
	}
	if source != nil {
		n, err := reg.Rebuild(ctx, source)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Int("items", n).Msg("index built from source")
	}
	return reg, source, nil
}

func openProfiles(s *config.Settings, b *backends) (core.ProfileStore, error) {
	if s.Store.Backend == "memory" {
		return feature.NewMemoryProfileStore(), nil
	}
	return feature.NewCachedProfileStore(feature.NewKVProfileStore(b.store), s.Store.ProfileCache, s.Store.ProfileCacheTTL)
}

func run(s *config.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(s)
	if err != nil {
		return err
	}
	defer b.Close()

	index, source, err := openIndex(ctx, s, b)
	if err != nil {
		return err
	}

	tree := server.NewTree("rslash", s.Supervisor)

	models := model.NewRegistry(nil)
	if path := s.Model.Path; path != "" {
		if _, err := models.Load(path); err != nil {
			logging.Warn().Err(err).Msg("using builtin scorer")
		}
		if s.Model.Watch {
			tree.Add(server.Func{Name: "model-watcher", Run: func(ctx context.Context) error {
				w, err := model.NewWatcher(models, path, 0)
				if err != nil {
					return err
				}
				return w.Run(ctx)
			}})
		}
	}

	profiles, err := openProfiles(s, b)
	if err != nil {
		return err
	}

	var sessions core.SessionCache
	if b.redis != nil {
		sessions = session.NewRedisCache(b.redis.Client(), s.Recommend.SessionOptions()).WithPrefix(b.redis.Prefix())
	} else {
		mem := session.NewMemoryCache(s.Recommend.SessionOptions())
		tree.Add(server.Func{Name: "session-janitor", Run: func(ctx context.Context) error {
			mem.Run(ctx, time.Minute)
			return ctx.Err()
		}})
		sessions = mem
	}

	tree.Add(server.Func{Name: "trending-decay", Run: (&recall.TrendingDecay{
		Store:    b.kv,
		Key:      s.Recommend.TrendingKey,
		Factor:   s.Recommend.TrendingDecay,
		Floor:    trendingFloor,
		Interval: s.Recommend.TrendingDecayInterval,
	}).Run})

	var itemFeatures feature.ItemFeatureSource
	if s.Feast.Enabled {
		client, err := feast.Dial(s.FeastClientConfig())
		if err != nil {
			return fmt.Errorf("feast: %w", err)
		}
		b.closers = append(b.closers, client)
		if itemFeatures, err = feature.NewFeastItemFeatures(client, s.Feast.Features); err != nil {
			return err
		}
	}

	var signaler feedback.RefreshSignaler = feedback.LogSignaler{}
	if b.redis != nil {
		signaler = &feedback.RedisSignaler{Pub: b.redis, Channel: s.Feedback.RefreshChannel}
	}
	ingestor := feedback.New(s.FeedbackOptions(), feedback.Deps{
		Profiles: profiles,
		Index:    index,
		Dedup:    b.store,
		Trending: b.kv,
		Signaler: signaler,
	})
	ingestor.Start(context.WithoutCancel(ctx))

	reg := config.NewRegistry()
	builders.Install(reg, builders.Deps{
		Settings:     s,
		Index:        index,
		Profiles:     profiles,
		Sessions:     sessions,
		KV:           b.kv,
		Model:        models,
		ItemFeatures: itemFeatures,
	})
	pcfg := builders.DefaultPipeline(s)
	if path := s.Recommend.PipelinePath; path != "" {
		if pcfg, err = pipeline.Load(path); err != nil {
			return err
		}
	}
	p, err := reg.Build(pcfg, pipeline.MetricsHook{})
	if err != nil {
		return err
	}

	feed := service.NewFeed(p, profiles, sessions, ingestor, service.Options{
		TopN:           s.Recommend.TopN,
		MaxN:           s.Recommend.MaxN,
		ProfileTimeout: s.Timeouts.Profile,
		SessionTimeout: s.Timeouts.Session,
	})
	handler := api.NewHandler(feed, index, source, models)
	if b.redis != nil {
		handler.Checks = map[string]api.Checker{"redis": b.redis.Ping}
	}
	httpServer := &http.Server{
		Addr:         s.Server.Addr(),
		Handler:      api.NewRouter(handler, api.RouterOptions{RequestTimeout: s.Server.RequestTimeout}),
		ReadTimeout:  s.Server.ReadTimeout,
		WriteTimeout: s.Server.WriteTimeout,
	}
	tree.Add(&server.HTTPService{Server: httpServer, ShutdownTimeout: s.Server.ShutdownTimeout})

	logging.Info().
		Str("addr", httpServer.Addr).
		Int("items", index.Len()).
		Str("pipeline", pcfg.Pipeline.Name).
		Int("nodes", len(p.Nodes)).
		Msg("rslash-server started")

	if err := tree.Serve(ctx); err != nil {
		logging.Error().Err(err).Msg("supervisor stopped")
	}
	if names := tree.Unstopped(); len(names) > 0 {
		logging.Warn().Strs("services", names).Msg("services failed to stop in time")
	}

	// HTTP 已停止：排空反馈队列后再落快照
	if err := ingestor.Close(); err != nil {
		logging.Warn().Err(err).Msg("close feedback ingestor")
	}
	if path := s.Index.SnapshotPath; path != "" {
		if err := vector.SaveFile(path, index.Current()); err != nil {
			logging.Error().Err(err).Str("path", path).Msg("save index snapshot")
		} else {
			logging.Info().Str("path", path).Int("items", index.Len()).Msg("index snapshot saved")
		}
	}
	logging.Info().Msg("rslash-server stopped")
	return nil
}
