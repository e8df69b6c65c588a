package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/rushteam/rslash/feast"
	"github.com/rushteam/rslash/feedback"
	"github.com/rushteam/rslash/pkg/breaker"
	"github.com/rushteam/rslash/pkg/logging"
	"github.com/rushteam/rslash/server"
	"github.com/rushteam/rslash/session"
	"github.com/rushteam/rslash/vector"
)

// PathEnvVar 指定配置文件路径的环境变量。
const PathEnvVar = "RSLASH_CONFIG"

// EnvPrefix 是环境变量覆盖的前缀：RSLASH_RECOMMEND__TOP_N -> recommend.top_n
const EnvPrefix = "RSLASH_"

// Settings 是服务的全部配置。加载顺序：默认值 -> YAML 文件 -> 环境变量。
type Settings struct {
	Server    ServerConfig    `koanf:"server"`
	Log       logging.Config  `koanf:"log"`
	Recommend RecommendConfig `koanf:"recommend"`
	Index     IndexConfig     `koanf:"index"`
	Feedback  FeedbackConfig  `koanf:"feedback"`
	Store     StoreConfig     `koanf:"store"`
	Timeouts  TimeoutConfig   `koanf:"timeouts"`
	Model     ModelConfig     `koanf:"model"`
	Feast     FeastConfig     `koanf:"feast"`

	Supervisor server.TreeConfig `koanf:"supervisor"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// RecommendConfig 是召回与排序参数。
type RecommendConfig struct {
	// PoolSize 是召回池相对 N 的放大倍数
	PoolSize          int           `koanf:"pool_size"`
	MinPool           int           `koanf:"min_pool"`
	TopN              int           `koanf:"top_n"`
	MaxN              int           `koanf:"max_n"`
	ExplorationRate   float64       `koanf:"exploration_rate"`
	SessionTTL        time.Duration `koanf:"session_ttl"`
	ExhaustionRatio   float64       `koanf:"exhaustion_ratio"`
	AffinityDecay     float64       `koanf:"affinity_decay"`
	RelevanceWeight   float64       `koanf:"relevance_weight"`
	FreshnessWeight   float64       `koanf:"freshness_weight"`
	DiversityWeight   float64       `koanf:"diversity_penalty_weight"`
	FreshnessHalfLife time.Duration `koanf:"freshness_half_life"`
	MaxPerCategory    int           `koanf:"max_per_category"`
	TrendingKey       string        `koanf:"trending_key"`
	// TrendingDecay 每个 TrendingDecayInterval 把榜单分数乘以该系数，0 关闭
	TrendingDecay         float64       `koanf:"trending_decay"`
	TrendingDecayInterval time.Duration `koanf:"trending_decay_interval"`
	FallbackItems         []string      `koanf:"fallback_items"`
	// PipelinePath 为空时使用内置拓扑
	PipelinePath string `koanf:"pipeline_path"`
}

// SessionOptions 返回会话缓存参数。
func (r RecommendConfig) SessionOptions() session.Options {
	return session.Options{TTL: r.SessionTTL, ExhaustionRatio: r.ExhaustionRatio}
}

type IndexConfig struct {
	Dim            int    `koanf:"dim"`
	Metric         string `koanf:"metric"`
	Shards         int    `koanf:"shards"`
	Lists          int    `koanf:"lists"`
	Probes         int    `koanf:"probes"`
	TrainThreshold int    `koanf:"train_threshold"`
	Seed           int64  `koanf:"seed"`
	// SnapshotPath 启动时优先加载、退出时写回的快照
	SnapshotPath string `koanf:"snapshot_path"`
	// SourcePath 是全量重建时读取的物品文件
	SourcePath string `koanf:"source_path"`
	// TableKey 非空时物品同时写入 KV 存储的 hash，可作为重建来源
	TableKey string `koanf:"table_key"`
}

// Options 转换为索引参数。
func (c IndexConfig) Options() (vector.Options, error) {
	m, err := vector.ParseMetric(c.Metric)
	if err != nil {
		return vector.Options{}, err
	}
	return vector.Options{
		Dim:            c.Dim,
		Metric:         m,
		Shards:         c.Shards,
		Lists:          c.Lists,
		Probes:         c.Probes,
		TrainThreshold: c.TrainThreshold,
		Seed:           c.Seed,
	}, nil
}

type FeedbackConfig struct {
	Workers        int           `koanf:"workers"`
	QueueSize      int           `koanf:"queue_size"`
	DedupTTL       time.Duration `koanf:"dedup_ttl"`
	LearningRate   float64       `koanf:"learning_rate"`
	AffinityRate   float64       `koanf:"affinity_rate"`
	RefreshEvery   int64         `koanf:"refresh_every"`
	RefreshChannel string        `koanf:"refresh_channel"`
}

// FeedbackOptions 合成 ingestor 参数；衰减系数与热门 key 来自推荐配置。
func (s *Settings) FeedbackOptions() feedback.Options {
	f := s.Feedback
	return feedback.Options{
		Workers:       f.Workers,
		QueueSize:     f.QueueSize,
		DedupTTL:      f.DedupTTL,
		LearningRate:  f.LearningRate,
		AffinityRate:  f.AffinityRate,
		AffinityDecay: s.Recommend.AffinityDecay,
		RefreshEvery:  f.RefreshEvery,
		TrendingKey:   s.Recommend.TrendingKey,
	}
}

type StoreConfig struct {
	// Backend: memory, redis, badger
	Backend   string `koanf:"backend"`
	RedisAddr string `koanf:"redis_addr"`
	RedisURL  string `koanf:"redis_url"`
	RedisDB   int    `koanf:"redis_db"`
	// RedisPrefix 加在全部 Redis key 前
	RedisPrefix   string `koanf:"redis_prefix"`
	RedisPoolSize int    `koanf:"redis_pool_size"`
	BadgerPath    string `koanf:"badger_path"`
	// ProfileCache 是进程内画像缓存的条数，0 关闭
	ProfileCache    int64          `koanf:"profile_cache"`
	ProfileCacheTTL time.Duration  `koanf:"profile_cache_ttl"`
	Breaker         breaker.Config `koanf:"breaker"`
}

type TimeoutConfig struct {
	Index    time.Duration `koanf:"index"`
	Profile  time.Duration `koanf:"profile"`
	Features time.Duration `koanf:"features"`
	Session  time.Duration `koanf:"session"`
}

type ModelConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

type FeastConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Endpoint string   `koanf:"endpoint"`
	Project  string   `koanf:"project"`
	Features []string `koanf:"features"`
	Token    string   `koanf:"token"`
	TLS      bool     `koanf:"tls"`
	// Breaker 未配置时沿用 store.breaker
	Breaker breaker.Config `koanf:"breaker"`
}

// FeastClientConfig 合并 feast 段、特征超时与熔断配置。
func (s *Settings) FeastClientConfig() feast.Config {
	cb := s.Feast.Breaker
	if cb.FailureThreshold == 0 {
		cb = s.Store.Breaker
	}
	cb.Name = "feast"
	return feast.Config{
		Endpoint: s.Feast.Endpoint,
		Project:  s.Feast.Project,
		Timeout:  s.Timeouts.Features,
		Token:    s.Feast.Token,
		TLS:      s.Feast.TLS,
		Breaker:  cb,
	}
}

// Defaults 返回默认配置。
func Defaults() *Settings {
	fb := feedback.DefaultOptions()
	return &Settings{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			RequestTimeout:  2 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: logging.Config{Level: "info", Format: "json"},
		Recommend: RecommendConfig{
			PoolSize:              3,
			MinPool:               50,
			TopN:                  10,
			MaxN:                  100,
			ExplorationRate:       0.3,
			SessionTTL:            30 * time.Minute,
			ExhaustionRatio:       0.9,
			AffinityDecay:         fb.AffinityDecay,
			RelevanceWeight:       0.8,
			FreshnessWeight:       0.2,
			DiversityWeight:       0.1,
			FreshnessHalfLife:     24 * time.Hour,
			MaxPerCategory:        2,
			TrendingKey:           fb.TrendingKey,
			TrendingDecay:         0.9,
			TrendingDecayInterval: time.Hour,
		},
		Index: IndexConfig{
			Dim:            384,
			Metric:         string(vector.MetricCosine),
			Shards:         8,
			Lists:          32,
			Probes:         8,
			TrainThreshold: 1024,
			Seed:           1,
			TableKey:       "items",
		},
		Feedback: FeedbackConfig{
			Workers:        fb.Workers,
			QueueSize:      fb.QueueSize,
			DedupTTL:       fb.DedupTTL,
			LearningRate:   fb.LearningRate,
			AffinityRate:   fb.AffinityRate,
			RefreshEvery:   fb.RefreshEvery,
			RefreshChannel: feedback.DefaultRefreshChannel,
		},
		Store: StoreConfig{
			Backend:         "memory",
			RedisAddr:       "localhost:6379",
			RedisPrefix:     "rslash:",
			BadgerPath:      "data/badger",
			ProfileCache:    100_000,
			ProfileCacheTTL: 30 * time.Second,
			Breaker: breaker.Config{
				MaxRequests:      1,
				Interval:         time.Minute,
				Timeout:          5 * time.Second,
				FailureThreshold: 5,
			},
		},
		Timeouts: TimeoutConfig{
			Index:    80 * time.Millisecond,
			Profile:  30 * time.Millisecond,
			Features: 50 * time.Millisecond,
			Session:  30 * time.Millisecond,
		},
		Model: ModelConfig{Watch: true},
		Feast: FeastConfig{Project: "rslash"},
		Supervisor: server.TreeConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// legacyEnv 是不带前缀的旧环境变量名。
var legacyEnv = map[string]string{
	"EXPLORATION_RATE": "recommend.exploration_rate",
	"EMBEDDING_DIM":    "index.dim",
	"REDIS_URL":        "store.redis_url",
	"API_PORT":         "server.port",
	"LOG_LEVEL":        "log.level",
}

// envKey 把环境变量名映射为配置路径，返回空串表示忽略。
func envKey(name string) string {
	if path, ok := legacyEnv[name]; ok {
		return path
	}
	if name == PathEnvVar || !strings.HasPrefix(name, EnvPrefix) {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
}

// sliceKeys 是可以用逗号分隔字符串覆盖的列表配置
var sliceKeys = []string{"recommend.fallback_items", "feast.features"}

// Load 加载配置。path 为空时读取 RSLASH_CONFIG；仍为空则只用默认值与环境变量。
func Load(path string) (*Settings, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}
	for _, key := range sliceKeys {
		if s, ok := k.Get(key).(string); ok {
			parts := strings.Split(s, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			_ = k.Set(key, parts)
		}
	}

	s := &Settings{}
	if err := k.Unmarshal("", s); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate 校验取值范围。
func (s *Settings) Validate() error {
	r := s.Recommend
	var errs []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Sprintf(format, args...))
		}
	}
	check(r.ExplorationRate >= 0 && r.ExplorationRate <= 1, "recommend.exploration_rate must be in [0,1], got %v", r.ExplorationRate)
	check(r.AffinityDecay > 0 && r.AffinityDecay <= 1, "recommend.affinity_decay must be in (0,1], got %v", r.AffinityDecay)
	check(r.DiversityWeight >= 0, "recommend.diversity_penalty_weight must be >= 0, got %v", r.DiversityWeight)
	check(r.RelevanceWeight >= 0 && r.FreshnessWeight >= 0, "recommend weights must be >= 0")
	check(r.PoolSize >= 1, "recommend.pool_size must be >= 1, got %d", r.PoolSize)
	check(r.TopN >= 1, "recommend.top_n must be >= 1, got %d", r.TopN)
	check(r.MaxN >= r.TopN, "recommend.max_n must be >= top_n, got %d", r.MaxN)
	check(r.SessionTTL > 0, "recommend.session_ttl must be > 0, got %v", r.SessionTTL)
	check(r.TrendingDecay >= 0 && r.TrendingDecay < 1, "recommend.trending_decay must be in [0,1), got %v", r.TrendingDecay)
	check(r.ExhaustionRatio > 0 && r.ExhaustionRatio <= 1, "recommend.exhaustion_ratio must be in (0,1], got %v", r.ExhaustionRatio)
	check(s.Index.Dim >= 1, "index.dim must be >= 1, got %d", s.Index.Dim)
	if _, err := vector.ParseMetric(s.Index.Metric); err != nil {
		errs = append(errs, err.Error())
	}
	check(s.Feedback.Workers >= 1, "feedback.workers must be >= 1, got %d", s.Feedback.Workers)
	check(s.Feedback.QueueSize >= 1, "feedback.queue_size must be >= 1, got %d", s.Feedback.QueueSize)
	check(s.Server.Port > 0 && s.Server.Port < 65536, "server.port out of range: %d", s.Server.Port)
	switch s.Store.Backend {
	case "memory", "redis", "badger":
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be memory, redis or badger, got %q", s.Store.Backend))
	}
	check(!s.Feast.Enabled || s.Feast.Endpoint != "", "feast.endpoint is required when feast is enabled")
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid settings: %s", strings.Join(errs, "; "))
	}
	return nil
}
