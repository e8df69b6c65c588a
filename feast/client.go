// Package feast 是 Feast 在线特征服务的客户端，物品特征注入（feature.FeastItemFeatures）使用它。
// 推荐链路只读在线特征；离线训练数据与物化由特征平台负责。
package feast

import (
	"context"
	"time"

	"github.com/rushteam/rslash/pkg/breaker"
)

// Client 是在线特征读取接口。
type Client interface {
	// GetOnlineFeatures 返回的 FeatureVectors 与 EntityRows 一一对应。
	GetOnlineFeatures(ctx context.Context, req *GetOnlineFeaturesRequest) (*GetOnlineFeaturesResponse, error)
	Close() error
}

// GetOnlineFeaturesRequest 例如 Features ["item_stats:engagement"]，EntityRows [{"item_id": "v123"}]。
type GetOnlineFeaturesRequest struct {
	Features   []string
	EntityRows []map[string]any

	// Project 为空时使用客户端默认项目
	Project string
}

type GetOnlineFeaturesResponse struct {
	FeatureVectors []FeatureVector
}

// FeatureVector 单个实体的特征。数值与布尔统一转成 float64，字符串原样保留。
type FeatureVector struct {
	Values    map[string]any
	EntityRow map[string]any
}

// Config 是 gRPC 客户端配置，Endpoint 形如 grpc://feast:6565，端口缺省 6565。
type Config struct {
	Endpoint string        `koanf:"endpoint"`
	Project  string        `koanf:"project"`
	Timeout  time.Duration `koanf:"timeout"`

	// Token 非空时使用静态 Token 认证
	Token string `koanf:"token"`
	TLS   bool   `koanf:"tls"`

	Breaker breaker.Config `koanf:"breaker"`
}
