package feast

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	feastsdk "github.com/feast-dev/feast/sdk/go"
	"github.com/feast-dev/feast/sdk/go/protos/feast/types"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/breaker"
)

const defaultPort = 6565

// servingClient 是 SDK 客户端中用到的部分。
type servingClient interface {
	GetOnlineFeatures(ctx context.Context, req *feastsdk.OnlineFeaturesRequest) (*feastsdk.OnlineFeaturesResponse, error)
	Close() error
}

// GrpcClient 基于官方 Feast Go SDK。调用受熔断保护，错误归一为 feature 模块的领域错误：
// 熔断打开或连接失败为 UNAVAILABLE，超时为 TIMEOUT。
type GrpcClient struct {
	client   servingClient
	cfg      Config
	endpoint string
	cb       *breaker.Breaker[*feastsdk.OnlineFeaturesResponse]
}

// Dial 按配置建立连接。
func Dial(cfg Config) (*GrpcClient, error) {
	host, port := parseEndpoint(cfg.Endpoint)
	if host == "" {
		return nil, fmt.Errorf("feast: endpoint is required")
	}
	var (
		client *feastsdk.GrpcClient
		err    error
	)
	if cfg.Token != "" || cfg.TLS {
		security := feastsdk.SecurityConfig{EnableTLS: cfg.TLS}
		if cfg.Token != "" {
			security.Credential = feastsdk.NewStaticCredential(cfg.Token)
		}
		client, err = feastsdk.NewSecureGrpcClient(host, port, security)
	} else {
		client, err = feastsdk.NewGrpcClient(host, port)
	}
	if err != nil {
		return nil, fmt.Errorf("feast: dial %s:%d: %w", host, port, err)
	}
	return newGrpcClient(client, cfg, fmt.Sprintf("%s:%d", host, port)), nil
}

func newGrpcClient(client servingClient, cfg Config, endpoint string) *GrpcClient {
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "feast"
	}
	return &GrpcClient{
		client:   client,
		cfg:      cfg,
		endpoint: endpoint,
		cb:       breaker.New[*feastsdk.OnlineFeaturesResponse](core.ModuleFeature, cfg.Breaker),
	}
}

// parseEndpoint 去掉协议前缀并拆出端口，端口缺省为 6565。
func parseEndpoint(endpoint string) (string, int) {
	for _, p := range []string{"grpc://", "http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, p)
	}
	if i := strings.LastIndex(endpoint, ":"); i >= 0 {
		if port, err := strconv.Atoi(endpoint[i+1:]); err == nil {
			return endpoint[:i], port
		}
	}
	return endpoint, defaultPort
}

func (c *GrpcClient) Endpoint() string { return c.endpoint }

func (c *GrpcClient) GetOnlineFeatures(ctx context.Context, req *GetOnlineFeaturesRequest) (*GetOnlineFeaturesResponse, error) {
	if len(req.Features) == 0 {
		return nil, core.Malformed(core.ModuleFeature, "feast: features are required")
	}
	if len(req.EntityRows) == 0 {
		return &GetOnlineFeaturesResponse{}, nil
	}
	project := req.Project
	if project == "" {
		project = c.cfg.Project
	}
	if project == "" {
		return nil, core.Malformed(core.ModuleFeature, "feast: project is required")
	}

	entities := make([]feastsdk.Row, len(req.EntityRows))
	for i, row := range req.EntityRows {
		r := make(feastsdk.Row, len(row))
		for k, v := range row {
			r[k] = toSDKValue(v)
		}
		entities[i] = r
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	resp, err := c.cb.Execute(func() (*feastsdk.OnlineFeaturesResponse, error) {
		return c.client.GetOnlineFeatures(ctx, &feastsdk.OnlineFeaturesRequest{
			Features: req.Features,
			Entities: entities,
			Project:  project,
		})
	})
	if err != nil {
		return nil, err
	}

	rows := resp.Rows()
	if len(rows) != len(req.EntityRows) {
		return nil, core.WrapDomainError(core.ModuleFeature, core.ErrorCodeUnavailable,
			"feast: bad response", fmt.Errorf("want %d rows, got %d", len(req.EntityRows), len(rows)))
	}
	vectors := make([]FeatureVector, len(rows))
	for i, row := range rows {
		values := make(map[string]any, len(req.Features))
		for _, name := range req.Features {
			if v := fromSDKValue(row[name]); v != nil {
				values[name] = v
			}
		}
		vectors[i] = FeatureVector{Values: values, EntityRow: req.EntityRows[i]}
	}
	return &GetOnlineFeaturesResponse{FeatureVectors: vectors}, nil
}

func (c *GrpcClient) Close() error { return c.client.Close() }

func toSDKValue(v any) *types.Value {
	switch val := v.(type) {
	case string:
		return feastsdk.StrVal(val)
	case int:
		return feastsdk.Int64Val(int64(val))
	case int64:
		return feastsdk.Int64Val(val)
	case float64:
		return feastsdk.DoubleVal(val)
	case bool:
		return feastsdk.BoolVal(val)
	default:
		return feastsdk.StrVal(fmt.Sprint(val))
	}
}

// fromSDKValue 数值与布尔统一转 float64（true=1），字符串原样返回，空值返回 nil。
func fromSDKValue(v *types.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.GetVal().(type) {
	case *types.Value_DoubleVal:
		return val.DoubleVal
	case *types.Value_FloatVal:
		return float64(val.FloatVal)
	case *types.Value_Int64Val:
		return float64(val.Int64Val)
	case *types.Value_Int32Val:
		return float64(val.Int32Val)
	case *types.Value_BoolVal:
		if val.BoolVal {
			return 1.0
		}
		return 0.0
	case *types.Value_StringVal:
		return val.StringVal
	default:
		return nil
	}
}

var _ Client = (*GrpcClient)(nil)
