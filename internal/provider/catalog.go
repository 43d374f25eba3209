package provider

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	applog "chatrelay/internal/platform/log"
)

// ModelSpec 单个模型的路由与默认参数
type ModelSpec struct {
	ID                 string  `yaml:"id" json:"id"`
	Label              string  `yaml:"label" json:"label"` // 发往上游的 model 字段
	SupportsStreaming  bool    `yaml:"supports_streaming" json:"supports_streaming"`
	DefaultTemperature float64 `yaml:"default_temperature" json:"default_temperature"`
	Endpoint           string  `yaml:"endpoint" json:"endpoint"`
}

// Endpoint 上游 OpenAI 兼容服务地址
type Endpoint struct {
	Name      string `yaml:"name" json:"name"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	APIKey    string `yaml:"api_key" json:"-"`
	APIKeyEnv string `yaml:"api_key_env" json:"-"`
}

// Route 解析后的调用目标
type Route struct {
	Model    ModelSpec
	Endpoint Endpoint
}

// ConfigurationError 请求在发起网络调用前即可判定的配置错误
type ConfigurationError struct {
	Reason   string
	ModelID  string
	Endpoint string
}

const (
	ReasonUnknownModel         = "unknown_model"
	ReasonStreamingUnsupported = "streaming_unsupported"
	ReasonMissingEndpoint      = "missing_endpoint"
)

func (e *ConfigurationError) Error() string {
	switch e.Reason {
	case ReasonUnknownModel:
		return fmt.Sprintf("model %q is not registered", e.ModelID)
	case ReasonStreamingUnsupported:
		return fmt.Sprintf("model %q does not support streaming", e.ModelID)
	case ReasonMissingEndpoint:
		return fmt.Sprintf("endpoint %q for model %q is not configured", e.Endpoint, e.ModelID)
	default:
		return fmt.Sprintf("configuration error for model %q: %s", e.ModelID, e.Reason)
	}
}

// ClientFault 是否属于调用方错误（对应 HTTP 400），否则为服务端配置缺失（500）
func (e *ConfigurationError) ClientFault() bool {
	return e.Reason == ReasonUnknownModel || e.Reason == ReasonStreamingUnsupported
}

// Catalog 模型目录：模型 -> 端点
type Catalog struct {
	mu        sync.RWMutex
	models    map[string]ModelSpec
	endpoints map[string]Endpoint
}

type catalogFile struct {
	Models    []ModelSpec `yaml:"models"`
	Endpoints []Endpoint  `yaml:"endpoints"`
}

// DefaultCatalog 内置模型表。端点地址与密钥需由配置文件或环境变量补全。
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.RegisterModel(ModelSpec{ID: "deepseek-chat", Label: "deepseek-chat", SupportsStreaming: true, DefaultTemperature: 0.6, Endpoint: "deepseek"})
	c.RegisterModel(ModelSpec{ID: "gpt-5-mini", Label: "gpt-5-mini-2025-08-07", SupportsStreaming: true, DefaultTemperature: 0.4, Endpoint: "link_api"})
	c.RegisterModel(ModelSpec{ID: "gpt-5", Label: "gpt-5", SupportsStreaming: true, DefaultTemperature: 0.4, Endpoint: "link_api"})
	c.RegisterModel(ModelSpec{ID: "grok-4", Label: "grok-4", SupportsStreaming: true, DefaultTemperature: 0.4, Endpoint: "link_api"})
	c.RegisterEndpoint(Endpoint{Name: "deepseek", BaseURL: "https://api.deepseek.com/v1", APIKeyEnv: "DEEPSEEK_API_KEY"})
	c.RegisterEndpoint(Endpoint{Name: "link_api", APIKeyEnv: "LINK_API_KEY"})
	return c
}

// NewCatalog 创建空目录
func NewCatalog() *Catalog {
	return &Catalog{
		models:    make(map[string]ModelSpec),
		endpoints: make(map[string]Endpoint),
	}
}

// LoadCatalogFile 在 base 之上叠加 YAML 文件中的模型和端点（同名覆盖）
func LoadCatalogFile(base *Catalog, path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file %q failed: %w", path, err)
	}
	return LoadCatalog(base, data)
}

// LoadCatalog 解析 YAML 内容
func LoadCatalog(base *Catalog, data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse models file failed: %w", err)
	}

	c := base
	if c == nil {
		c = NewCatalog()
	}
	for _, m := range file.Models {
		if strings.TrimSpace(m.ID) == "" {
			return nil, errors.New("model entry without id")
		}
		if m.Label == "" {
			m.Label = m.ID
		}
		c.RegisterModel(m)
	}
	for _, ep := range file.Endpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return nil, errors.New("endpoint entry without name")
		}
		if prev, ok := c.endpoint(ep.Name); ok {
			if ep.BaseURL == "" {
				ep.BaseURL = prev.BaseURL
			}
			if ep.APIKeyEnv == "" {
				ep.APIKeyEnv = prev.APIKeyEnv
			}
		}
		c.RegisterEndpoint(ep)
	}

	applog.Info("[Catalog] ✅ Models loaded", "models", len(file.Models), "endpoints", len(file.Endpoints))
	return c, nil
}

// RegisterModel 注册或覆盖模型
func (c *Catalog) RegisterModel(m ModelSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.ID] = m
}

// RegisterEndpoint 注册或覆盖端点
func (c *Catalog) RegisterEndpoint(ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[ep.Name] = ep
}

func (c *Catalog) endpoint(name string) (Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[name]
	return ep, ok
}

// Resolve 按模型 ID 解析调用目标，不做任何网络请求
func (c *Catalog) Resolve(modelID string) (Route, error) {
	c.mu.RLock()
	model, ok := c.models[modelID]
	c.mu.RUnlock()
	if !ok {
		return Route{}, &ConfigurationError{Reason: ReasonUnknownModel, ModelID: modelID}
	}
	if !model.SupportsStreaming {
		return Route{}, &ConfigurationError{Reason: ReasonStreamingUnsupported, ModelID: modelID}
	}

	ep, ok := c.endpoint(model.Endpoint)
	if !ok {
		return Route{}, &ConfigurationError{Reason: ReasonMissingEndpoint, ModelID: modelID, Endpoint: model.Endpoint}
	}
	if ep.APIKey == "" && ep.APIKeyEnv != "" {
		ep.APIKey = os.Getenv(ep.APIKeyEnv)
	}
	if strings.TrimSpace(ep.BaseURL) == "" || strings.TrimSpace(ep.APIKey) == "" {
		return Route{}, &ConfigurationError{Reason: ReasonMissingEndpoint, ModelID: modelID, Endpoint: model.Endpoint}
	}
	return Route{Model: model, Endpoint: ep}, nil
}

// List 返回已注册的模型 ID（有序）
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
