package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "cast-on-tenderly/internal/errors"
	"cast-on-tenderly/pkg/logger"
)

// 默认值来自 Goerli 上部署的 DSChief。
const (
	DefaultNetworkID        uint64 = 5
	DefaultChiefAddress            = "0x33Ed584fc655b08b2bca45E1C5b5f07c98053bC1"
	DefaultHatSlot          uint64 = 12
	DefaultGasLimit         uint64 = 1_000_000_000
	DefaultTimeWarpSeconds  uint64 = 60
	DefaultAPIBaseURL              = "https://api.tenderly.co/api/v1"
	DefaultRPCBaseURL              = "https://rpc.tenderly.co/fork"
	DefaultDashboardBaseURL        = "https://dashboard.tenderly.co"
)

// RequiredEnv 列出启动前必须提供的环境变量。
var RequiredEnv = []string{"TENDERLY_USER", "TENDERLY_PROJECT", "TENDERLY_ACCESS_KEY"}

// Config 描述一次施法运行的全部可调参数。
type Config struct {
	NetworkID               uint64         `yaml:"network_id"`
	ChiefAddress            string         `yaml:"chief_address"`
	HatSlot                 uint64         `yaml:"hat_slot"`
	GasLimit                uint64         `yaml:"gas_limit"`
	TimeWarpSeconds         uint64         `yaml:"time_warp_seconds"`
	TolerateScheduleFailure bool           `yaml:"tolerate_schedule_failure"`
	Publish                 bool           `yaml:"publish"`
	From                    string         `yaml:"from"`
	ReceiptPollIntervalMS   int            `yaml:"receipt_poll_interval_ms"`
	Tenderly                TenderlyConfig `yaml:"tenderly"`
	Log                     logger.Config  `yaml:"log"`
	Notify                  NotifyConfig   `yaml:"notify"`
}

// TenderlyConfig 描述模拟服务的访问端点。
type TenderlyConfig struct {
	APIBaseURL         string `yaml:"api_base_url"`
	RPCBaseURL         string `yaml:"rpc_base_url"`
	DashboardBaseURL   string `yaml:"dashboard_base_url"`
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
}

// HTTPTimeout 返回 HTTP 请求的超时时间，未配置时为 0。
func (c TenderlyConfig) HTTPTimeout() time.Duration {
	if c.HTTPTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// NotifyConfig 控制运行结果的广播渠道，均为可选。
type NotifyConfig struct {
	Redis    RedisNotifyConfig    `yaml:"redis"`
	RabbitMQ RabbitMQNotifyConfig `yaml:"rabbitmq"`
}

// RedisNotifyConfig 描述 Redis 发布订阅渠道。
type RedisNotifyConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// RabbitMQNotifyConfig 描述 RabbitMQ 交换机渠道。
type RabbitMQNotifyConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// Credentials 是访问 Tenderly 所需的身份信息，只从环境变量读取。
type Credentials struct {
	User      string `env:"TENDERLY_USER,required,notEmpty"`
	Project   string `env:"TENDERLY_PROJECT,required,notEmpty"`
	AccessKey string `env:"TENDERLY_ACCESS_KEY,required,notEmpty"`
}

// Default 返回未加载任何文件时使用的配置。
func Default() *Config {
	return &Config{
		NetworkID:             DefaultNetworkID,
		ChiefAddress:          DefaultChiefAddress,
		HatSlot:               DefaultHatSlot,
		GasLimit:              DefaultGasLimit,
		TimeWarpSeconds:       DefaultTimeWarpSeconds,
		ReceiptPollIntervalMS: 500,
		Tenderly: TenderlyConfig{
			APIBaseURL:         DefaultAPIBaseURL,
			RPCBaseURL:         DefaultRPCBaseURL,
			DashboardBaseURL:   DefaultDashboardBaseURL,
			HTTPTimeoutSeconds: 30,
		},
		Log: logger.Config{Level: "info", Format: "text"},
	}
}

// Load 解析指定路径的 YAML 配置，文件中出现的字段覆盖默认值。
// 路径为空时直接返回默认配置。
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "读取配置文件失败")
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.ReceiptPollIntervalMS <= 0 {
		c.ReceiptPollIntervalMS = 500
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}
	c.Tenderly.APIBaseURL = strings.TrimRight(c.Tenderly.APIBaseURL, "/")
	c.Tenderly.RPCBaseURL = strings.TrimRight(c.Tenderly.RPCBaseURL, "/")
	c.Tenderly.DashboardBaseURL = strings.TrimRight(c.Tenderly.DashboardBaseURL, "/")
}

// Validate 检查配置是否足以开始一次运行。
func (c *Config) Validate() error {
	var problems []error
	if !common.IsHexAddress(c.ChiefAddress) {
		problems = append(problems, fmt.Errorf("chief_address 不是合法地址: %q", c.ChiefAddress))
	}
	if c.From != "" && !common.IsHexAddress(c.From) {
		problems = append(problems, fmt.Errorf("from 不是合法地址: %q", c.From))
	}
	if c.GasLimit == 0 {
		problems = append(problems, errors.New("gas_limit 必须大于 0"))
	}
	if c.Tenderly.APIBaseURL == "" || c.Tenderly.RPCBaseURL == "" || c.Tenderly.DashboardBaseURL == "" {
		problems = append(problems, errors.New("tenderly 端点不能为空"))
	}
	if len(problems) > 0 {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, errors.Join(problems...), "")
	}
	return nil
}

// ReceiptPollInterval 返回等待交易回执时的轮询间隔。
func (c *Config) ReceiptPollInterval() time.Duration {
	if c.ReceiptPollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.ReceiptPollIntervalMS) * time.Millisecond
}

// LoadCredentials 从环境变量读取 Tenderly 身份信息。缺少任意一个变量时，
// 错误信息会一次性列出全部必需变量。
func LoadCredentials() (Credentials, error) {
	return loadCredentials(env.Options{})
}

func loadCredentials(opts env.Options) (Credentials, error) {
	var creds Credentials
	if err := env.ParseWithOptions(&creds, opts); err != nil {
		return Credentials{}, xerrors.Wrap(xerrors.CodeMissingEnv, err,
			fmt.Sprintf("请提供全部必需的环境变量: %s", strings.Join(RequiredEnv, ", ")))
	}
	return creds, nil
}
