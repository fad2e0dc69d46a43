package config

import (
	"fmt"
	"math/big"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"bundler/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// 环境变量
const (
	EnvDatabaseDSN = "BUNDLER_DB_DSN"
	EnvInfuraID    = "INFURA_ID"
)

// DefaultEntryPoint EntryPoint v0.6 部署地址
const DefaultEntryPoint = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"

// networkShorthand 仅由字母数字、下划线、连字符组成的节点地址视为网络名
var networkShorthand = regexp.MustCompile(`^[\w-]+$`)

// Config 主配置
type Config struct {
	Bundler *BundlerConfig     `mapstructure:"bundler" validate:"required"`
	Nodes   []*NodeConfig      `mapstructure:"nodes" validate:"required,min=1,dive,required"`
	Gas     *GasConfig         `mapstructure:"gas" validate:"required"`
	Server  *ServerConfig      `mapstructure:"server" validate:"required"`
	Mempool *MempoolConfig     `mapstructure:"mempool" validate:"required"`
	Logging *logging.LogConfig `mapstructure:"logging" validate:"required"`
}

// BundlerConfig 打包器配置
type BundlerConfig struct {
	EntryPoint      string   `mapstructure:"entry_point" validate:"required,eth_addr"`
	Beneficiary     string   `mapstructure:"beneficiary" validate:"required,eth_addr"`
	SignerAddress   string   `mapstructure:"signer_address" validate:"required,eth_addr"`
	MinBalance      *big.Int `mapstructure:"min_balance" validate:"required"`
	Unsafe          bool     `mapstructure:"unsafe"`
	LookupFromBlock uint64   `mapstructure:"lookup_from_block"`
}

// EntryPointAddress EntryPoint 地址
func (b *BundlerConfig) EntryPointAddress() common.Address {
	return common.HexToAddress(b.EntryPoint)
}

// BeneficiaryAddress 收益地址
func (b *BundlerConfig) BeneficiaryAddress() common.Address {
	return common.HexToAddress(b.Beneficiary)
}

// Signer 签名账户地址
func (b *BundlerConfig) Signer() common.Address {
	return common.HexToAddress(b.SignerAddress)
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	URL      string `mapstructure:"url" validate:"required"`
	Priority int    `mapstructure:"priority" validate:"gte=0"`
}

// GasConfig gas估算配置
type GasConfig struct {
	L1GasOracle                 string          `mapstructure:"l1_gas_oracle" validate:"oneof=none arbitrum"`
	L1GasMultiplier             decimal.Decimal `mapstructure:"l1_gas_multiplier"`
	DefaultVerificationGasLimit *big.Int        `mapstructure:"default_verification_gas_limit" validate:"required"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535"`
}

// Address 监听地址
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MempoolConfig 执行网关配置
type MempoolConfig struct {
	Type  string       `mapstructure:"type" validate:"oneof=kafka bolt"`
	Kafka *KafkaConfig `mapstructure:"kafka"`
	Bolt  *BoltConfig  `mapstructure:"bolt"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// BoltConfig 本地日志配置
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// Options 加载选项
type Options struct {
	// ConfigFile YAML配置文件路径，为空时只使用默认值
	ConfigFile string
	// DatabaseDSN 数据库覆盖配置，为空时读取 BUNDLER_DB_DSN
	DatabaseDSN string
	// Network 命令行指定的网络名或节点URL，替换 nodes
	Network string
	// Flags 命令行参数，按 FlagBindings 绑定
	Flags *pflag.FlagSet
}

// FlagBindings 配置键与命令行参数的对应关系
var FlagBindings = map[string]string{
	"server.port":    "port",
	"bundler.unsafe": "unsafe",
}

// SetDefaults 设置默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("bundler.entry_point", DefaultEntryPoint)
	v.SetDefault("bundler.min_balance", "0")
	v.SetDefault("bundler.unsafe", false)
	v.SetDefault("bundler.lookup_from_block", 0)

	v.SetDefault("gas.l1_gas_oracle", "none")
	v.SetDefault("gas.l1_gas_multiplier", "1.4")
	v.SetDefault("gas.default_verification_gas_limit", "10000000")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)

	v.SetDefault("mempool.type", "bolt")
	v.SetDefault("mempool.bolt.path", "./data/mempool.db")
	v.SetDefault("mempool.kafka.topic", "bundler_user_operations")

	v.SetDefault("logging.level", logging.DefaultLogConfig.Level)
	v.SetDefault("logging.format", logging.DefaultLogConfig.Format)
	v.SetDefault("logging.output", logging.DefaultLogConfig.Output)
}

// LoadConfig 加载配置
//
// 合并顺序：默认值 → YAML文件 → 数据库覆盖 → 命令行参数。
func LoadConfig(opts Options, logger *logrus.Logger) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	dsn := opts.DatabaseDSN
	if dsn == "" {
		dsn = os.Getenv(EnvDatabaseDSN)
	}
	if dsn != "" {
		dbConfig, err := NewDatabaseConfig(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		overrides, err := dbConfig.LoadOverrides()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}
		if err := v.MergeConfigMap(NestOverrides(overrides)); err != nil {
			return nil, fmt.Errorf("合并数据库配置失败: %w", err)
		}
		logger.Infof("已从数据库加载 %d 项配置覆盖", len(overrides))
	}

	if opts.Flags != nil {
		for key, name := range FlagBindings {
			if flag := opts.Flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("绑定命令行参数 %s 失败: %w", name, err)
				}
			}
		}
	}

	config, err := Decode(v)
	if err != nil {
		return nil, err
	}

	if opts.Network != "" {
		config.Nodes = []*NodeConfig{{Name: opts.Network, URL: opts.Network}}
	}
	if err := config.resolveNodeURLs(os.Getenv(EnvInfuraID)); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Decode 将 viper 中的配置严格解码到结构体，未知键会报错
func Decode(v *viper.Viper) (*Config, error) {
	var config Config
	err := v.UnmarshalExact(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		stringToBigIntHook(),
		stringToDecimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &config, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	if c.Bundler.MinBalance.Sign() < 0 {
		return fmt.Errorf("配置校验失败: bundler.min_balance 不能为负数")
	}
	if c.Gas.DefaultVerificationGasLimit.Sign() <= 0 {
		return fmt.Errorf("配置校验失败: gas.default_verification_gas_limit 必须大于0")
	}
	if c.Gas.L1GasMultiplier.Sign() <= 0 {
		return fmt.Errorf("配置校验失败: gas.l1_gas_multiplier 必须大于0")
	}
	if c.Mempool.Type == "kafka" && (c.Mempool.Kafka == nil || len(c.Mempool.Kafka.Brokers) == 0) {
		return fmt.Errorf("配置校验失败: mempool.kafka.brokers 不能为空")
	}
	return nil
}

// SortedNodes 按优先级排序的节点（数值越小越优先）
func (c *Config) SortedNodes() []*NodeConfig {
	nodes := make([]*NodeConfig, len(c.Nodes))
	copy(nodes, c.Nodes)
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Priority < nodes[j].Priority
	})
	return nodes
}

// resolveNodeURLs 展开网络名形式的节点地址
func (c *Config) resolveNodeURLs(infuraID string) error {
	for _, node := range c.Nodes {
		if node == nil {
			continue
		}
		url, err := ExpandNetworkURL(node.URL, infuraID)
		if err != nil {
			return fmt.Errorf("节点 %s: %w", node.Name, err)
		}
		node.URL = url
	}
	return nil
}

// ExpandNetworkURL 把网络名（如 goerli、arbitrum-mainnet）展开为 Infura 地址，完整URL原样返回
func ExpandNetworkURL(url, infuraID string) (string, error) {
	if !networkShorthand.MatchString(url) {
		return url, nil
	}
	if infuraID == "" {
		return "", fmt.Errorf("使用网络名 %q 需要设置环境变量 %s", url, EnvInfuraID)
	}
	return fmt.Sprintf("https://%s.infura.io/v3/%s", url, infuraID), nil
}

// NestOverrides 把 "section.key" 形式的扁平键转换为嵌套结构
func NestOverrides(overrides map[string]string) map[string]interface{} {
	root := make(map[string]interface{})
	for key, value := range overrides {
		parts := strings.Split(key, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return root
}

// stringToBigIntHook 十进制或0x十六进制字符串、整数转换为 *big.Int
func stringToBigIntHook() mapstructure.DecodeHookFuncType {
	bigIntType := reflect.TypeOf((*big.Int)(nil))
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != bigIntType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			n, ok := new(big.Int).SetString(strings.TrimSpace(v), 0)
			if !ok {
				return nil, fmt.Errorf("无效的整数: %q", v)
			}
			return n, nil
		case int:
			return big.NewInt(int64(v)), nil
		case int64:
			return big.NewInt(v), nil
		case uint64:
			return new(big.Int).SetUint64(v), nil
		case float64:
			return decimal.NewFromFloat(v).BigInt(), nil
		default:
			return data, nil
		}
	}
}

// stringToDecimalHook 字符串或数值转换为 decimal.Decimal
func stringToDecimalHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return data, nil
		}
	}
}
