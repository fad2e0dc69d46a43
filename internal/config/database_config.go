package config

import (
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/lib/pq"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// OverridesTable 覆盖配置表
//
//	CREATE TABLE bundler_config (
//	    config_key   TEXT PRIMARY KEY,
//	    config_value TEXT NOT NULL,
//	    is_active    BOOLEAN NOT NULL DEFAULT true,
//	    updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
//	);
const OverridesTable = "bundler_config"

// OverridableKeys 允许从数据库覆盖的配置键
var OverridableKeys = []string{
	"bundler.entry_point",
	"bundler.beneficiary",
	"bundler.signer_address",
	"bundler.min_balance",
	"bundler.unsafe",
	"bundler.lookup_from_block",
	"gas.l1_gas_oracle",
	"gas.l1_gas_multiplier",
	"gas.default_verification_gas_limit",
	"mempool.type",
	"mempool.kafka.topic",
	"mempool.bolt.path",
	"logging.level",
}

// IsOverridableKey 判断配置键是否允许覆盖
func IsOverridableKey(key string) bool {
	return lo.Contains(OverridableKeys, key)
}

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// LoadOverrides 读取生效的覆盖配置，忽略不在白名单中的键
func (dc *DatabaseConfig) LoadOverrides() (map[string]string, error) {
	configs, err := dc.ListConfigs()
	if err != nil {
		return nil, err
	}

	overrides := lo.PickBy(configs, func(key string, _ string) bool {
		if !IsOverridableKey(key) {
			dc.logger.Warnf("忽略不支持的覆盖配置: %s", key)
			return false
		}
		return true
	})
	return overrides, nil
}

// UpdateConfig 更新配置
func (dc *DatabaseConfig) UpdateConfig(key, value string) error {
	if !IsOverridableKey(key) {
		return fmt.Errorf("不支持的配置键: %s", key)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (config_key, config_value, is_active, updated_at)
		VALUES ($1, $2, true, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, is_active = true, updated_at = CURRENT_TIMESTAMP
	`, OverridesTable)

	_, err := dc.DB.Exec(query, key, value)
	return err
}

// DisableConfig 停用一项覆盖
func (dc *DatabaseConfig) DisableConfig(key string) error {
	query := fmt.Sprintf(`UPDATE %s SET is_active = false, updated_at = CURRENT_TIMESTAMP WHERE config_key = $1`, OverridesTable)
	_, err := dc.DB.Exec(query, key)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(key string) (string, error) {
	query := fmt.Sprintf(`SELECT config_value FROM %s WHERE config_key = $1 AND is_active = true`, OverridesTable)
	var value string
	err := dc.DB.QueryRow(query, key).Scan(&value)
	return value, err
}

// ListConfigs 列出所有生效的配置
func (dc *DatabaseConfig) ListConfigs() (map[string]string, error) {
	query := fmt.Sprintf(`SELECT config_key, config_value FROM %s WHERE is_active = true`, OverridesTable)
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}
	return configs, rows.Err()
}

// SortedKeys 排序后的键，便于输出
func SortedKeys(configs map[string]string) []string {
	keys := lo.Keys(configs)
	sort.Strings(keys)
	return keys
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
