package api

import (
	"database/sql"
	"errors"
	"net/http"

	"bundler/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// OverrideStore 数据库覆盖配置的读写
type OverrideStore interface {
	ListConfigs() (map[string]string, error)
	GetConfig(key string) (string, error)
	UpdateConfig(key, value string) error
	DisableConfig(key string) error
}

// ConfigManager 覆盖配置管理接口，修改在重启后生效
type ConfigManager struct {
	store  OverrideStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store OverrideStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		store:  store,
		logger: logger,
	}
}

// GetConfig 获取覆盖配置，带 key 参数时只返回单项
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	key := c.Query("key")

	if key == "" {
		configs, err := cm.store.ListConfigs()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "获取配置失败",
				"message": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"configs":     configs,
			"overridable": config.OverridableKeys,
		})
		return
	}

	value, err := cm.store.GetConfig(key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "配置不存在",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"value": value,
	})
}

// UpdateConfig 更新覆盖配置
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if !config.IsOverridableKey(req.Key) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "不支持的配置键",
			"key":   req.Key,
		})
		return
	}

	if err := cm.store.UpdateConfig(req.Key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "更新配置失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.WithFields(logrus.Fields{"key": req.Key, "value": req.Value}).Info("覆盖配置已更新")
	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功，重启后生效",
		"config": gin.H{
			"key":   req.Key,
			"value": req.Value,
		},
	})
}

// DisableConfig 停用覆盖配置
func (cm *ConfigManager) DisableConfig(c *gin.Context) {
	key := c.Param("key")
	if err := cm.store.DisableConfig(key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "停用配置失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.WithField("key", key).Info("覆盖配置已停用")
	c.JSON(http.StatusOK, gin.H{
		"message": "配置已停用，重启后生效",
		"key":     key,
	})
}
