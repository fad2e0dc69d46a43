package api

import (
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 保存最近的日志，供 /api/v1/logs 查询
type LogManager struct {
	logs    []LogEntry
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, 0, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志，超过上限时丢弃最旧的
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs = append(lm.logs, LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	})
	if len(lm.logs) > lm.maxLogs {
		lm.logs = lm.logs[len(lm.logs)-lm.maxLogs:]
	}
}

// LogQuery 日志查询条件，空值表示不过滤
type LogQuery struct {
	Level     string
	RequestID string
	Page      int
	PageSize  int
}

// Query 按条件过滤并分页，最新的日志在前
func (lm *LogManager) Query(q LogQuery) ([]LogEntry, int) {
	lm.mu.RLock()
	matched := lo.Filter(lm.logs, func(e LogEntry, _ int) bool {
		if q.Level != "" && e.Level != q.Level {
			return false
		}
		if q.RequestID != "" && e.Fields["request_id"] != q.RequestID {
			return false
		}
		return true
	})
	lm.mu.RUnlock()

	matched = lo.Reverse(matched)
	total := len(matched)

	start := (q.Page - 1) * q.PageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// Len 当前保存的日志数量
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.logs)
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, 0, lm.maxLogs)
}

// LogHook 将日志写入 LogManager 的 logrus 钩子
type LogHook struct {
	manager *LogManager
	levels  []logrus.Level
}

// NewLogHook 创建日志钩子，只收集 minLevel 及更严重的日志
func NewLogHook(manager *LogManager, minLevel logrus.Level) *LogHook {
	return &LogHook{
		manager: manager,
		levels: lo.Filter(logrus.AllLevels, func(l logrus.Level, _ int) bool {
			return l <= minLevel
		}),
	}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}
