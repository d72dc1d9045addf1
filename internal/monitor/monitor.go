// Package monitor records proxied requests for the /api/requests
// read-out.
package monitor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/db/models"
	"gorm.io/gorm"
)

// MaxMemoryLogs limits the in-memory recent-log cache.
const MaxMemoryLogs = 100

// ProxyMonitor manages request logging and statistics.
type ProxyMonitor struct {
	db      *gorm.DB
	enabled atomic.Bool

	recentLogs []models.RequestLog
	logsMu     sync.RWMutex

	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
}

// NewProxyMonitor creates a monitor over an initialized database.
func NewProxyMonitor(database *gorm.DB) *ProxyMonitor {
	pm := &ProxyMonitor{
		db:         database,
		recentLogs: make([]models.RequestLog, 0, MaxMemoryLogs),
	}
	pm.loadStatsFromDB()
	return pm
}

// SetEnabled enables or disables request logging.
func (pm *ProxyMonitor) SetEnabled(enabled bool) {
	pm.enabled.Store(enabled)
}

// IsEnabled returns whether logging is enabled.
func (pm *ProxyMonitor) IsEnabled() bool {
	return pm.enabled.Load()
}

// LogRequest records an API request (async, non-blocking).
func (pm *ProxyMonitor) LogRequest(entry models.RequestLog) {
	if !pm.IsEnabled() {
		return
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	pm.totalRequests.Add(1)
	if entry.Status >= 200 && entry.Status < 400 {
		pm.successCount.Add(1)
	} else {
		pm.errorCount.Add(1)
	}

	pm.logsMu.Lock()
	pm.recentLogs = append([]models.RequestLog{entry}, pm.recentLogs...)
	if len(pm.recentLogs) > MaxMemoryLogs {
		pm.recentLogs = pm.recentLogs[:MaxMemoryLogs]
	}
	pm.logsMu.Unlock()

	go func(e models.RequestLog) {
		if err := pm.db.Create(&e).Error; err != nil {
			log.Printf("⚠️ [Monitor] Failed to save log: %v", err)
		}
	}(entry)
}

// GetLogs returns recent request logs, newest first.
func (pm *ProxyMonitor) GetLogs(limit int) []models.RequestLog {
	if limit <= 0 {
		limit = MaxMemoryLogs
	}

	var logs []models.RequestLog
	if err := pm.db.Order("timestamp DESC").Limit(limit).Find(&logs).Error; err != nil {
		log.Printf("⚠️ [Monitor] Failed to get logs from DB: %v", err)
		pm.logsMu.RLock()
		defer pm.logsMu.RUnlock()
		if limit > len(pm.recentLogs) {
			limit = len(pm.recentLogs)
		}
		return pm.recentLogs[:limit]
	}
	return logs
}

// GetStats returns aggregated request statistics.
func (pm *ProxyMonitor) GetStats() models.RequestStats {
	return models.RequestStats{
		TotalRequests: pm.totalRequests.Load(),
		SuccessCount:  pm.successCount.Load(),
		ErrorCount:    pm.errorCount.Load(),
	}
}

func (pm *ProxyMonitor) loadStatsFromDB() {
	var total, success, errs int64

	pm.db.Model(&models.RequestLog{}).Count(&total)
	pm.db.Model(&models.RequestLog{}).Where("status >= 200 AND status < 400").Count(&success)
	pm.db.Model(&models.RequestLog{}).Where("status < 200 OR status >= 400").Count(&errs)

	pm.totalRequests.Store(total)
	pm.successCount.Store(success)
	pm.errorCount.Store(errs)
}
