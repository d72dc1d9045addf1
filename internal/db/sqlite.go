// Package db initializes the SQLite database backing the request
// monitor.
package db

import (
	"github.com/glebarez/sqlite"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database at dbPath and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(&models.RequestLog{}); err != nil {
		return nil, err
	}
	return database, nil
}
