package datastore

import (
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/parkctl/internal/logger"
)

func openMySQL(dsn string, cfg *gorm.Config, log logger.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql journal requires a dsn")
	}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		log.Error("failed to open MySQL database",
			logger.String("dsn", redactDSN(dsn)),
			logger.Error(err))
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	return db, nil
}

// redactDSN masks the password so a DSN can be logged.
func redactDSN(dsn string) string {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "[REDACTED DSN]"
	}
	if cfg.Passwd != "" {
		cfg.Passwd = "xxxxx"
	}
	return cfg.FormatDSN()
}
