package snapshotstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// openMySQL opens a MySQL-backed snapshot database from cfg.DSN.
func openMySQL(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("mysql dsn is required")
	}

	myCfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	if myCfg.Timeout == 0 {
		myCfg.Timeout = 5 * time.Second
	}

	connector, err := mysql.NewConnector(myCfg)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping snapshot store: %w", err)
	}
	return db, nil
}
