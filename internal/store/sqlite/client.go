// Package sqlite implements the durable store interfaces on an embedded
// SQLite file. The file is opened in WAL mode so a single writer process and
// any number of read-only processes can share it.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Mode selects how the database file is opened.
type Mode string

const (
	// ModeReadWrite is for the single writer process. It creates the file
	// and runs migrations.
	ModeReadWrite Mode = "rw"
	// ModeReadOnly is for reader processes. Writes fail at the driver.
	ModeReadOnly Mode = "ro"
)

// Client wraps the gorm handle for the bar/trade/control/pnl/strategy stores.
type Client struct {
	db   *gorm.DB
	mode Mode
}

// Open opens (and for ModeReadWrite, creates and migrates) the database at
// path.
func Open(path string, mode Mode) (*Client, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if mode == ModeReadOnly {
		dsn = "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	c := &Client{db: db, mode: mode}
	if mode == ModeReadWrite {
		// One connection serializes all writes; concurrent callers queue in
		// the pool instead of racing into SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
		}
		sqlDB.SetMaxOpenConns(1)

		if err := c.migrate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) migrate() error {
	err := c.db.AutoMigrate(
		&barRow{},
		&tradeRow{},
		&controlFlagRow{},
		&pnlRow{},
		&strategyRow{},
	)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for the write proxy's raw SQL surface.
func (c *Client) DB() *gorm.DB { return c.db }

// Close closes the underlying connection.
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return sqlDB.Close()
}
