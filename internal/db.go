package internal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prappser/multipart_uploader/internal/migrations"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

func NewDB(config DBConfig) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", config.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db}, nil
}
