package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	t.Run("creates nested directories and file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data", "automation.db")
		db, err := Open(Config{Path: path, WALMode: true, BusyTimeout: 5})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close()

		// Force a write so the file certainly exists.
		if _, err := db.Exec(`CREATE TABLE probe (id INTEGER PRIMARY KEY) STRICT`); err != nil {
			t.Fatalf("create table: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("database file missing: %v", err)
		}

		var mode string
		if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
			t.Fatalf("journal_mode: %v", err)
		}
		if !strings.EqualFold(mode, "wal") {
			t.Errorf("journal_mode = %q, want wal", mode)
		}
	})

	t.Run("in-memory keeps state on its single connection", func(t *testing.T) {
		db := openMemory(t)
		ctx := context.Background()
		if _, err := db.ExecContext(ctx, `CREATE TABLE probe (id INTEGER PRIMARY KEY) STRICT`); err != nil {
			t.Fatalf("create table: %v", err)
		}
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM probe`).Scan(&n); err != nil {
			t.Fatalf("query after create: %v", err)
		}
		if got := db.Stats().MaxOpenConnections; got != 1 {
			t.Errorf("MaxOpenConnections = %d, want 1", got)
		}
	})

	t.Run("foreign keys enforced", func(t *testing.T) {
		db := openMemory(t)
		var on int
		if err := db.QueryRow(`PRAGMA foreign_keys`).Scan(&on); err != nil {
			t.Fatalf("foreign_keys: %v", err)
		}
		if on != 1 {
			t.Errorf("foreign_keys = %d, want 1", on)
		}
	})

	t.Run("rejects empty path", func(t *testing.T) {
		if _, err := Open(Config{}); err == nil {
			t.Error("Open() with empty path should fail")
		}
	})
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantWAL bool
	}{
		{"file with wal", Config{Path: "/var/lib/a.db", WALMode: true, BusyTimeout: 5}, "file:/var/lib/a.db?_busy_timeout=5000&_foreign_keys=on", true},
		{"file without wal", Config{Path: "/var/lib/a.db", BusyTimeout: 1}, "file:/var/lib/a.db?_busy_timeout=1000&_foreign_keys=on", false},
		{"memory ignores wal", Config{Path: MemoryPath, WALMode: true}, "file::memory:?_busy_timeout=0&_foreign_keys=on", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.dsn()
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("dsn() = %q, want prefix %q", got, tt.want)
			}
			if strings.Contains(got, "_journal_mode=WAL") != tt.wantWAL {
				t.Errorf("dsn() = %q, WAL expected %v", got, tt.wantWAL)
			}
		})
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	db, err := Open(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := db.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() after Close should fail")
	}

	var zero *DB
	if err := zero.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestWithTx(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT) STRICT`); err != nil {
		t.Fatal(err)
	}

	count := func() int {
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
			t.Fatal(err)
		}
		return n
	}

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv VALUES ('a', '1')`)
		return err
	})
	if err != nil || count() != 1 {
		t.Fatalf("commit: err = %v, rows = %d", err, count())
	}

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv VALUES ('b', '2')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("WithTx() error = %v, want boom", err)
	}
	if count() != 1 {
		t.Errorf("rows after rollback = %d, want 1", count())
	}
}
