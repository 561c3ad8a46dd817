// This package defines the sql database handle shared by the relay and the client. It opens either a
// url-addressed database (postgres or sqlite) or an encrypted SQLCipher file, and runs every unit of
// work inside an explicit transaction handed to the caller.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/migration"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"github.com/xo/dburl"
	"go.uber.org/zap"

	// adds postgres support
	_ "github.com/lib/pq"
)

const sqliteDriverName = "sqlite3_relay"

type RunnerFunc func(tx *sqlx.Tx) error

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB

	config *config.Config
	driver string
	lock   sync.Mutex
	closed bool
}

var registerOnce sync.Once

// NewDatabase opens the database addressed by rawURL, for instance postgres://user@host/relay or
// sqlite3:/var/lib/relay/relay.db.
func NewDatabase(c *config.Config, rawURL string) (*Database, error) {
	registerDriver()
	u, err := dburl.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("db: error parsing database url: %w", err)
	}

	driver := u.Driver
	if driver == "sqlite3" {
		driver = sqliteDriverName
	}
	conn, err := sqlx.Open(driver, u.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s database: %w", u.Driver, err)
	}
	if driver == sqliteDriverName {
		conn.DB.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: unable to reach database: %w", err)
	}
	return newDatabase(c, conn, driver), nil
}

// NewEncryptedDatabase opens, creating if needed, the SQLCipher file at path keyed by a 32 byte key.
func NewEncryptedDatabase(c *config.Config, path string, key []byte) (*Database, error) {
	registerDriver()
	if len(key) != 32 {
		return nil, fmt.Errorf("expected key of length 32, got %d", len(key))
	}
	if _, err := os.Stat(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	formattedPath := fmt.Sprintf("file:%s?_busy_timeout=5000&_secure_delete=on&_journal_mode=WAL&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(path), key)
	conn, err := sqlx.Open(sqliteDriverName, formattedPath)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s %w", path, err)
	}
	conn.DB.SetMaxOpenConns(1)

	if _, err := conn.Exec("SELECT name FROM sqlite_master limit 1"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: unable to read from database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA temp_store = 2"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: error setting temp_store: %w", err)
	}
	return newDatabase(c, conn, sqliteDriverName), nil
}

func newDatabase(c *config.Config, conn *sqlx.DB, driver string) *Database {
	db := &Database{
		Log:    c.Logger("db"),
		Conn:   conn,
		config: c,
		driver: driver,
	}
	db.Log.Debugf("opened %s database", driver)
	return db
}

func (db *Database) DB() *sql.DB {
	return db.Conn.DB
}

// SQLite reports whether the handle is backed by the sqlite driver.
func (db *Database) SQLite() bool {
	return db.driver == sqliteDriverName
}

func (db *Database) Vacuum(ctx context.Context) error {
	if !db.SQLite() {
		return nil
	}
	_, err := db.Conn.ExecContext(ctx, "VACUUM")
	return err
}

func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.Conn.Close()
}

func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	m := newMigrator(db.config, db, name, migrations)
	return m.migrate()
}

// RunTx runs runner inside a new transaction, committing when it returns nil.
func (db *Database) RunTx(ctx context.Context, label string, txOptions *sql.TxOptions, runner RunnerFunc) error {
	start := time.Now()
	tx, err := db.Conn.BeginTxx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	obtained := time.Now()
	defer func() {
		db.Log.Debugf("completed %s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
	}()

	if runerr := runner(tx); runerr != nil {
		db.Log.Debugf("rolling back %s due to %v", label, runerr)
		if err := tx.Rollback(); err != nil {
			db.Log.Warnf("error while rolling back %s with %#v", label, err)
		}
		return runerr
	}
	if err := tx.Commit(); err != nil {
		db.Log.Warnf("error while committing %s with %#v '%s'", label, err, err.Error())
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	return nil
}

func (db *Database) Run(ctx context.Context, label string, runner RunnerFunc) error {
	return db.RunTx(ctx, label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, runner)
}

func (db *Database) RunReadOnly(ctx context.Context, label string, runner RunnerFunc) error {
	// sqlite ignores read only transactions and postgres honours them
	return db.RunTx(ctx, label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: !db.SQLite()}, runner)
}

func registerDriver() {
	registerOnce.Do(func() {
		for _, d := range sql.Drivers() {
			if d == sqliteDriverName {
				return
			}
		}
		sql.Register(sqliteDriverName,
			&sqlite3.SQLiteDriver{
				ConnectHook: func(conn *sqlite3.SQLiteConn) error {
					if _, err := conn.Exec("PRAGMA foreign_keys = ON", nil); err != nil {
						return err
					}
					_, err := conn.Exec("PRAGMA busy_timeout = 5000", nil)
					return err
				},
			})
		sqlx.BindDriver(sqliteDriverName, sqlx.DOLLAR)
	})
}
