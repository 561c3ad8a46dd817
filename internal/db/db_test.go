package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/migration"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	c := config.NewConfig(config.WithLogFile(""))
	d, err := NewDatabase(c, fmt.Sprintf("sqlite3:%s", filepath.Join(t.TempDir(), "relay.db")))
	require.Nil(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

var itemMigrations = []*migration.Migration{
	{
		Name: "create items",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE items (id TEXT PRIMARY KEY, n BIGINT NOT NULL)")
			return err
		},
	},
	{
		Name: "add items label",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec("ALTER TABLE items ADD COLUMN label TEXT NOT NULL DEFAULT ''")
			return err
		},
	},
}

func TestMigrateIsIdempotent(t *testing.T) {
	require := require.New(t)
	d := newTestDB(t)

	require.Nil(d.Migrate("items", itemMigrations[:1]))
	require.Nil(d.Migrate("items", itemMigrations))
	require.Nil(d.Migrate("items", itemMigrations))

	var count int
	require.Nil(d.Conn.Get(&count, "SELECT count(*) FROM _migrations_items"))
	require.Equal(2, count)
	require.Error(d.Migrate("items", itemMigrations[:1]))
}

func TestRunRollsBack(t *testing.T) {
	require := require.New(t)
	d := newTestDB(t)
	require.Nil(d.Migrate("items", itemMigrations))
	ctx := context.Background()

	boom := errors.New("boom")
	err := d.Run(ctx, "insert then fail", func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("INSERT INTO items (id, n) VALUES ($1, $2)", "a", 1); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(err, boom)

	require.Nil(d.Run(ctx, "insert", func(tx *sqlx.Tx) error {
		_, err := tx.Exec("INSERT INTO items (id, n) VALUES ($1, $2)", "b", 2)
		return err
	}))

	var ids []string
	require.Nil(d.RunReadOnly(ctx, "select", func(tx *sqlx.Tx) error {
		return tx.Select(&ids, "SELECT id FROM items ORDER BY id")
	}))
	require.Equal([]string{"b"}, ids)
}

func TestEncryptedDatabaseRequiresKey(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithLogFile(""))
	path := filepath.Join(t.TempDir(), "client.sqlite")
	key := make([]byte, 32)
	key[0] = 7

	d, err := NewEncryptedDatabase(c, path, key)
	require.Nil(err)
	require.Nil(d.Migrate("items", itemMigrations))
	require.Nil(d.Close())

	_, err = NewEncryptedDatabase(c, path, make([]byte, 16))
	require.Error(err)

	_, err = os.Stat(path)
	require.Nil(err)

	d, err = NewEncryptedDatabase(c, path, key)
	require.Nil(err)
	require.Nil(d.Migrate("items", itemMigrations))
	require.Nil(d.Close())
}
