package auth

import (
	"database/sql"

	"github.com/meow-io/go-relay/migration"
)

var Migrations = []*migration.Migration{
	{
		Name: "create auth nonces",
		Func: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
			CREATE TABLE auth_nonces (
				user_id TEXT NOT NULL,
				nonce TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (user_id, nonce)
			);`); err != nil {
				return err
			}
			_, err := tx.Exec("CREATE INDEX auth_nonces_created_at_idx ON auth_nonces (created_at)")
			return err
		},
	},
}
