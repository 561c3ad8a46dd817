package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meow-io/go-relay/config"
	db "github.com/meow-io/go-relay/internal/db"
)

type ID [8]byte

func newID() ID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

// removeMatching deletes every file and directory in the working directory matching one of globs.
func removeMatching(globs ...string) {
	for _, g := range globs {
		matches, err := filepath.Glob(g)
		if err != nil {
			panic(err)
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				panic(err)
			}
		}
	}
}

// DBCleanup runs the tests and removes the databases they left behind, including sqlite sidecar files.
func DBCleanup(run func() int) int {
	code := run()
	removeMatching("test-*", "*-journal", "*-wal", "*-shm")
	return code
}

// NewConfig returns a config that logs to stdout only.
func NewConfig(opts ...config.Option) *config.Config {
	return config.NewConfig(append([]config.Option{config.WithLogFile("")}, opts...)...)
}

// NewTestDatabase opens a fresh sqlite relay database in the working directory.
func NewTestDatabase(c *config.Config) *db.Database {
	id := newID()
	wd, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	d, err := db.NewDatabase(c, fmt.Sprintf("sqlite3:%s", filepath.Join(wd, fmt.Sprintf("test-%x.db", id[:]))))
	if err != nil {
		panic(err)
	}
	return d
}

// NewTestEncryptedDatabase opens a fresh SQLCipher database in the working directory.
func NewTestEncryptedDatabase(c *config.Config) *db.Database {
	id := newID()
	key := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	d, err := db.NewEncryptedDatabase(c, fmt.Sprintf("test-%x.sqlite", id[:]), key)
	if err != nil {
		panic(err)
	}
	return d
}
