// relayd runs the message relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/internal/db"
	"github.com/meow-io/go-relay/server"
	"github.com/meow-io/go-relay/transport/httpapi"
	"github.com/spf13/cobra"
)

type flags struct {
	ConfigFile  string
	ListenAddr  string
	DatabaseURL string
	Debug       bool
}

func (f *flags) load() (*config.Config, error) {
	var opts []config.Option
	if f.ListenAddr != "" {
		opts = append(opts, config.WithListenAddr(f.ListenAddr))
	}
	if f.DatabaseURL != "" {
		opts = append(opts, config.WithDatabaseURL(f.DatabaseURL))
	}
	if f.Debug {
		opts = append(opts, config.WithDebug(true))
	}
	if f.ConfigFile == "" {
		return config.NewConfig(opts...), nil
	}
	return config.LoadFile(f.ConfigFile, opts...)
}

func (f *flags) open() (*config.Config, *db.Database, error) {
	c, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	d, err := db.NewDatabase(c, c.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return c, d, nil
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "relayd",
		Short: "End to end encrypted message relay",
		Long: `relayd stores and forwards opaque ciphertext between users identified by their
Ed25519 keys. It keeps key bundles for session setup, per-user direct queues and
group queues with per-member acknowledgements. Every call is signed and carries
a nonce that may be used once.`,
		Example: `  # Serve with the defaults (sqlite3:relay.db on :8338)
  relayd serve

  # Serve from a config file against postgres
  relayd serve --config /etc/relayd.toml --database postgres://relay@localhost/relay

  # Apply migrations and exit
  relayd migrate --config /etc/relayd.toml`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&f.ConfigFile, "config", "f", "", "path to the relay configuration file (TOML format)")
	cmd.PersistentFlags().StringVar(&f.ListenAddr, "listen", "", "address to listen on, overriding the config file")
	cmd.PersistentFlags().StringVar(&f.DatabaseURL, "database", "", "database url, overriding the config file")
	cmd.PersistentFlags().BoolVar(&f.Debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newServeCommand(f), newMigrateCommand(f), newSweepCommand(f))
	return cmd
}

func newServeCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, d, err := f.open()
			if err != nil {
				return err
			}
			defer d.Close()
			log := c.Logger("relayd")

			s, err := server.NewServer(c, d, clock.NewSystemClock())
			if err != nil {
				return err
			}
			if err := s.Start(); err != nil {
				return err
			}
			defer s.Shutdown()

			api := httpapi.NewServer(c, s, s.Registry())
			if err := api.Start(); err != nil {
				return err
			}
			log.Infof("relayd %s listening on %s", versioninfo.Short(), api.Addr())

			haltCh := make(chan os.Signal, 1)
			signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
			<-haltCh
			log.Infof("shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return api.Shutdown(ctx)
		},
	}
}

func newMigrateCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := f.open()
			if err != nil {
				return err
			}
			defer d.Close()
			return server.Migrate(d)
		},
	}
}

func newSweepCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-nonces",
		Short: "Delete nonces older than the retention window and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, d, err := f.open()
			if err != nil {
				return err
			}
			defer d.Close()
			s, err := server.NewServer(c, d, clock.NewSystemClock())
			if err != nil {
				return err
			}
			n, err := s.SweepNonces(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d nonces\n", n)
			return nil
		},
	}
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
