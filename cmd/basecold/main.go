// Command basecold runs the storage-and-execution core as a standalone
// server process: it loads its TOML configuration, opens the catalog and
// partition registry, and serves the primary binary protocol, plus the
// secondary MySQL-compatible protocol when --mysql-addr is given, until
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"basecol/internal/catalog"
	"basecol/internal/config"
	"basecol/internal/engine"
	"basecol/internal/ingest"
	"basecol/internal/partstore"
	"basecol/internal/ptkjit"
	"basecol/internal/server"
)

type rootFlags struct {
	confFile   string
	confString string
	binaryAddr string
	mysqlAddr  string
	dev        bool
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "basecold",
		Short: "Columnar analytical storage engine server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(flags)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&flags.confFile, "conf", "c", "", "path to a TOML configuration file")
	cmd.Flags().StringVarP(&flags.confString, "conf-inline", "s", "", "inline TOML configuration string")
	cmd.Flags().StringVar(&flags.binaryAddr, "addr", "", "override the primary protocol's bind address (host:port); defaults to [server] in config")
	cmd.Flags().StringVar(&flags.mysqlAddr, "mysql-addr", "", "bind address for the MySQL-compatible listener; unset disables that listener")
	cmd.Flags().BoolVar(&flags.dev, "dev-log", false, "use a human-readable development logger instead of JSON production logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func serve(flags *rootFlags) error {
	cfg, err := config.Load(flags.confFile, flags.confString)
	if err != nil {
		return err
	}
	for _, dir := range cfg.System.MetaDirs {
		if err := requireDir(dir); err != nil {
			return err
		}
	}
	for _, dir := range cfg.System.DataDirs {
		if err := requireDir(dir); err != nil {
			return err
		}
	}

	log, err := server.NewLogger(flags.dev)
	if err != nil {
		return fmt.Errorf("basecold: build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	metaDir := cfg.System.MetaDirs[0]
	cat, err := catalog.Open(filepath.Join(metaDir, "catalog.db"))
	if err != nil {
		return fmt.Errorf("basecold: %w", err)
	}
	defer cat.Close()

	parts, err := partstore.Open(filepath.Join(metaDir, "partstore.db"), cfg.System.DataDirs)
	if err != nil {
		return fmt.Errorf("basecold: %w", err)
	}
	defer parts.Close()

	jit := ptkjit.NewCache()

	_, tzOffsetSeconds := time.Now().Zone()
	tzOffset := time.Duration(tzOffsetSeconds) * time.Second
	pipeline := &ingest.Pipeline{
		Catalog:  cat,
		Parts:    parts,
		JIT:      jit,
		TZOffset: tzOffset,
	}
	executor := &engine.Executor{Catalog: cat, Parts: parts, JIT: jit, TZOffset: tzOffset}

	srv := server.New(&server.Context{
		Catalog: cat,
		Parts:   parts,
		JIT:     jit,
		Ingest:  pipeline,
		Engine:  executor,
		Logger:  log,
	})

	binaryAddr := fmt.Sprintf("%s:%d", cfg.Server.IPAddr, cfg.Server.Port)
	if flags.binaryAddr != "" {
		binaryAddr = flags.binaryAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ServeBinary(ctx, binaryAddr) }()
	if flags.mysqlAddr != "" {
		go func() { errCh <- srv.ServeMySQL(ctx, flags.mysqlAddr) }()
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-ctx.Done():
	}
	return nil
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("basecold: required directory %q: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("basecold: %q is not a directory", path)
	}
	return nil
}
