// Package main provides the desktop process: the local sync core behind a
// REST/WebSocket API on localhost.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/storyforge/backend/internal/config"
	"github.com/kimhsiao/storyforge/backend/internal/crypto"
	"github.com/kimhsiao/storyforge/backend/internal/db"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/uuid"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// flags holds the command-line overrides shared by every subcommand.
type flags struct {
	configPath string
	addr       string
	dataDir    string
	remote     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "storyforge-desktop",
		Short: "Run the StoryForge local sync service",
		Long: `storyforge-desktop keeps the local project store, queues every edit
for synchronization and exchanges changes with the configured remote
while a user is signed in. The UI talks to it over localhost.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&f.addr, "addr", "", "listen address (overrides http.addr)")
	pf.StringVar(&f.dataDir, "data-dir", "", "data directory (overrides data_dir)")
	pf.StringVar(&f.remote, "remote", "", "remote kind: memory or s3 (overrides remote.kind)")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (overrides log.level)")

	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd, f)
			},
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Drop deletion records older than the retention window",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPrune(cmd, f)
			},
		},
		&cobra.Command{
			Use:   "encrypt-secret [secret]",
			Short: "Encrypt the remote secret key for remote.secret_key_enc",
			Long: `Encrypt the remote secret key with a key bound to this device so it
can be stored in the config file as remote.secret_key_enc. The secret is
read from standard input when no argument is given.`,
			Args: cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEncryptSecret(cmd, f, args)
			},
		},
	)
	return root
}

// load reads the config file and applies flag overrides.
func (f *flags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.addr != "" {
		cfg.HTTP.Addr = f.addr
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.remote != "" {
		cfg.Remote.Kind = f.remote
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg *config.Config, out io.Writer) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.Init(logging.Options{
		Level:      level,
		Output:     out,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return nil
}

func runServe(cmd *cobra.Command, f *flags) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	if err := initLogging(cfg, cmd.ErrOrStderr()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer app.Close()

	return app.Run(ctx)
}

func runMigrate(cmd *cobra.Command, f *flags) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	if err := initLogging(cfg, cmd.ErrOrStderr()); err != nil {
		return err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB, nil)
	if err := migrator.Up(); err != nil {
		return err
	}
	current, err := migrator.CurrentVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "database at %s is at version %d\n", database.Path, current)
	return nil
}

func runPrune(cmd *cobra.Command, f *flags) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	if err := initLogging(cfg, cmd.ErrOrStderr()); err != nil {
		return err
	}
	// Pruning never talks to the remote.
	cfg.Remote.Kind = "memory"

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	pruned, err := app.Prune(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d deletion records older than %s\n", pruned, cfg.Sync.TombstoneRetention)
	return nil
}

func runEncryptSecret(cmd *cobra.Command, f *flags, args []string) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}

	var secret string
	if len(args) == 1 {
		secret = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read secret: %w", err)
		}
		secret = line
	}
	secret = strings.TrimSpace(secret)

	deviceID := cfg.Remote.DeviceID
	if deviceID == "" {
		deviceID, err = uuid.LoadOrCreateDeviceID(cfg.DataDir)
		if err != nil {
			return err
		}
	}

	enc, err := crypto.EncryptSecret(secret, secretKeyField, []byte(deviceID))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), enc)
	return nil
}
