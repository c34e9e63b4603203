// MorganXMystic storage server
//
// Features:
// - Virtual folder tree with collaborators, share links and bundles
// - Background uploads to the remote blob service with SSE progress
// - Range-aware streaming proxy with per-request locator refresh
// - Zip export of folders and selections
// - Prometheus metrics & structured logging (zap)
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/auth"
	"github.com/Imrankhan9559/morganxmystic/internal/config"
	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	badgerstore "github.com/Imrankhan9559/morganxmystic/internal/metadata/badger"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata/memory"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata/postgres"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "morganxmystic",
		Short:         "Personal cloud storage backed by a remote blob service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd(), newMigrateCmd(), newUserCmd(), newTokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and initializes the global logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("logging init: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured metadata backend. Postgres is migrated on open.
func openStore(cfg config.MetadataConfig) (metadata.Store, error) {
	switch cfg.Backend {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if dir := findMigrationsDir(cfg.MigrationsDir); dir != "" {
			logging.Info("running migrations...", zap.String("dir", dir))
			if err := store.Migrate(dir); err != nil {
				store.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}
		return store, nil
	case "badger":
		logging.Info("opening BadgerDB", zap.String("path", cfg.BadgerPath))
		store, err := badgerstore.Open(badgerstore.Config{Path: cfg.BadgerPath})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		logging.Warn("using in-memory metadata, nothing will persist")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Backend)
	}
}

func findMigrationsDir(configured string) string {
	candidates := []string{configured, "migrations", "../migrations"}
	if exe, _ := os.Executable(); exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations to the postgres metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logging.Sync()
			if cfg.Metadata.Backend != "postgres" {
				return fmt.Errorf("migrate requires metadata.backend=postgres, got %q", cfg.Metadata.Backend)
			}
			store, err := openStore(cfg.Metadata)
			if err != nil {
				return err
			}
			defer store.Close()
			logging.Info("migrations applied")
			return nil
		},
	}
}

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage registered identities",
	}

	var phone, firstName, session string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register an identity with its remote session credential and print a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if session == "" {
				return errors.New("--session is required")
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logging.Sync()

			store, err := openStore(cfg.Metadata)
			if err != nil {
				return err
			}
			defer store.Close()

			sealer, err := auth.NewCredentialSealer(cfg.Auth.CredentialKey)
			if err != nil {
				return err
			}
			creds := auth.NewCredentials(metadata.NewTree(store), sealer)
			if err := creds.Register(cmd.Context(), phone, firstName, remote.Credential(session)); err != nil {
				return fmt.Errorf("register %s: %w", phone, err)
			}
			return printToken(cmd, cfg, phone, firstName)
		},
	}
	add.Flags().StringVar(&phone, "phone", "", "identity (phone number)")
	add.Flags().StringVar(&firstName, "name", "", "display name")
	add.Flags().StringVar(&session, "session", "", "remote session credential")
	add.MarkFlagRequired("phone")

	userCmd.AddCommand(add)
	return userCmd
}

func newTokenCmd() *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a registered identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logging.Sync()

			store, err := openStore(cfg.Metadata)
			if err != nil {
				return err
			}
			defer store.Close()

			u, err := metadata.NewTree(store).User(cmd.Context(), phone)
			if err != nil {
				return fmt.Errorf("identity %s: %w", phone, err)
			}
			return printToken(cmd, cfg, u.Identity, u.FirstName)
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "identity (phone number)")
	cmd.MarkFlagRequired("phone")
	return cmd
}

func printToken(cmd *cobra.Command, cfg *config.Config, identity, firstName string) error {
	a := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.CookieName)
	token, expires, err := a.IssueToken(identity, firstName)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format("2006-01-02 15:04:05 MST"))
	return nil
}
