package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/benwis/oso/internal/infrastructure/config"
	"github.com/benwis/oso/internal/infrastructure/database"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/spf13/cobra"
)

// migrationsDir holds the schema files, relative to the module root.
const migrationsDir = "internal/infrastructure/database/migrations/postgres"

var envFlag string

func main() {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the policy store schema",
		Long:         "Applies and rolls back the PostgreSQL schema of the policy store.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&envFlag, "env", "e", "dev", "environment (dev, test, prod)")
	root.AddCommand(upCmd(), downCmd(), gotoCmd(), versionCmd(), forceCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil {
					if errors.Is(err, migrate.ErrNoChange) {
						log.Println("schema already up to date")
						return nil
					}
					return err
				}
				log.Println("schema migrated up")
				return nil
			})
		},
	}
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) > 0 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				steps = n
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Steps(-steps); err != nil {
					if errors.Is(err, migrate.ErrNoChange) {
						log.Println("nothing to roll back")
						return nil
					}
					return err
				}
				log.Printf("rolled back %d migration(s)", steps)
				return nil
			})
		},
	}
}

func gotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate the schema to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Migrate(uint(version)); err != nil {
					if errors.Is(err, migrate.ErrNoChange) {
						log.Printf("already at version %d", version)
						return nil
					}
					return err
				}
				log.Printf("schema migrated to version %d", version)
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					log.Println("no migrations applied yet")
					return nil
				}
				if err != nil {
					return err
				}
				if dirty {
					log.Printf("version %d (dirty: the last migration did not finish)", version)
				} else {
					log.Printf("version %d", version)
				}
				return nil
			})
		},
	}
}

func forceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Overwrite the recorded schema version without migrating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Force(version); err != nil {
					return err
				}
				log.Printf("version forced to %d", version)
				return nil
			})
		},
	}
}

// withMigrator connects to the policy store for the selected environment,
// builds a migrator over the module's migration files, and hands it to fn.
func withMigrator(fn func(*migrate.Migrate) error) error {
	if err := config.InitConfig(envFlag); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	// The schema tool always needs the store, whatever the server setting.
	os.Setenv("DB_ENABLED", "true")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pg, err := database.NewPostgres(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to policy store: %w", err)
	}
	defer pg.Close()
	log.Printf("policy store: %s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)

	path, err := migrationsPath()
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(pg.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	return fn(m)
}

// migrationsPath locates the migration files by walking up from the working
// directory to the module root.
func migrationsPath() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, migrationsDir), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found: run from inside the module")
		}
		dir = parent
	}
}
