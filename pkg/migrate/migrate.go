package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strconv"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/local/*.sql migrations/remote/*.sql
var embedded embed.FS

// Target selects one of the two schemas the service owns.
type Target struct {
	Name    string
	Dialect goose.Dialect
	// Dir is relative to the repository root, used by create/validate.
	Dir string
	sub string
}

var (
	// Local is the on-device SQLite record store.
	Local = Target{Name: "local", Dialect: goose.DialectSQLite3, Dir: "pkg/migrate/migrations/local", sub: "migrations/local"}
	// Remote is the Postgres structured store diagnostics are synced to.
	Remote = Target{Name: "remote", Dialect: goose.DialectPostgres, Dir: "pkg/migrate/migrations/remote", sub: "migrations/remote"}
)

// ParseTarget resolves a -target flag value.
func ParseTarget(name string) (Target, error) {
	switch name {
	case Local.Name:
		return Local, nil
	case Remote.Name:
		return Remote, nil
	default:
		return Target{}, fmt.Errorf("unknown migration target %q", name)
	}
}

// FS returns the embedded migrations for the target.
func (t Target) FS() (fs.FS, error) {
	sub, err := fs.Sub(embedded, t.sub)
	if err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", t.Name, err)
	}
	return sub, nil
}

func newProvider(db *sql.DB, target Target) (*goose.Provider, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	fsys, err := target.FS()
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(target.Dialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return provider, nil
}

// Up applies every pending migration for the target.
func Up(ctx context.Context, db *sql.DB, target Target) error {
	provider, err := newProvider(db, target)
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up (%s): %w", target.Name, err)
	}
	return nil
}

// Run executes a goose command that requires a DB connection.
func Run(ctx context.Context, db *sql.DB, target Target, command string) error {
	provider, err := newProvider(db, target)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		_, err = provider.Up(ctx)
	case "down":
		_, err = provider.Down(ctx)
	case "status":
		var statuses []*goose.MigrationStatus
		statuses, err = provider.Status(ctx)
		for _, st := range statuses {
			fmt.Printf("%-8s %d %s\n", st.State, st.Source.Version, st.Source.Path)
		}
	default:
		return fmt.Errorf("unsupported goose command %q", command)
	}
	if err != nil {
		return fmt.Errorf("goose %s (%s): %w", command, target.Name, err)
	}
	return nil
}

// MigrateToVersion migrates up/down to the requested version by comparing current DB version.
func MigrateToVersion(ctx context.Context, db *sql.DB, target Target, targetVersion string) error {
	if targetVersion == "" {
		return fmt.Errorf("targetVersion is required")
	}

	version, err := strconv.ParseInt(targetVersion, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS): %w", targetVersion, err)
	}

	provider, err := newProvider(db, target)
	if err != nil {
		return err
	}

	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	switch {
	case current == version:
		return nil

	case current < version:
		if _, err := provider.UpTo(ctx, version); err != nil {
			return fmt.Errorf("goose up-to %d: %w", version, err)
		}
		return nil

	default:
		if _, err := provider.DownTo(ctx, version); err != nil {
			return fmt.Errorf("goose down-to %d: %w", version, err)
		}
		return nil
	}
}
