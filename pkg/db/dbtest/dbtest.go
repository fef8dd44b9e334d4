// Package dbtest opens migrated in-memory SQLite stores for tests.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/config"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/migrate"
)

var seq atomic.Int64

// NewSQLite returns a local store with the full schema applied. Each call
// gets its own database, closed when the test ends.
func NewSQLite(t testing.TB) *db.Client {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	path := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))

	client, err := db.NewLocal(context.Background(), config.DBConfig{Path: path, MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	sqlDB, err := client.SQL()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	if err := migrate.Up(context.Background(), sqlDB, migrate.Local); err != nil {
		t.Fatalf("migrate local schema: %v", err)
	}
	return client
}
