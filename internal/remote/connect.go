package remote

import (
	"context"
	"fmt"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/config"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/storage/gcs"
)

// Stack bundles the remote adapters a process needs for sync and remote
// deletion.
type Stack struct {
	DB      *db.Client
	Store   *PostgresStore
	Objects *GCSObjectStore
	GCS     *gcs.Client
}

// Connect builds the remote stack. It returns (nil, nil) when remote sync is
// not configured.
func Connect(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Stack, error) {
	if !cfg.Remote.Enabled() {
		return nil, nil
	}
	client, err := db.NewRemote(ctx, cfg.Remote, logg)
	if err != nil {
		return nil, err
	}
	store, err := NewPostgresStore(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	gcsClient, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	objects, err := NewGCSObjectStore(gcsClient, cfg.GCS.BucketName)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &Stack{DB: client, Store: store, Objects: objects, GCS: gcsClient}, nil
}

// Close releases the remote database connection.
func (s *Stack) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
