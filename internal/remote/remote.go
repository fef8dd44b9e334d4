// Package remote holds the adapters for the remote structured store and the
// remote object store used by the sync coordinator and the retention sweeper.
package remote

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
)

// Cursor is a position in the remote store's write order. Seq is the
// ServerSeq of the last row seen; zero starts from the beginning.
type Cursor struct {
	Seq int64
}

// StructuredStore is the remote record store with upsert-by-id semantics.
type StructuredStore interface {
	// Upsert writes row unless the stored copy carries a later UpdatedAt, in
	// which case a CONFLICT error is returned and nothing changes.
	Upsert(ctx context.Context, row models.RemoteDiagnostic) error
	// ListSince returns an owner's rows written after the cursor, in write
	// order. A device uploading late still lands after every cursor.
	ListSince(ctx context.Context, ownerID uuid.UUID, after Cursor, limit int) ([]models.RemoteDiagnostic, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Object describes an uploaded blob.
type Object struct {
	Key string
	URL string
	// MD5 is the base64 digest reported by the object store.
	MD5  string
	Size int64
}

// ObjectStore is id-addressed blob storage for media.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (Object, error)
	Delete(ctx context.Context, key string) error
}
