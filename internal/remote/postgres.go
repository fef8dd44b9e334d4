package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/db"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
)

const (
	defaultPageSize = 100

	// seqLockKey serialises sequence assignment with commit on Postgres so
	// a reader never sees seq N+1 before seq N is visible.
	seqLockKey = 7410021

	postgresSeqExpr = "nextval('remote_diagnostics_server_seq')"
	// SQLite has one writer at a time, so MAX+1 is already commit-ordered.
	sqliteSeqExpr = "(SELECT COALESCE(MAX(server_seq), 0) + 1 FROM remote_diagnostics)"
)

var upsertColumns = []string{
	"owner_id", "vehicle_id", "modality", "captured_at", "updated_at", "expires_at",
	"mileage", "raw_analysis", "score", "consent_given",
	"media_object", "media_url", "media_hash", "media_mime", "media_size",
}

// PostgresStore is the remote structured store over gorm.
type PostgresStore struct {
	db       *gorm.DB
	postgres bool
}

// NewPostgresStore binds the store to a remote database client.
func NewPostgresStore(client *db.Client) (*PostgresStore, error) {
	if client == nil {
		return nil, fmt.Errorf("remote db client required")
	}
	gdb := client.DB()
	return &PostgresStore{db: gdb, postgres: gdb.Dialector.Name() == "postgres"}, nil
}

// Upsert inserts or replaces the row for row.ID. Rows without consent are
// refused before any network call.
func (s *PostgresStore) Upsert(ctx context.Context, row models.RemoteDiagnostic) error {
	if !row.ConsentGiven {
		return pkgerrors.New(pkgerrors.CodeConsentViolation, "refusing to upload a record without consent")
	}
	if row.ID == uuid.Nil || row.UpdatedAt.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "remote row requires id and updated_at")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seqExpr := sqliteSeqExpr
		if s.postgres {
			seqExpr = postgresSeqExpr
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", seqLockKey).Error; err != nil {
				return classify(err, "lock remote sequence")
			}
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "remote_diagnostics.updated_at <= excluded.updated_at"},
			}},
		}).Create(&row)
		if res.Error != nil {
			return classify(res.Error, "upsert remote diagnostic")
		}
		if res.RowsAffected == 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "remote copy is newer").WithDetails(map[string]any{
				"record_id": row.ID.String(),
			})
		}
		// server_seq is read-only on the model, so gorm never writes it.
		if err := tx.Exec("UPDATE remote_diagnostics SET server_seq = "+seqExpr+" WHERE id = ?", row.ID).Error; err != nil {
			return classify(err, "assign remote sequence")
		}
		return nil
	})
	if err != nil && pkgerrors.As(err) == nil {
		return classify(err, "upsert remote diagnostic")
	}
	return err
}

// ListSince pages through an owner's rows written strictly after the cursor.
func (s *PostgresStore) ListSince(ctx context.Context, ownerID uuid.UUID, after Cursor, limit int) ([]models.RemoteDiagnostic, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	var rows []models.RemoteDiagnostic
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND server_seq > ?", ownerID, after.Seq).
		Order("server_seq").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, classify(err, "list remote diagnostics")
	}
	return rows, nil
}

// Delete removes the row for id. Deleting a missing row succeeds.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.RemoteDiagnostic{}).Error; err != nil {
		return classify(err, "delete remote diagnostic")
	}
	return nil
}

// classify maps driver errors onto the sync error taxonomy: constraint
// failures are permanent, everything else is treated as a network fault.
func classify(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, msg)
	}
	if errors.Is(err, context.Canceled) {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
	}
	return pkgerrors.Transient(err, msg)
}
