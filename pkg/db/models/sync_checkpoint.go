package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncCheckpoint is the per-owner pull cursor over the remote store's
// server-assigned sequence.
type SyncCheckpoint struct {
	OwnerID             uuid.UUID  `gorm:"column:owner_id;primaryKey"`
	LastRemoteSeq       int64      `gorm:"column:last_remote_seq;not null;default:0"`
	LastRemoteUpdatedAt time.Time  `gorm:"column:last_remote_updated_at;not null"`
	LastRemoteID        *uuid.UUID `gorm:"column:last_remote_id"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (SyncCheckpoint) TableName() string { return "sync_checkpoints" }

// RemoteDeletion is a tombstone for a swept record whose remote copy still
// has to be removed. The row is deleted once the remote side confirms.
type RemoteDeletion struct {
	RecordID     uuid.UUID `gorm:"column:record_id;primaryKey"`
	OwnerID      uuid.UUID `gorm:"column:owner_id;not null"`
	RemoteObject string    `gorm:"column:remote_object;not null;default:''"`
	RequestedAt  time.Time `gorm:"column:requested_at;not null"`
	Attempts     int       `gorm:"column:attempts;not null;default:0"`
	LastError    *string   `gorm:"column:last_error"`
}

func (RemoteDeletion) TableName() string { return "remote_deletions" }

// UploadLease marks a record as being uploaded by one coordinator. Any
// process sharing the local store must hold it before pushing the record.
type UploadLease struct {
	RecordID  uuid.UUID `gorm:"column:record_id;primaryKey"`
	Holder    string    `gorm:"column:holder;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
}

func (UploadLease) TableName() string { return "upload_leases" }
