package enums

import "fmt"

// SyncState tracks where a diagnostic record sits in the upload lifecycle.
type SyncState string

const (
	SyncStateLocal         SyncState = "local"
	SyncStatePendingUpload SyncState = "pending_upload"
	SyncStateSynced        SyncState = "synced"
	SyncStateSyncFailed    SyncState = "sync_failed"
	SyncStateExpired       SyncState = "expired"
)

var validSyncStates = []SyncState{
	SyncStateLocal,
	SyncStatePendingUpload,
	SyncStateSynced,
	SyncStateSyncFailed,
	SyncStateExpired,
}

// allowed next states; Expired is reachable from anywhere and is terminal.
var syncTransitions = map[SyncState][]SyncState{
	SyncStateLocal:         {SyncStatePendingUpload, SyncStateSynced},
	SyncStatePendingUpload: {SyncStateSynced, SyncStateSyncFailed},
	SyncStateSyncFailed:    {SyncStatePendingUpload, SyncStateSynced},
	SyncStateSynced:        {SyncStatePendingUpload},
}

// String returns the literal string for the state.
func (s SyncState) String() string {
	return string(s)
}

// IsValid reports whether the state is known.
func (s SyncState) IsValid() bool {
	for _, candidate := range validSyncStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// RequiresConsent reports whether entering the state implies remote upload.
func (s SyncState) RequiresConsent() bool {
	return s == SyncStatePendingUpload || s == SyncStateSynced
}

// Uploadable reports whether the uploader should pick up records in the state.
func (s SyncState) Uploadable() bool {
	return s == SyncStatePendingUpload || s == SyncStateSyncFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s SyncState) CanTransition(next SyncState) bool {
	if s == SyncStateExpired {
		return false
	}
	if next == SyncStateExpired || next == s {
		return true
	}
	for _, candidate := range syncTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseSyncState converts raw input into a SyncState.
func ParseSyncState(value string) (SyncState, error) {
	for _, candidate := range validSyncStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid sync state %q", value)
}
