package enums

import "testing"

func TestSyncStateTransitions(t *testing.T) {
	cases := []struct {
		from, to SyncState
		ok       bool
	}{
		{SyncStateLocal, SyncStatePendingUpload, true},
		{SyncStateLocal, SyncStateSyncFailed, false},
		{SyncStatePendingUpload, SyncStateSynced, true},
		{SyncStatePendingUpload, SyncStateSyncFailed, true},
		{SyncStateSyncFailed, SyncStatePendingUpload, true},
		{SyncStateSynced, SyncStatePendingUpload, true},
		{SyncStateSynced, SyncStateLocal, false},
		{SyncStateSynced, SyncStateExpired, true},
		{SyncStateExpired, SyncStatePendingUpload, false},
		{SyncStateExpired, SyncStateExpired, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestSyncStateConsentAndUpload(t *testing.T) {
	if !SyncStatePendingUpload.RequiresConsent() || !SyncStateSynced.RequiresConsent() {
		t.Fatal("upload states must require consent")
	}
	if SyncStateLocal.RequiresConsent() || SyncStateSyncFailed.RequiresConsent() {
		t.Fatal("local and failed states do not require fresh consent")
	}
	if !SyncStateSyncFailed.Uploadable() || SyncStateSynced.Uploadable() {
		t.Fatal("unexpected uploadable classification")
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseSyncState("bogus"); err == nil {
		t.Fatal("expected parse error")
	}
	if s, err := ParseSyncState("sync_failed"); err != nil || s != SyncStateSyncFailed {
		t.Fatalf("unexpected parse result %q %v", s, err)
	}
	if m, err := ParseModality("video"); err != nil || m != ModalityVideo {
		t.Fatalf("unexpected modality %q %v", m, err)
	}
	if _, err := ParseUrgency("later"); err == nil {
		t.Fatal("expected urgency parse error")
	}
}
