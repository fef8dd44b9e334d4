package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found"},
		{code: CodeConflict, status: http.StatusConflict, publicMsg: "conflict detected"},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity, publicMsg: "state transition disallowed", detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error"},
		{code: CodeDependency, status: http.StatusServiceUnavailable, publicMsg: "dependency unavailable", retryable: true, detailsOK: true},
		{code: CodeTransientNetwork, status: http.StatusServiceUnavailable, publicMsg: "network temporarily unavailable", retryable: true},
		{code: CodeIntegrity, status: http.StatusUnprocessableEntity, publicMsg: "content integrity check failed", detailsOK: true},
		{code: CodeConsentViolation, status: http.StatusForbidden, publicMsg: "upload not permitted without consent"},
		{code: CodeExpired, status: http.StatusGone, publicMsg: "record expired"},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: timeout")
	err := Transient(cause, "upload media")
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !IsRetryable(err) {
		t.Fatalf("transient errors must be retryable")
	}
	if CodeOf(err) != CodeTransientNetwork {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
}

func TestIsCodeWalksChain(t *testing.T) {
	inner := New(CodeExpired, "record expired")
	outer := fmt.Errorf("merge: %w", inner)
	if !IsCode(outer, CodeExpired) {
		t.Fatalf("expected expired code to be found in chain")
	}
	if IsCode(outer, CodeIntegrity) {
		t.Fatalf("unexpected integrity match")
	}
	if IsRetryable(stdErrors.New("plain")) {
		t.Fatalf("untyped errors are not retryable")
	}
}

func TestIntegrityDetails(t *testing.T) {
	err := Integrity("aaa", "bbb")
	details, ok := err.Details().(map[string]any)
	if !ok {
		t.Fatalf("expected map details, got %T", err.Details())
	}
	if details["expected"] != "aaa" || details["actual"] != "bbb" {
		t.Fatalf("unexpected details %#v", details)
	}
	if IsRetryable(err) {
		t.Fatalf("integrity errors are not retried with the same payload")
	}
}

func TestDumpExtractsPostgresDetails(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "remote_diagnostics_pkey", TableName: "remote_diagnostics", Message: "duplicate key"}
	err := Wrap(CodeDependency, pgErr, "upsert remote record")

	dump := Dump(err)
	if dump.Code != CodeDependency {
		t.Fatalf("unexpected code %s", dump.Code)
	}
	if dump.PGCode != "23505" || dump.PGConstraint != "remote_diagnostics_pkey" {
		t.Fatalf("unexpected pg details %#v", dump)
	}
	if len(dump.Chain) < 2 {
		t.Fatalf("expected chain entries, got %v", dump.Chain)
	}
	if _, ok := dump.Fields()["pg_code"]; !ok {
		t.Fatalf("expected pg_code field")
	}
}
