package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
)

type serviceBody struct {
	ServiceType string `json:"service_type" validate:"required"`
	Mileage     *int   `json:"mileage" validate:"omitempty,gte=0"`
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "oil change", SanitizeString("  oil\x00 change\n", 0))
	assert.Equal(t, "brak", SanitizeString("brake pads", 4))
	// caps on runes, not bytes
	assert.Equal(t, "ölw", SanitizeString("ölwechsel", 3))
}

func TestDecodeJSONBodyReportsFieldErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"mileage":-5}`))
	var body serviceBody
	err := DecodeJSONBody(req, &body)
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "is required", details["service_type"])
	assert.Equal(t, "must be greater than or equal to 0", details["mileage"])
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"service_type":"oil_change","vin":"x"}`))
	var body serviceBody
	err := DecodeJSONBody(req, &body)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestDecodeJSONFieldRequiresValue(t *testing.T) {
	var body serviceBody
	err := DecodeJSONField("  ", "analysis", &body)
	require.Error(t, err)
	details, _ := pkgerrors.As(err).Details().(map[string]string)
	assert.Equal(t, "is required", details["analysis"])

	require.NoError(t, DecodeJSONField(`{"service_type":"tire_rotation"}`, "analysis", &body))
	assert.Equal(t, "tire_rotation", body.ServiceType)
}

func TestParseOptionalValues(t *testing.T) {
	n, err := ParseOptionalInt(" 42180 ", "mileage")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, 42180, *n)

	n, err = ParseOptionalInt("", "mileage")
	require.NoError(t, err)
	assert.Nil(t, n)

	_, err = ParseOptionalInt("-1", "mileage")
	require.Error(t, err)

	consent, err := ParseOptionalBool("true", "consent_given")
	require.NoError(t, err)
	assert.True(t, consent)
	_, err = ParseOptionalBool("maybe", "consent_given")
	require.Error(t, err)

	at, err := ParseOptionalTime("2026-03-01T10:00:00Z", "captured_at")
	require.NoError(t, err)
	assert.Equal(t, 2026, at.Year())
	_, err = ParseOptionalTime("yesterday", "captured_at")
	require.Error(t, err)
}

func TestParseUUIDRejectsNil(t *testing.T) {
	_, err := ParseUUID("00000000-0000-0000-0000-000000000000", "vehicleId")
	require.Error(t, err)
	_, err = ParseUUID("not-a-uuid", "vehicleId")
	require.Error(t, err)
}

func TestParseQueryIntBounds(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=500", nil)
	_, err := ParseQueryInt(req, "limit", 50, 1, 200)
	require.Error(t, err)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	got, err := ParseQueryInt(req, "limit", 50, 1, 200)
	require.NoError(t, err)
	assert.Equal(t, 50, got)
}
