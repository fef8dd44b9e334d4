package types

import (
	"testing"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCostRangeNormalisesBounds(t *testing.T) {
	cr, err := NewCostRange("900", "150.50", "")
	require.NoError(t, err)
	assert.True(t, cr.Min.Equal(decimal.RequireFromString("150.50")))
	assert.True(t, cr.Max.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, "USD", cr.Currency)
	assert.Equal(t, "150.50-900.00 USD", cr.String())
}

func TestNewCostRangeRejectsInvalid(t *testing.T) {
	_, err := NewCostRange("abc", "10", "USD")
	require.Error(t, err)

	_, err = NewCostRange("-1", "10", "USD")
	require.Error(t, err)
}

func TestScoreResultCloneDoesNotAlias(t *testing.T) {
	orig := ScoreResult{
		FinalScore:      80,
		CategoryScores:  map[enums.SignalCategory]float64{enums.SignalAcoustic: 80},
		Issues:          []Issue{{Ref: "a", Annotations: []string{"x"}}},
		Recommendations: []string{"r1"},
	}
	clone := orig.Clone()
	clone.Issues[0].Annotations[0] = "changed"
	clone.Recommendations[0] = "changed"
	clone.CategoryScores[enums.SignalAcoustic] = 1

	assert.Equal(t, "x", orig.Issues[0].Annotations[0])
	assert.Equal(t, "r1", orig.Recommendations[0])
	assert.Equal(t, 80.0, orig.CategoryScores[enums.SignalAcoustic])
}

func TestMediaRefUploadCurrent(t *testing.T) {
	ref := MediaRef{ContentHash: "abc", RemoteObject: "obj", UploadedHash: "abc"}
	assert.True(t, ref.UploadCurrent())
	ref.ContentHash = "def"
	assert.False(t, ref.UploadCurrent())
	assert.False(t, MediaRef{ContentHash: "abc"}.UploadCurrent())
}
