package enrichment

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

func localScore() types.ScoreResult {
	return types.ScoreResult{
		FinalScore: 74,
		RawScore:   74,
		Urgency:    enums.UrgencyMonitor,
		Issues: []types.Issue{
			{Ref: "anomaly:0:misfire", Description: "Misfire", Severity: 3},
			{Ref: "anomaly:1:blue_smoke", Description: "Blue smoke", Severity: 3},
		},
		Recommendations: []string{"Check ignition coils", "Inspect valve seals"},
		Source:          enums.ScoreSourceLocal,
	}
}

func TestMergeAddsOnly(t *testing.T) {
	score := localScore()
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	ann := types.EnrichedAnnotations{
		Recommendations: []string{"check ignition  coils", "Run a compression test"},
		NarrativeAnnotations: []types.NarrativeAnnotation{
			{IssueRef: "anomaly:0:misfire", Text: "Likely cylinder 2."},
			{IssueRef: "anomaly:0:misfire", Text: "likely cylinder 2."},
			{IssueRef: "anomaly:9:unknown", Text: "ignored"},
		},
	}

	merged := Merge(score, ann, at)

	assert.Equal(t, score.FinalScore, merged.FinalScore)
	assert.Equal(t, score.Urgency, merged.Urgency)
	require.Len(t, merged.Issues, 2)
	assert.Equal(t, []string{"Check ignition coils", "Inspect valve seals", "Run a compression test"}, merged.Recommendations)
	assert.Equal(t, []string{"Likely cylinder 2."}, merged.Issues[0].Annotations)
	assert.Empty(t, merged.Issues[1].Annotations)
	assert.Equal(t, enums.ScoreSourceMerged, merged.Source)
	require.NotNil(t, merged.EnrichedAt)
	assert.True(t, merged.EnrichedAt.Equal(at))

	if diff := cmp.Diff(localScore(), score); diff != "" {
		t.Fatalf("input score mutated (-want +got):\n%s", diff)
	}
}

func TestMergeEmptyAnnotationsKeepsRecommendations(t *testing.T) {
	score := localScore()
	merged := Merge(score, types.EnrichedAnnotations{}, time.Now())
	assert.Equal(t, score.Recommendations, merged.Recommendations)
	assert.Equal(t, enums.ScoreSourceMerged, merged.Source)
}
