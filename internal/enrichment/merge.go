package enrichment

import (
	"strings"
	"time"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

// Merge folds annotations into a copy of score. Recommendations become the
// ordered union of local and enriched text; narrative lines attach to issues
// by ref. The score, the urgency and the issue set are never touched, and
// refs that match no issue are dropped.
func Merge(score types.ScoreResult, ann types.EnrichedAnnotations, at time.Time) types.ScoreResult {
	out := score.Clone()

	seen := make(map[string]struct{}, len(out.Recommendations)+len(ann.Recommendations))
	for _, rec := range out.Recommendations {
		seen[normalize(rec)] = struct{}{}
	}
	for _, rec := range ann.Recommendations {
		rec = strings.TrimSpace(rec)
		key := normalize(rec)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out.Recommendations = append(out.Recommendations, rec)
	}

	byRef := make(map[string]int, len(out.Issues))
	for i, issue := range out.Issues {
		byRef[issue.Ref] = i
	}
	for _, note := range ann.NarrativeAnnotations {
		i, ok := byRef[note.IssueRef]
		if !ok {
			continue
		}
		text := strings.TrimSpace(note.Text)
		if text == "" || containsFold(out.Issues[i].Annotations, text) {
			continue
		}
		out.Issues[i].Annotations = append(out.Issues[i].Annotations, text)
	}

	enrichedAt := at.UTC().Truncate(time.Microsecond)
	out.Source = enums.ScoreSourceMerged
	out.EnrichedAt = &enrichedAt
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func containsFold(values []string, target string) bool {
	key := normalize(target)
	for _, v := range values {
		if normalize(v) == key {
			return true
		}
	}
	return false
}
