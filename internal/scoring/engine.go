package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

// Engine turns classifier output plus maintenance context into a score. It
// performs no I/O and is safe for concurrent use.
type Engine struct {
	rules *Rules
}

// NewEngine builds an engine; nil rules use the embedded defaults.
func NewEngine(rules *Rules) (*Engine, error) {
	if rules == nil {
		var err error
		rules, err = DefaultRules()
		if err != nil {
			return nil, err
		}
	}
	return &Engine{rules: rules}, nil
}

// Compute scores one analysis. currentMileage may be nil when the odometer
// was not recorded.
func (e *Engine) Compute(analysis types.AnalysisResult, mctx types.MaintenanceContext, currentMileage *int) (types.ScoreResult, error) {
	if err := Validate(analysis); err != nil {
		return types.ScoreResult{}, err
	}
	if currentMileage != nil && *currentMileage < 0 {
		return types.ScoreResult{}, pkgerrors.New(pkgerrors.CodeValidation, "mileage must be non-negative")
	}

	r := e.rules
	present := presentCategories(analysis)
	penalties := make(map[enums.SignalCategory]float64, 2)
	issues := make([]types.Issue, 0, len(analysis.Anomalies))
	recsByRef := make(map[string][]string)
	maxSeverity := 0
	var subsystems []string
	seenSubsystem := map[string]bool{}

	for i, a := range analysis.Anomalies {
		rule, cost := r.anomaly(a.Type, analysis.Modality)
		present[rule.Category] = true
		penalties[rule.Category] += r.penalty(a.Severity, a.Confidence)
		if a.Severity > maxSeverity {
			maxSeverity = a.Severity
		}

		ref := fmt.Sprintf("anomaly:%d:%s", i, a.Type)
		costCopy := cost
		issues = append(issues, types.Issue{
			Ref:           ref,
			Description:   describe(rule, a),
			Severity:      a.Severity,
			Subsystem:     rule.Subsystem,
			EstimatedCost: &costCopy,
		})
		recsByRef[ref] = rule.Recommendations
		if rule.Subsystem != "" && !seenSubsystem[rule.Subsystem] {
			seenSubsystem[rule.Subsystem] = true
			subsystems = append(subsystems, rule.Subsystem)
		}
	}

	categoryScores := make(map[enums.SignalCategory]float64, len(present))
	for cat := range present {
		categoryScores[cat] = clamp(100 - penalties[cat])
	}
	raw := r.combine(categoryScores)
	raw = math.Min(raw, r.BaselineScore)

	final := raw
	var recommendations []string
	var warnings []string

	for _, od := range r.overdue(subsystems, mctx, currentMileage) {
		final -= r.Maintenance.OverdueDeduction
		ref := "maintenance:" + od.subsystem
		issues = append(issues, types.Issue{
			Ref:         ref,
			Description: od.description,
			Severity:    2,
			Subsystem:   od.subsystem,
		})
		if od.recommendation != "" {
			recsByRef[ref] = []string{od.recommendation}
		}
	}

	if maxSeverity >= r.Critical.Severity {
		final = math.Min(final, r.Critical.Ceiling)
	}

	critical := false
	if reason, ok := r.mileageInconsistency(currentMileage, mctx); ok {
		critical = true
		final = math.Min(final, r.Mileage.IntegrityCeiling)
		warnings = append(warnings, reason)
		issues = append(issues, types.Issue{
			Ref:         "mileage:inconsistent",
			Description: reason,
			Severity:    5,
			Subsystem:   "odometer",
		})
		if r.Mileage.Recommendation != "" {
			recsByRef["mileage:inconsistent"] = []string{r.Mileage.Recommendation}
		}
	}

	finalScore := int(math.Round(clamp(final)))

	sortIssues(issues)
	for _, issue := range issues {
		recommendations = append(recommendations, recsByRef[issue.Ref]...)
	}
	if len(analysis.Anomalies) == 0 {
		recommendations = append(recommendations, r.CleanRecommendations...)
	}

	urgency := r.urgency(finalScore)
	if critical {
		urgency = enums.UrgencyImmediate
	}

	return types.ScoreResult{
		FinalScore:      finalScore,
		RawScore:        round2(raw),
		CategoryScores:  categoryScores,
		Urgency:         urgency,
		Issues:          issues,
		Recommendations: dedupe(recommendations),
		CostEnvelope:    costEnvelope(issues),
		CriticalWarning: critical,
		Warnings:        warnings,
		Source:          enums.ScoreSourceLocal,
	}, nil
}

// CombineCategories applies the category weights to per-category scores.
// Only categories present in scores take part, so a single modality gets
// 100% of the weight. A category below the conflict threshold caps the result.
func (e *Engine) CombineCategories(scores map[enums.SignalCategory]float64) float64 {
	return e.rules.combine(scores)
}

func (r *Rules) combine(scores map[enums.SignalCategory]float64) float64 {
	if len(scores) == 0 {
		return r.BaselineScore
	}
	var weighted, totalWeight float64
	worst := 100.0
	for _, cat := range []enums.SignalCategory{enums.SignalAcoustic, enums.SignalVisual} {
		score, ok := scores[cat]
		if !ok {
			continue
		}
		w := r.CategoryWeights[cat]
		weighted += w * score
		totalWeight += w
		worst = math.Min(worst, score)
	}
	if totalWeight == 0 {
		return r.BaselineScore
	}
	combined := weighted / totalWeight
	if worst < r.ConflictThreshold {
		combined = math.Min(combined, worst)
	}
	return combined
}

func presentCategories(analysis types.AnalysisResult) map[enums.SignalCategory]bool {
	present := map[enums.SignalCategory]bool{}
	switch analysis.Modality {
	case enums.ModalityAudio:
		present[enums.SignalAcoustic] = true
	case enums.ModalityVideo:
		present[enums.SignalVisual] = true
		if analysis.Stats.HasAudioTrack {
			present[enums.SignalAcoustic] = true
		}
	}
	return present
}

func describe(rule AnomalyRule, a types.Anomaly) string {
	switch {
	case rule.Label != "" && a.Description != "":
		return rule.Label + ": " + a.Description
	case rule.Label != "":
		return rule.Label
	case a.Description != "":
		return a.Description
	default:
		return a.Type
	}
}

func sortIssues(issues []types.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Severity != issues[j].Severity {
			return issues[i].Severity > issues[j].Severity
		}
		return issues[i].Ref < issues[j].Ref
	})
}

// costEnvelope takes the range of the dominant (highest severity) costed issue.
func costEnvelope(sorted []types.Issue) *types.CostRange {
	for _, issue := range sorted {
		if issue.EstimatedCost != nil {
			c := *issue.EstimatedCost
			return &c
		}
	}
	return nil
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
