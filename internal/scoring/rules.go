package scoring

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rules is the tunable rule table behind the engine.
type Rules struct {
	BaselineScore        float64                          `yaml:"baseline_score"`
	PenaltyCurve         map[int]float64                  `yaml:"penalty_curve"`
	ConfidenceFloor      float64                          `yaml:"confidence_floor"`
	CategoryWeights      map[enums.SignalCategory]float64 `yaml:"category_weights"`
	ConflictThreshold    float64                          `yaml:"conflict_threshold"`
	Critical             CriticalRule                     `yaml:"critical"`
	Urgency              UrgencyRule                      `yaml:"urgency"`
	Maintenance          MaintenanceRule                  `yaml:"maintenance"`
	Mileage              MileageRule                      `yaml:"mileage"`
	CleanRecommendations []string                         `yaml:"clean_recommendations"`
	DefaultCost          CostRule                         `yaml:"default_cost"`
	Anomalies            map[string]AnomalyRule           `yaml:"anomalies"`
	Subsystems           map[string]SubsystemRule         `yaml:"subsystems"`

	defaultCost types.CostRange
	costs       map[string]types.CostRange
}

type CriticalRule struct {
	Severity int     `yaml:"severity"`
	Ceiling  float64 `yaml:"ceiling"`
}

type UrgencyRule struct {
	ImmediateBelow int `yaml:"immediate_below"`
	MonitorBelow   int `yaml:"monitor_below"`
}

type MaintenanceRule struct {
	OverdueDeduction float64 `yaml:"overdue_deduction"`
}

type MileageRule struct {
	IntegrityCeiling    float64 `yaml:"integrity_ceiling"`
	MaxKmPerDay         float64 `yaml:"max_km_per_day"`
	RollbackToleranceKm int     `yaml:"rollback_tolerance_km"`
	Recommendation      string  `yaml:"recommendation"`
}

type CostRule struct {
	Min      string `yaml:"min"`
	Max      string `yaml:"max"`
	Currency string `yaml:"currency"`
}

type AnomalyRule struct {
	Category        enums.SignalCategory `yaml:"category"`
	Subsystem       string               `yaml:"subsystem"`
	Label           string               `yaml:"label"`
	Cost            *CostRule            `yaml:"cost"`
	Recommendations []string             `yaml:"recommendations"`
}

type SubsystemRule struct {
	ServiceTypes   []string `yaml:"service_types"`
	IntervalMonths int      `yaml:"interval_months"`
	IntervalKm     int      `yaml:"interval_km"`
	Recommendation string   `yaml:"recommendation"`
}

// DefaultRules returns the embedded rule table.
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads a rule table from path, or the embedded default when path
// is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scoring rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule table.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode scoring rules: %w", err)
	}
	if err := rules.compile(); err != nil {
		return nil, err
	}
	return &rules, nil
}

func (r *Rules) compile() error {
	for sev := 1; sev <= 5; sev++ {
		if _, ok := r.PenaltyCurve[sev]; !ok {
			return fmt.Errorf("scoring rules: penalty_curve missing severity %d", sev)
		}
	}
	for sev := 2; sev <= 5; sev++ {
		if r.PenaltyCurve[sev] <= r.PenaltyCurve[sev-1] {
			return fmt.Errorf("scoring rules: penalty_curve must increase with severity")
		}
	}
	if r.BaselineScore <= 0 || r.BaselineScore > 100 {
		return fmt.Errorf("scoring rules: baseline_score must be in (0,100]")
	}
	if r.ConfidenceFloor < 0 || r.ConfidenceFloor > 1 {
		return fmt.Errorf("scoring rules: confidence_floor must be in [0,1]")
	}
	if r.CategoryWeights[enums.SignalAcoustic] <= 0 || r.CategoryWeights[enums.SignalVisual] <= 0 {
		return fmt.Errorf("scoring rules: category_weights need acoustic and visual")
	}
	if r.Urgency.ImmediateBelow <= 0 || r.Urgency.MonitorBelow <= r.Urgency.ImmediateBelow {
		return fmt.Errorf("scoring rules: urgency thresholds must satisfy 0 < immediate_below < monitor_below")
	}
	if r.Critical.Severity < 1 || r.Critical.Severity > 5 {
		return fmt.Errorf("scoring rules: critical.severity must be 1-5")
	}
	if r.Critical.Ceiling >= float64(r.Urgency.ImmediateBelow) {
		return fmt.Errorf("scoring rules: critical.ceiling must stay below urgency.immediate_below")
	}

	cost, err := r.DefaultCost.parse()
	if err != nil {
		return fmt.Errorf("scoring rules: default_cost: %w", err)
	}
	r.defaultCost = cost

	r.costs = make(map[string]types.CostRange, len(r.Anomalies))
	for name, rule := range r.Anomalies {
		if !rule.Category.IsValid() {
			return fmt.Errorf("scoring rules: anomaly %q has invalid category %q", name, rule.Category)
		}
		if rule.Cost == nil {
			continue
		}
		if rule.Cost.Currency == "" {
			rule.Cost.Currency = r.DefaultCost.Currency
		}
		cost, err := rule.Cost.parse()
		if err != nil {
			return fmt.Errorf("scoring rules: anomaly %q cost: %w", name, err)
		}
		r.costs[name] = cost
	}
	return nil
}

func (c CostRule) parse() (types.CostRange, error) {
	return types.NewCostRange(c.Min, c.Max, c.Currency)
}

// penalty returns the confidence-scaled penalty for one anomaly.
func (r *Rules) penalty(severity int, confidence float64) float64 {
	base := r.PenaltyCurve[severity]
	return base * (r.ConfidenceFloor + (1-r.ConfidenceFloor)*confidence)
}

// anomaly resolves the rule for an anomaly type, falling back to the capture
// modality for unknown types.
func (r *Rules) anomaly(kind string, modality enums.Modality) (AnomalyRule, types.CostRange) {
	if rule, ok := r.Anomalies[kind]; ok {
		cost, ok := r.costs[kind]
		if !ok {
			cost = r.defaultCost
		}
		return rule, cost
	}
	category := enums.SignalAcoustic
	if modality == enums.ModalityVideo {
		category = enums.SignalVisual
	}
	return AnomalyRule{Category: category, Subsystem: "general"}, r.defaultCost
}

func (r *Rules) urgency(score int) enums.Urgency {
	switch {
	case score < r.Urgency.ImmediateBelow:
		return enums.UrgencyImmediate
	case score < r.Urgency.MonitorBelow:
		return enums.UrgencyMonitor
	default:
		return enums.UrgencyNone
	}
}
