package scoring

import (
	"fmt"
	"time"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

type overdueItem struct {
	subsystem      string
	description    string
	recommendation string
}

// overdue returns the detected subsystems whose last matching service is past
// its interval. A subsystem with no matching service history is neutral.
func (r *Rules) overdue(subsystems []string, mctx types.MaintenanceContext, currentMileage *int) []overdueItem {
	if len(mctx.Events) == 0 {
		return nil
	}
	var out []overdueItem
	for _, sub := range subsystems {
		rule, ok := r.Subsystems[sub]
		if !ok {
			continue
		}
		last, ok := latestService(mctx.Events, rule.ServiceTypes)
		if !ok {
			continue
		}

		var reason string
		if rule.IntervalMonths > 0 && !mctx.AsOf.IsZero() && mctx.AsOf.After(last.Date.AddDate(0, rule.IntervalMonths, 0)) {
			reason = fmt.Sprintf("last %s service on %s exceeds the %d month interval", sub, last.Date.Format(time.DateOnly), rule.IntervalMonths)
		} else if rule.IntervalKm > 0 && currentMileage != nil && *currentMileage-last.MileageAtService > rule.IntervalKm {
			reason = fmt.Sprintf("%d km since last %s service exceeds the %d km interval", *currentMileage-last.MileageAtService, sub, rule.IntervalKm)
		}
		if reason == "" {
			continue
		}
		out = append(out, overdueItem{
			subsystem:      sub,
			description:    "Overdue maintenance: " + reason,
			recommendation: rule.Recommendation,
		})
	}
	return out
}

func latestService(events []types.MaintenanceEvent, serviceTypes []string) (types.MaintenanceEvent, bool) {
	var (
		best  types.MaintenanceEvent
		found bool
	)
	for _, ev := range events {
		if !contains(serviceTypes, ev.Type) {
			continue
		}
		if !found || ev.Date.After(best.Date) {
			best = ev
			found = true
		}
	}
	return best, found
}

// mileageInconsistency flags odometer rollback against any prior reading, or a
// jump from the latest reading faster than MaxKmPerDay.
func (r *Rules) mileageInconsistency(currentMileage *int, mctx types.MaintenanceContext) (string, bool) {
	if currentMileage == nil || len(mctx.MileageHistory) == 0 {
		return "", false
	}
	current := *currentMileage

	maxPrior := mctx.MileageHistory[0]
	latest := mctx.MileageHistory[0]
	for _, reading := range mctx.MileageHistory[1:] {
		if reading.Mileage > maxPrior.Mileage {
			maxPrior = reading
		}
		if reading.RecordedAt.After(latest.RecordedAt) {
			latest = reading
		}
	}

	if current < maxPrior.Mileage-r.Mileage.RollbackToleranceKm {
		return fmt.Sprintf("odometer reads %d km but %d km was recorded on %s", current, maxPrior.Mileage, maxPrior.RecordedAt.Format(time.DateOnly)), true
	}

	if r.Mileage.MaxKmPerDay > 0 && !mctx.AsOf.IsZero() {
		days := mctx.AsOf.Sub(latest.RecordedAt).Hours() / 24
		if days < 1 {
			days = 1
		}
		perDay := float64(current-latest.Mileage) / days
		if perDay > r.Mileage.MaxKmPerDay {
			return fmt.Sprintf("odometer advanced %d km in %.0f day(s) since %s", current-latest.Mileage, days, latest.RecordedAt.Format(time.DateOnly)), true
		}
	}
	return "", false
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
