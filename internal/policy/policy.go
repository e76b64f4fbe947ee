// Package policy holds the pure escalation, dispatch and badge rules.
package policy

import (
	"time"

	"civictrack/internal/config"
	"civictrack/internal/domain"
)

// Escalate raises priority one step once supporters exceeds threshold.
// The result never decreases and saturates at High.
func Escalate(current domain.Priority, supporters, threshold int) domain.Priority {
	if supporters <= threshold {
		return current
	}
	switch current {
	case domain.PriorityLow:
		return domain.PriorityMedium
	case domain.PriorityMedium, domain.PriorityHigh:
		return domain.PriorityHigh
	default:
		return current
	}
}

// EstimateResolutionDays returns base days for the priority plus one day per ten
// pending issues, halved for High.
func EstimateResolutionDays(p domain.Priority, pending int) int {
	if pending < 0 {
		pending = 0
	}
	adj := pending / 10
	var base int
	switch p {
	case domain.PriorityHigh:
		base = 3
		adj = adj / 2
	case domain.PriorityMedium:
		base = 7
	default:
		base = 14
	}
	return base + adj
}

// ResolutionDate adds days to the submission time.
func ResolutionDate(submitted time.Time, days int) time.Time {
	return submitted.AddDate(0, 0, days)
}

// Facts are relational values computed by the caller inside the atomic unit.
type Facts struct {
	JoinedOthers int
}

// EvaluateBadges returns the catalog badges newly unlocked by profile.
func EvaluateBadges(catalog []domain.Badge, profile domain.ActorProfile, facts Facts) []domain.Badge {
	if profile.Kind != domain.ActorCitizen {
		return nil
	}
	var unlocked []domain.Badge
	for _, b := range catalog {
		if profile.HasBadge(b.ID) {
			continue
		}
		if metricValue(b.Metric, profile, facts) >= b.Threshold {
			unlocked = append(unlocked, b)
		}
	}
	return unlocked
}

func metricValue(metric string, p domain.ActorProfile, f Facts) int {
	switch metric {
	case config.MetricReportCount:
		return p.ReportCount
	case config.MetricUtilityPoints:
		return p.UtilityPoints
	case config.MetricTrustPoints:
		return p.TrustPoints
	case config.MetricJoinedOthers:
		return f.JoinedOthers
	default:
		return -1
	}
}

// NeedsJoinFacts reports whether any badge depends on relational facts.
func NeedsJoinFacts(catalog []domain.Badge) bool {
	for _, b := range catalog {
		if b.Metric == config.MetricJoinedOthers {
			return true
		}
	}
	return false
}

// CanHandle reports whether a staff member of department may be assigned category.
func CanHandle(cfg *config.Config, department string, category domain.Category) bool {
	if department == "" {
		return false
	}
	return department == cfg.Department(category) || department == cfg.Dispatch.CatchAllDepartment
}
