// Package ledger applies reputation counter deltas to actor profiles.
package ledger

import (
	"context"
	"fmt"

	"civictrack/internal/domain"
)

type Counter string

const (
	UtilityPoints    Counter = "utility_points"
	TrustPoints      Counter = "trust_points"
	ReportCount      Counter = "report_count"
	EfficiencyPoints Counter = "efficiency_points"
	AIImageWarnings  Counter = "ai_image_warnings"
)

// Clamp is either monotone (no bounds, negative deltas refused) or bounded.
type Clamp struct {
	Bounded  bool
	Min, Max int
}

var (
	None        = Clamp{}
	TrustBounds = Bounded(0, 100)
)

func Bounded(min, max int) Clamp {
	return Clamp{Bounded: true, Min: min, Max: max}
}

func (c Clamp) apply(v int) int {
	if !c.Bounded {
		return v
	}
	if v < c.Min {
		return c.Min
	}
	if v > c.Max {
		return c.Max
	}
	return v
}

// Delta is one requested adjustment.
type Delta struct {
	Counter Counter
	Amount  int
	Clamp   Clamp
}

// Change records the effect of an applied delta.
type Change struct {
	ActorID string  `json:"actor_id"`
	Counter Counter `json:"counter"`
	Before  int     `json:"before"`
	After   int     `json:"after"`
}

// Trust adjusts trust points within [0,100].
func Trust(amount int) Delta { return Delta{Counter: TrustPoints, Amount: amount, Clamp: TrustBounds} }

// Add increments a monotone counter.
func Add(c Counter, amount int) Delta { return Delta{Counter: c, Amount: amount, Clamp: None} }

// ApplyDelta mutates p in place.
func ApplyDelta(p *domain.ActorProfile, c Counter, delta int, clamp Clamp) (Change, error) {
	field, err := counterField(p, c)
	if err != nil {
		return Change{}, err
	}
	if !clamp.Bounded && delta < 0 {
		return Change{}, domain.NewValidationError(string(c), "monotone counter cannot decrease")
	}
	before := *field
	*field = clamp.apply(before + delta)
	return Change{ActorID: p.ID, Counter: c, Before: before, After: *field}, nil
}

func counterField(p *domain.ActorProfile, c Counter) (*int, error) {
	switch c {
	case TrustPoints:
		if p.Kind == domain.ActorCitizen || p.Kind == domain.ActorStaff {
			return &p.TrustPoints, nil
		}
	case UtilityPoints:
		if p.Kind == domain.ActorCitizen {
			return &p.UtilityPoints, nil
		}
	case ReportCount:
		if p.Kind == domain.ActorCitizen {
			return &p.ReportCount, nil
		}
	case EfficiencyPoints:
		if p.Kind == domain.ActorStaff {
			return &p.EfficiencyPoints, nil
		}
	case AIImageWarnings:
		if p.Kind == domain.ActorStaff {
			return &p.AIImageWarningCount, nil
		}
	default:
		return nil, domain.NewValidationError("counter", fmt.Sprintf("unknown counter %q", c))
	}
	return nil, domain.NewValidationError("counter", fmt.Sprintf("%s does not apply to %s %s", c, p.Kind, p.ID))
}

// ActorStore is the slice of an atomic unit the ledger needs.
type ActorStore interface {
	GetActor(ctx context.Context, id string) (domain.ActorProfile, error)
	UpdateActor(ctx context.Context, p *domain.ActorProfile) error
}

type Ledger struct{}

// Apply reads the actor, applies every delta and writes it back through store.
// Callers pass the store handle of their atomic unit so the read and write share it.
func (Ledger) Apply(ctx context.Context, store ActorStore, actorID string, deltas ...Delta) (domain.ActorProfile, []Change, error) {
	p, err := store.GetActor(ctx, actorID)
	if err != nil {
		return domain.ActorProfile{}, nil, err
	}
	changes, err := ApplyAll(&p, deltas...)
	if err != nil {
		return domain.ActorProfile{}, nil, err
	}
	if err := store.UpdateActor(ctx, &p); err != nil {
		return domain.ActorProfile{}, nil, err
	}
	return p, changes, nil
}

// ApplyAll applies deltas to an already loaded profile; it is all-or-nothing on p.
func ApplyAll(p *domain.ActorProfile, deltas ...Delta) ([]Change, error) {
	work := *p
	changes := make([]Change, 0, len(deltas))
	for _, d := range deltas {
		ch, err := ApplyDelta(&work, d.Counter, d.Amount, d.Clamp)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	*p = work
	return changes, nil
}
