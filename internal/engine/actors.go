package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"civictrack/internal/domain"
	"civictrack/internal/engine/auth"
	"civictrack/internal/repo"
)

// RegisterActorOptions describes a staff member or official to register.
type RegisterActorOptions struct {
	// RegistrarID is the official performing the registration. It may be empty only
	// when registering the first official of a workspace.
	RegistrarID string
	ActorID     string
	DisplayName string
	Department  string
}

// RegisterStaff creates a field staff profile with full trust.
func (e Engine) RegisterStaff(ctx context.Context, opts RegisterActorOptions) (domain.ActorProfile, error) {
	dept := strings.TrimSpace(opts.Department)
	if dept == "" {
		return domain.ActorProfile{}, domain.NewValidationError("department", "department is required")
	}
	p := domain.ActorProfile{
		ID:          strings.TrimSpace(opts.ActorID),
		Kind:        domain.ActorStaff,
		DisplayName: strings.TrimSpace(opts.DisplayName),
		Department:  dept,
		TrustPoints: 100,
	}
	return e.register(ctx, opts.RegistrarID, p)
}

// RegisterOfficial creates an official profile.
func (e Engine) RegisterOfficial(ctx context.Context, opts RegisterActorOptions) (domain.ActorProfile, error) {
	p := domain.ActorProfile{
		ID:          strings.TrimSpace(opts.ActorID),
		Kind:        domain.ActorOfficial,
		DisplayName: strings.TrimSpace(opts.DisplayName),
	}
	return e.register(ctx, opts.RegistrarID, p)
}

func (e Engine) register(ctx context.Context, registrarID string, p domain.ActorProfile) (domain.ActorProfile, error) {
	if p.ID == "" {
		return domain.ActorProfile{}, domain.NewValidationError("actor_id", "actor id is required")
	}
	var out domain.ActorProfile
	err := e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		if registrarID == "" {
			if p.Kind != domain.ActorOfficial {
				return domain.NewValidationError("registrar_id", "registrar id is required")
			}
			n, err := tx.CountActors(ctx, domain.ActorOfficial)
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.NewValidationError("registrar_id", "registrar id is required once an official exists")
			}
		} else if _, err := requireActor(ctx, tx, registrarID, auth.PermActorRegister); err != nil {
			return err
		}
		if _, err := tx.GetActor(ctx, p.ID); err == nil {
			return domain.NewValidationError("actor_id", fmt.Sprintf("actor %s already exists", p.ID))
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		rec := p
		registrar := registrarID
		if registrar == "" {
			registrar = p.ID
		}
		if err := e.insertActor(ctx, tx, &rec, registrar); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return domain.ActorProfile{}, err
	}
	e.log().InfoContext(ctx, "actor registered", "actor_id", out.ID, "kind", out.Kind, "registrar_id", registrarID)
	return out, nil
}

// EnsureCitizen returns the profile of actorID, registering a citizen if it is new.
func (e Engine) EnsureCitizen(ctx context.Context, actorID, displayName string) (domain.ActorProfile, error) {
	var out domain.ActorProfile
	err := e.Repo.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		var err error
		out, err = e.ensureCitizen(ctx, tx, strings.TrimSpace(actorID), strings.TrimSpace(displayName))
		return err
	})
	return out, err
}
