package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"civictrack/internal/domain"
	"civictrack/internal/engine"
)

type actorOutput struct {
	Body domain.ActorProfile `json:"body"`
}

func registerActors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ensure-citizen",
		Method:      http.MethodPost,
		Path:        "/actors/citizens",
		Summary:     "Register the caller as a citizen if new",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body EnsureCitizenRequest `json:"body"`
	}) (*actorOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.EnsureCitizen(ctx, actorID, input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		return &actorOutput{Body: p}, nil
	})

	register := func(id, path, summary string, fn func(context.Context, engine.RegisterActorOptions) (domain.ActorProfile, error)) {
		huma.Register(api, huma.Operation{
			OperationID:   id,
			Method:        http.MethodPost,
			Path:          path,
			Summary:       summary,
			DefaultStatus: http.StatusCreated,
			Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			Body RegisterActorRequest `json:"body"`
		}) (*actorOutput, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			registrar := actorID
			if actorID == input.Body.ActorID {
				// Self-registration is only meaningful for the first official.
				registrar = ""
			}
			p, err := fn(ctx, engine.RegisterActorOptions{
				RegistrarID: registrar,
				ActorID:     input.Body.ActorID,
				DisplayName: input.Body.DisplayName,
				Department:  input.Body.Department,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &actorOutput{Body: p}, nil
		})
	}
	register("register-staff", "/actors/staff", "Register a field staff member", e.RegisterStaff)
	register("register-official", "/actors/officials", "Register an official", e.RegisterOfficial)

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actor profiles",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind" enum:"citizen,staff,official"`
	}) (*struct {
		Body actorList `json:"body"`
	}, error) {
		if err := requireKind(ctx, e, domain.ActorOfficial); err != nil {
			return nil, err
		}
		items, err := e.ListActors(ctx, domain.ActorKind(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ActorProfile{}
		}
		return &struct {
			Body actorList `json:"body"`
		}{Body: actorList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-actor",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}",
		Summary:     "Get an actor profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*actorOutput, error) {
		p, err := e.GetActor(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &actorOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/actors/{actor_id}/api-keys",
		Summary:       "Issue an API key",
		Description:   "Actors may issue keys for themselves; officials may issue keys for anyone.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string              `path:"actor_id"`
		Body    CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		callerID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if callerID != input.ActorID {
			if err := requireKind(ctx, e, domain.ActorOfficial); err != nil {
				return nil, err
			}
		}
		key, plain, err := e.Repo.CreateAPIKey(ctx, input.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       plain,
			CreatedAt: key.CreatedAt,
		}}, nil
	})
}
