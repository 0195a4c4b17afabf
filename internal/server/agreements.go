package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/engine/policy"
)

func registerResponseLinks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-response-link",
		Method:      http.MethodPost,
		Path:        "/response-links",
		Summary:     "Link an existing record as a response to its counterpart",
		Tags:        []string{"response-links"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateResponseLinkRequest `json:"body"`
	}) (*struct {
		Body domain.ResponseLink `json:"body"`
	}, error) {
		actor, authErr := personID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		response := input.Body.Response
		if response.Kind.Valid() && response.ID != "" {
			creator, err := e.Repo.CreatorOf(ctx, nil, response)
			if err != nil {
				return nil, handleError(err)
			}
			if creator != actor {
				return nil, handleError(domain.ForbiddenError{Action: "link " + response.String()})
			}
		}
		link, err := e.CreateResponseLink(ctx, input.Body.Source, response, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ResponseLink `json:"body"`
		}{Body: link}, nil
	})
}

type agreementPath struct {
	ID string `path:"id"`
}

func registerAgreements(api huma.API, e engine.Engine, pol policy.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "create-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements",
		Summary:     "Propose an agreement between an offer and a request",
		Tags:        []string{"agreements"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateAgreementRequest `json:"body"`
	}) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		actor, authErr := personID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		body := input.Body
		if strings.TrimSpace(body.OfferID) != "" && strings.TrimSpace(body.RequestID) != "" {
			if err := ensureCreatorOfEither(ctx, pol, actor, body.OfferID, body.RequestID); err != nil {
				return nil, handleError(err)
			}
		}
		a, err := e.CreateAgreement(ctx, engine.AgreementCreateOptions{
			ID:        body.ID,
			OfferID:   body.OfferID,
			RequestID: body.RequestID,
			Terms:     body.Terms,
			Value:     body.Value,
			ActorID:   actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{id}",
		Summary:     "Get agreement",
		Tags:        []string{"agreements"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		actor, authErr := personID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GetAgreement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := pol.EnsureParticipant(ctx, actor, a.ID, "view agreement"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	transitions := []struct {
		name string
		do   func(ctx context.Context, id, actor string) (domain.Agreement, error)
	}{
		{"accept", e.AcceptAgreement},
		{"reject", e.RejectAgreement},
	}
	for _, t := range transitions {
		huma.Register(api, huma.Operation{
			OperationID: t.name + "-agreement",
			Method:      http.MethodPost,
			Path:        "/agreements/{id}/" + t.name,
			Summary:     strings.ToUpper(t.name[:1]) + t.name[1:] + " agreement",
			Tags:        []string{"agreements"},
			Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *agreementPath) (*struct {
			Body domain.Agreement `json:"body"`
		}, error) {
			actor, authErr := personID(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if _, err := e.GetAgreement(ctx, input.ID); err != nil {
				return nil, handleError(err)
			}
			if err := pol.EnsureParticipant(ctx, actor, input.ID, t.name+" agreement"); err != nil {
				return nil, handleError(err)
			}
			a, err := t.do(ctx, input.ID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Agreement `json:"body"`
			}{Body: a}, nil
		})
	}
}

// ensureCreatorOfEither lets the offer creator or the request creator propose.
func ensureCreatorOfEither(ctx context.Context, pol policy.Service, actor, offerID, requestID string) error {
	err := pol.EnsureCreator(ctx, actor, domain.OfferRef(offerID), "propose agreement")
	var fe domain.ForbiddenError
	if err == nil || !errors.As(err, &fe) {
		return err
	}
	return pol.EnsureCreator(ctx, actor, domain.RequestRef(requestID), "propose agreement")
}
