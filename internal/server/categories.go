package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"joatu/internal/domain"
	"joatu/internal/engine"
)

func registerCategories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-categories",
		Method:      http.MethodGet,
		Path:        "/categories",
		Summary:     "List categories",
		Tags:        []string{"categories"},
	}, func(ctx context.Context, input *localeParams) (*struct {
		Body []domain.Category `json:"body"`
	}, error) {
		items, err := e.ListCategories(ctx, input.preferred())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Category `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-category",
		Method:      http.MethodGet,
		Path:        "/categories/{id}",
		Summary:     "Get category",
		Tags:        []string{"categories"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body domain.Category `json:"body"`
	}, error) {
		c, err := e.GetCategory(ctx, input.ID, input.preferred())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Category `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-category",
		Method:      http.MethodPost,
		Path:        "/categories",
		Summary:     "Create category",
		Tags:        []string{"categories"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateCategoryRequest `json:"body"`
	}) (*struct {
		Body domain.Category `json:"body"`
	}, error) {
		actor, authErr := personID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCategory(ctx, engine.CategoryCreateOptions{
			ID:         input.Body.ID,
			Identifier: input.Body.Identifier,
			Names:      input.Body.Names,
			ActorID:    actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Category `json:"body"`
		}{Body: c}, nil
	})
}
