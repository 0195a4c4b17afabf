package server

import (
	"context"
	"net/http"
	"net/url"

	"github.com/danielgtaylor/huma/v2"

	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/engine/policy"
	"joatu/internal/search"
)

type recordPath struct {
	ID string `path:"id"`
	localeParams
}

// visibleRecord loads a record the caller may see. Records outside the
// caller's scope are reported as missing.
func visibleRecord(ctx context.Context, e engine.Engine, pol policy.Service, ref domain.Ref, locale string) (domain.Record, error) {
	ok, err := pol.CanView(ctx, principalFromContext(ctx).PersonID, ref)
	if err != nil {
		return domain.Record{}, err
	}
	if !ok {
		return domain.Record{}, &domain.NotFoundError{Entity: string(ref.Kind), ID: ref.ID}
	}
	return e.GetRecord(ctx, ref, locale)
}

func registerRecords(api huma.API, e engine.Engine, pol policy.Service, kind domain.Kind) {
	plural := "/" + string(kind) + "s"
	ref := func(id string) domain.Ref { return domain.Ref{Kind: kind, ID: id} }

	huma.Register(api, huma.Operation{
		OperationID: "create-" + string(kind),
		Method:      http.MethodPost,
		Path:        plural,
		Summary:     "Create " + string(kind),
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateRecordRequest `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		actor, authErr := personID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := input.Body.options(actor)
		var (
			rec domain.Record
			err error
		)
		if kind == domain.KindOffer {
			rec, err = e.CreateOffer(ctx, opts)
		} else {
			rec, err = e.CreateRequest(ctx, opts)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + string(kind) + "s",
		Method:      http.MethodGet,
		Path:        plural,
		Summary:     "Search " + string(kind) + "s",
		Description: "Accepts types_filter[] (category ids), q, status, order_by (newest, oldest), per_page and page. Unknown or malformed params are ignored.",
		Tags:        []string{string(kind) + "s"},
	}, func(ctx context.Context, input *localeParams) (*struct {
		Body RecordList `json:"body"`
	}, error) {
		values := url.Values{}
		if req := rawRequest(ctx); req != nil {
			values = req.URL.Query()
		}
		scope := pol.Scope(principalFromContext(ctx).PersonID, kind)
		page, err := e.Search(ctx, kind, scope, search.ParseParams(values), input.preferred())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordList `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-" + string(kind),
		Method:      http.MethodGet,
		Path:        plural + "/{id}",
		Summary:     "Get " + string(kind),
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		rec, err := visibleRecord(ctx, e, pol, ref(input.ID), input.preferred())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-" + string(kind),
		Method:      http.MethodPost,
		Path:        plural + "/{id}/close",
		Summary:     "Close " + string(kind),
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		actor, authErr := personID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.CloseRecord(ctx, ref(input.ID), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "translate-" + string(kind),
		Method:      http.MethodPut,
		Path:        plural + "/{id}/translations",
		Summary:     "Set the name and description of a " + string(kind) + " in one locale",
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body TranslateRecordRequest `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		actor, authErr := personID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.TranslateRecord(ctx, ref(input.ID), input.Body.Locale, input.Body.Name, input.Body.Description, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "match-" + string(kind),
		Method:      http.MethodGet,
		Path:        plural + "/{id}/matches",
		Summary:     "Counterpart records sharing a category",
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body []domain.Record `json:"body"`
	}, error) {
		if _, err := visibleRecord(ctx, e, pol, ref(input.ID), input.preferred()); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Match(ctx, ref(input.ID), input.preferred())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Record `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-respond-" + string(kind),
		Method:      http.MethodGet,
		Path:        plural + "/{id}/can-respond",
		Summary:     "Whether the caller may respond",
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body engine.Decision `json:"body"`
	}, error) {
		if _, err := visibleRecord(ctx, e, pol, ref(input.ID), ""); err != nil {
			return nil, handleError(err)
		}
		d, err := e.CanRespond(ctx, principalFromContext(ctx).PersonID, ref(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Decision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-to-" + string(kind),
		Method:      http.MethodPost,
		Path:        plural + "/{id}/respond",
		Summary:     "Create a " + string(kind.Counterpart()) + " in response and link it",
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CreateRecordRequest `json:"body"`
	}) (*struct {
		Body RespondResponse `json:"body"`
	}, error) {
		actor, authErr := personID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		source := ref(input.ID)
		if _, err := visibleRecord(ctx, e, pol, source, ""); err != nil {
			return nil, handleError(err)
		}
		d, err := e.CanRespond(ctx, actor, source)
		if err != nil {
			return nil, handleError(err)
		}
		if !d.Allowed {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "not allowed to respond to "+source.String(), map[string]any{"rule": d.Rule})
		}
		rec, link, err := e.RespondWith(ctx, source, input.Body.options(actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RespondResponse `json:"body"`
		}{Body: RespondResponse{Record: rec, Link: link}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + string(kind) + "-responses",
		Method:      http.MethodGet,
		Path:        plural + "/{id}/responses",
		Summary:     "Response links where the " + string(kind) + " is the source",
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body []domain.ResponseLink `json:"body"`
	}, error) {
		if _, err := visibleRecord(ctx, e, pol, ref(input.ID), ""); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ResponseLinksAsSource(ctx, ref(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ResponseLink `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + string(kind) + "-responding-to",
		Method:      http.MethodGet,
		Path:        plural + "/{id}/responding-to",
		Summary:     "Response links where the " + string(kind) + " is the response",
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body []domain.ResponseLink `json:"body"`
	}, error) {
		if _, err := visibleRecord(ctx, e, pol, ref(input.ID), ""); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ResponseLinksAsResponse(ctx, ref(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ResponseLink `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + string(kind) + "-agreements",
		Method:      http.MethodGet,
		Path:        plural + "/{id}/agreements",
		Summary:     "Agreements involving the " + string(kind),
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body []domain.Agreement `json:"body"`
	}, error) {
		if _, err := visibleRecord(ctx, e, pol, ref(input.ID), ""); err != nil {
			return nil, handleError(err)
		}
		items, err := e.AgreementsFor(ctx, ref(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agreement `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + string(kind) + "-categories",
		Method:      http.MethodGet,
		Path:        plural + "/{id}/categories",
		Summary:     "Categories tagged on the " + string(kind),
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body []domain.Category `json:"body"`
	}, error) {
		if _, err := visibleRecord(ctx, e, pol, ref(input.ID), ""); err != nil {
			return nil, handleError(err)
		}
		items, err := e.CategoriesFor(ctx, ref(input.ID), input.preferred())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Category `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retag-" + string(kind),
		Method:      http.MethodPatch,
		Path:        plural + "/{id}/categories",
		Summary:     "Add or remove categories on the " + string(kind),
		Tags:        []string{string(kind) + "s"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RetagRecordRequest `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		actor, authErr := personID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RetagRecord(ctx, ref(input.ID), input.Body.Add, input.Body.Remove, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})
}
