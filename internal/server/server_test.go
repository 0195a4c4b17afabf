package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/metrics"
	"joatu/internal/migrate"
	"joatu/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("joatu")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	e := engine.New(conn, cfg)
	e.Log = log
	e.Metrics = metrics.New()
	if err := e.Repo.UpsertPlatformConfig(context.Background(), nil, cfg.Platform.ID, cfg); err != nil {
		t.Fatalf("seed platform config: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		AllowDevLogin:          true,
		Logger:                 log,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(person string) map[string]string {
	return map[string]string{"X-Actor-Id": person}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s *testServer) create(t *testing.T, path, person string, body map[string]any) domain.Record {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0"+path, body, as(person))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[domain.Record](t, data)
}

func (s *testServer) category(t *testing.T, identifier, name string) domain.Category {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/categories", map[string]any{
		"identifier": identifier,
		"names":      map[string]string{"en": name},
	}, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[domain.Category](t, data)
}

func TestExchangeFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	tools := srv.category(t, "tools", "Tools")

	offer := srv.create(t, "/offers", "alice", map[string]any{"name": "Drill to lend", "category_ids": []string{tools.ID}})
	request := srv.create(t, "/requests", "bob", map[string]any{"name": "Need a drill", "category_ids": []string{tools.ID}})
	assert.Equal(t, domain.StatusOpen, offer.Status)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/offers/"+offer.ID+"/matches", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	matches := decode[[]domain.Record](t, data)
	require.Len(t, matches, 1)
	assert.Equal(t, request.ID, matches[0].ID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offers/"+offer.ID+"/can-respond", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[engine.Decision](t, data).Allowed)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/response-links", map[string]any{
		"source":   map[string]string{"kind": "offer", "id": offer.ID},
		"response": map[string]string{"kind": "request", "id": request.ID},
	}, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offers/"+offer.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.StatusMatched, decode[domain.Record](t, data).Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements", map[string]any{
		"offer_id": offer.ID, "request_id": request.ID, "terms": "Return by Friday",
	}, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	agreement := decode[domain.Agreement](t, data)
	assert.Equal(t, domain.AgreementPending, agreement.Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+agreement.ID+"/accept", nil, as("mallory"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	for i := 0; i < 2; i++ {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+agreement.ID+"/accept", nil, as("alice"))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		assert.Equal(t, domain.AgreementAccepted, decode[domain.Agreement](t, data).Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+agreement.ID+"/reject", nil, as("bob"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "action_no_longer_available", decode[errorEnvelope](t, data).Error.Code)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offers/"+offer.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "closed records leave the anonymous scope")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offers/"+offer.ID, nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.StatusClosed, decode[domain.Record](t, data).Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+request.ID+"/agreements", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.Agreement](t, data), 1)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=agreement&entity_id="+agreement.ID, nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	evts := decode[paginatedEvents](t, data)
	types := []string{}
	for _, e := range evts.Items {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"agreement.accepted", "agreement.created"}, types)
}

func TestRespondEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	tools := srv.category(t, "tools", "Tools")
	request := srv.create(t, "/requests", "bob", map[string]any{"name": "Need a ladder", "category_ids": []string{tools.ID}})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+request.ID+"/respond", map[string]any{"name": "Ladder available"}, as("bob"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "own_record", decode[errorEnvelope](t, data).Error.Details["rule"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+request.ID+"/respond", map[string]any{"name": "Ladder available"}, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[RespondResponse](t, data)
	assert.Equal(t, domain.KindOffer, out.Record.Kind)
	assert.Equal(t, []string{tools.ID}, out.Record.CategoryIDs)
	assert.Equal(t, request.Ref(), out.Link.Source)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+request.ID+"/respond", map[string]any{"name": "Second ladder"}, as("alice"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "already_responded", decode[errorEnvelope](t, data).Error.Details["rule"])

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+request.ID+"/responses", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.ResponseLink](t, data), 1)
}

func TestValidationFailures(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	offer := srv.create(t, "/offers", "alice", map[string]any{"name": "Bike"})
	request := srv.create(t, "/requests", "bob", map[string]any{"name": "Need bike"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/offers", map[string]any{"name": " "}, as("alice"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	body := decode[errorEnvelope](t, data)
	assert.Equal(t, "validation_failed", body.Error.Code)
	assert.Equal(t, "name", body.Error.Details["field"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offers/"+offer.ID+"/close", nil, as("bob"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offers/"+offer.ID+"/close", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/response-links", map[string]any{
		"source":   map[string]string{"kind": "offer", "id": offer.ID},
		"response": map[string]string{"kind": "request", "id": request.ID},
	}, as("bob"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	body = decode[errorEnvelope](t, data)
	assert.Equal(t, "source", body.Error.Details["field"])
	assert.Contains(t, body.Error.Message, "must be open or matched to create a response")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/offers", map[string]any{"name": "Bike"}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := SignToken(testSecret, "alice", 0)
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, WhoAmIResponse{PersonID: "alice", Source: "jwt"}, decode[WhoAmIResponse](t, data))

	r := repo.Repo{DB: srv.Engine.DB}
	carolKey, _, err := r.IssueAPIKey(ctx, "carol", "laptop", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": carolKey})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "carol", decode[WhoAmIResponse](t, data).PersonID)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"person_id": "dave"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	dev := decode[DevLoginResponse](t, data)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + dev.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "dave", decode[WhoAmIResponse](t, data).PersonID)
}

func TestSearchEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	tools := srv.category(t, "tools", "Tools")
	food := srv.category(t, "food", "Food")
	srv.create(t, "/offers", "alice", map[string]any{"name": "Hammer", "category_ids": []string{tools.ID}})
	srv.create(t, "/offers", "alice", map[string]any{"name": "Bread", "description": "<p>Fresh <b>sourdough</b></p>", "category_ids": []string{food.ID}})
	closed := srv.create(t, "/offers", "carol", map[string]any{"name": "Old saw", "category_ids": []string{tools.ID}})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/offers/"+closed.ID+"/close", nil, as("carol"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	names := func(query string, headers map[string]string) []string {
		t.Helper()
		res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/offers?"+query, nil, headers)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		page := decode[RecordList](t, data)
		out := []string{}
		for _, r := range page.Items {
			out = append(out, r.Name)
		}
		return out
	}

	assert.Equal(t, []string{"Hammer"}, names("types_filter[]="+tools.ID, nil))
	assert.ElementsMatch(t, []string{"Hammer", "Old saw"}, names("types_filter[]="+tools.ID, as("carol")))
	assert.Equal(t, []string{"Bread"}, names("q=SOURDOUGH&per_page=lots&bogus=1", nil))
	assert.Empty(t, names("status=closed", nil), "scope is never widened by filters")
	assert.Equal(t, []string{"Old saw"}, names("status=closed", as("carol")))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offers?per_page=1&page=2&order_by=oldest", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[RecordList](t, data)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.PerPage)
	assert.Len(t, page.Items, 1)
}

func TestOperationalEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/locales", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	locales := decode[LocalesResponse](t, data)
	assert.Equal(t, "en", locales.Default)
	assert.Equal(t, "en", locales.Available[0])

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/offers/{id}/matches")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), "joatu_http_requests_total"))
}

func TestRetagEndpoint(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	client := srv.Client()
	tools := srv.category(t, "tools", "Tools")
	food := srv.category(t, "food", "Food")
	offer := srv.create(t, "/offers", "alice", map[string]any{"name": "Drill", "category_ids": []string{tools.ID}})
	url := srv.URL + "/v0/offers/" + offer.ID + "/categories"
	body := map[string]any{"add": []string{food.ID}, "remove": []string{tools.ID}}

	res, _ := doJSON(t, client, http.MethodPatch, url, body, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data := doJSON(t, client, http.MethodPatch, url, body, as("bob"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPatch, url, body, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, []string{food.ID}, decode[domain.Record](t, data).CategoryIDs)

	res, data = doJSON(t, client, http.MethodPatch, url, map[string]any{"add": []string{"garden"}}, as("alice"))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}
