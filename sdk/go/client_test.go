package joatusdk_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joatu/internal/app"
	"joatu/internal/server"
	joatusdk "joatu/sdk/go"
)

const secret = "sdk-secret"

func newClients(t *testing.T) (alice, bob *joatusdk.Client) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	env, err := app.Load(context.Background(), t.TempDir(), "joatu", log, nil)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })

	handler, err := server.New(server.Config{Engine: env.Engine, BasePath: "/v0", Auth: server.AuthConfig{
		JWTSecret:              secret,
		AllowLegacyActorHeader: true,
		Logger:                 log,
	}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := server.SignToken(secret, "alice", time.Hour)
	require.NoError(t, err)
	alice = joatusdk.New(srv.URL + "/v0")
	alice.BearerToken = token
	bob = joatusdk.New(srv.URL + "/v0")
	bob.ActorID = "bob"
	return alice, bob
}

func TestClientExchange(t *testing.T) {
	ctx := context.Background()
	alice, bob := newClients(t)

	tools, err := alice.CreateCategory(ctx, "tools", map[string]string{"en": "Tools"})
	require.NoError(t, err)

	offer, err := alice.CreateOffer(ctx, joatusdk.RecordInput{Name: "Lend a drill", CategoryIDs: []string{tools.ID}})
	require.NoError(t, err)
	assert.Equal(t, "open", offer.Status)
	req, err := bob.CreateRequest(ctx, joatusdk.RecordInput{Name: "Need a drill", Urgency: "high", CategoryIDs: []string{tools.ID}})
	require.NoError(t, err)

	matches, err := bob.Match(ctx, "request", req.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, offer.ID, matches[0].ID)

	page, err := bob.Search(ctx, "offers", joatusdk.SearchParams{Query: "drill", CategoryIDs: []string{tools.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	d, err := bob.CanRespond(ctx, "offer", offer.ID)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	response, link, err := bob.Respond(ctx, "offer", offer.ID, joatusdk.RecordInput{Name: "I would borrow it"})
	require.NoError(t, err)
	assert.Equal(t, "request", response.Kind)
	assert.Equal(t, joatusdk.Ref{Kind: "offer", ID: offer.ID}, link.Source)
	assert.Equal(t, []string{tools.ID}, response.CategoryIDs)

	matched, err := alice.GetRecord(ctx, "offer", offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "matched", matched.Status)

	_, _, err = bob.Respond(ctx, "offer", offer.ID, joatusdk.RecordInput{Name: "again"})
	var apiErr *joatusdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "already_responded", apiErr.Details["rule"])

	a, err := alice.CreateAgreement(ctx, offer.ID, response.ID, "Saturday pickup", "")
	require.NoError(t, err)
	assert.Equal(t, "pending", a.Status)

	a, err = bob.AcceptAgreement(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", a.Status)

	_, err = alice.RejectAgreement(ctx, a.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "action_no_longer_available", apiErr.Code)

	events, err := alice.Events(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "agreement.accepted", events[0].Type)

	polled, err := alice.EventsAfter(ctx, events[1].ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, polled.Items)
	assert.Equal(t, events[0].ID, polled.Items[0].ID)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	_, bob := newClients(t)

	_, err := bob.GetRecord(ctx, "offer", "missing")
	var apiErr *joatusdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = bob.CreateOffer(ctx, joatusdk.RecordInput{})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)

	anon := joatusdk.New(bob.BaseURL)
	_, err = anon.CreateOffer(ctx, joatusdk.RecordInput{Name: "x"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
