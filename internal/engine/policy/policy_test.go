package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/engine/policy"
	"joatu/internal/migrate"
	"joatu/internal/search"
)

func TestScopesAndParticipants(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default("joatu-test"))
	eng.Log = nil
	ctx := context.Background()

	offer, err := eng.CreateOffer(ctx, engine.RecordCreateOptions{Name: "Bike repair", CreatorID: "alice"})
	require.NoError(t, err)
	req, err := eng.CreateRequest(ctx, engine.RecordCreateOptions{Name: "Need tools", CreatorID: "bob"})
	require.NoError(t, err)
	hidden, err := eng.CreateOffer(ctx, engine.RecordCreateOptions{Name: "Withdrawn", CreatorID: "carol"})
	require.NoError(t, err)
	_, err = eng.CloseRecord(ctx, hidden.Ref(), "carol")
	require.NoError(t, err)
	a, err := eng.CreateAgreement(ctx, engine.AgreementCreateOptions{OfferID: offer.ID, RequestID: req.ID, ActorID: "bob"})
	require.NoError(t, err)
	_, err = eng.AcceptAgreement(ctx, a.ID, "alice")
	require.NoError(t, err)

	svc := policy.Service{DB: conn}
	visible := func(actor string) []string {
		page, err := eng.Search(ctx, domain.KindOffer, svc.Scope(actor, domain.KindOffer), search.Params{}, "")
		require.NoError(t, err)
		out := []string{}
		for _, r := range page.Items {
			out = append(out, r.ID)
		}
		return out
	}
	assert.Empty(t, visible(""), "anonymous callers only see records that are not closed")
	assert.Equal(t, []string{hidden.ID}, visible("carol"))
	assert.Equal(t, []string{offer.ID}, visible("bob"), "agreement participants keep seeing closed records")
	assert.Empty(t, visible("mallory"))

	ok, err := svc.CanView(ctx, "bob", offer.Ref())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.CanView(ctx, "", offer.Ref())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.EnsureParticipant(ctx, "alice", a.ID, "accept agreement"))
	err = svc.EnsureParticipant(ctx, "mallory", a.ID, "accept agreement")
	var fe domain.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "not allowed to accept agreement", fe.Error())

	require.NoError(t, svc.EnsureCreator(ctx, "carol", hidden.Ref(), "close"))
	require.ErrorAs(t, svc.EnsureCreator(ctx, "alice", hidden.Ref(), "close"), &fe)
}
