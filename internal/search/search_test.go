package search_test

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/migrate"
	"joatu/internal/search"
)

type fixture struct {
	eng  engine.Engine
	ctx  context.Context
	bike domain.Record
	soup domain.Record
	fix  domain.Record
	shut domain.Record
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default("joatu-test"))
	eng.Log = nil
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}
	ctx := context.Background()
	for id, names := range map[string]map[string]string{
		"tools":   {"en": "Tools", "fr": "Outils"},
		"cooking": {"en": "Cooking", "fr": "Cuisine"},
	} {
		_, err := eng.CreateCategory(ctx, engine.CategoryCreateOptions{ID: id, Identifier: id, Names: names})
		require.NoError(t, err)
	}
	f := fixture{eng: eng, ctx: ctx}
	mk := func(name, desc, creator string, cats ...string) domain.Record {
		rec, err := eng.CreateOffer(ctx, engine.RecordCreateOptions{Name: name, Description: desc, CreatorID: creator, CategoryIDs: cats})
		require.NoError(t, err)
		return rec
	}
	f.bike = mk("Bike repair", "<p>Flat <em>tyres</em> fixed</p>", "alice", "tools")
	f.soup = mk("Soup night", "<p>Bring a bowl</p>", "bob", "cooking")
	f.fix = mk("Handyman", "<p>Shelves and <b>wiring</b></p>", "carol")
	f.shut = mk("Old drill", "", "alice", "tools")
	_, err = eng.CloseRecord(ctx, f.shut.Ref(), "alice")
	require.NoError(t, err)
	return f
}

func (f fixture) filter(t *testing.T, base search.Scope, v url.Values) search.Page {
	t.Helper()
	page, err := f.eng.Search(f.ctx, domain.KindOffer, base, search.ParseParams(v), "")
	require.NoError(t, err)
	return page
}

func names(p search.Page) []string {
	out := []string{}
	for _, r := range p.Items {
		out = append(out, r.Name)
	}
	return out
}

func TestParseParamsIsLenient(t *testing.T) {
	p := search.ParseParams(url.Values{
		"types_filter[]": {"a", "b"},
		"types_filter":   {"c,d"},
		"q":              {"  bike "},
		"status":         {"OPEN"},
		"order_by":       {"oldest"},
		"per_page":       {"abc"},
		"page":           {"-3"},
		"unknown":        {"x"},
	})
	assert.Equal(t, []string{"a", "b", "c", "d"}, p.CategoryIDs)
	assert.Equal(t, "bike", p.Query)
	assert.Equal(t, "open", p.Status)
	assert.Equal(t, "oldest", p.OrderBy)
	assert.Zero(t, p.PerPage)
	assert.Zero(t, p.Page)
}

func TestTypesFilterRestrictsToCategory(t *testing.T) {
	f := newFixture(t)
	page := f.filter(t, search.All(), url.Values{"types_filter[]": {"tools"}})
	assert.ElementsMatch(t, []string{"Bike repair", "Old drill"}, names(page))
}

func TestQueryMatchesEachFieldIndependently(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"Bike repair"}, names(f.filter(t, search.All(), url.Values{"q": {"BIKE"}})), "name")
	assert.Equal(t, []string{"Handyman"}, names(f.filter(t, search.All(), url.Values{"q": {"wiring"}})), "rich text description")
	assert.Equal(t, []string{"Soup night"}, names(f.filter(t, search.All(), url.Values{"q": {"cook"}})), "category name")
	assert.Empty(t, names(f.filter(t, search.All(), url.Values{"q": {"<em>"}})), "markup is not searchable")
	assert.Empty(t, names(f.filter(t, search.All(), url.Values{"q": {"%"}})), "wildcards are literal")
}

func TestQueryUsesLocaleFallback(t *testing.T) {
	f := newFixture(t)
	page, err := f.eng.Search(f.ctx, domain.KindOffer, search.All(), search.Params{Query: "cuisine"}, "fr")
	require.NoError(t, err)
	assert.Equal(t, []string{"Soup night"}, names(page))

	page, err = f.eng.Search(f.ctx, domain.KindOffer, search.All(), search.Params{Query: "cuisine"}, "en")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestStatusFilter(t *testing.T) {
	f := newFixture(t)
	open := f.filter(t, search.All(), url.Values{"status": {"open"}})
	assert.NotContains(t, names(open), "Old drill")
	assert.Len(t, open.Items, 3)
	closed := f.filter(t, search.All(), url.Values{"status": {"closed"}})
	assert.Equal(t, []string{"Old drill"}, names(closed))
	bogus := f.filter(t, search.All(), url.Values{"status": {"whatever"}})
	assert.Len(t, bogus.Items, 4)
}

func TestOrderAndPagination(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"Old drill", "Handyman", "Soup night", "Bike repair"}, names(f.filter(t, search.All(), nil)))
	assert.Equal(t, []string{"Bike repair", "Soup night", "Handyman", "Old drill"}, names(f.filter(t, search.All(), url.Values{"order_by": {"oldest"}})))
	assert.Equal(t, []string{"Old drill", "Handyman", "Soup night", "Bike repair"}, names(f.filter(t, search.All(), url.Values{"order_by": {"sideways"}})))

	page := f.filter(t, search.All(), url.Values{"per_page": {"3"}, "page": {"2"}})
	assert.Equal(t, []string{"Bike repair"}, names(page))
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 3, page.PerPage)

	page = f.filter(t, search.All(), url.Values{"per_page": {"lots"}})
	assert.Len(t, page.Items, 4)
	assert.Zero(t, page.PerPage)

	page = f.filter(t, search.All(), url.Values{"per_page": {"100000"}})
	assert.Equal(t, 100, page.PerPage)
}

func TestResultAlwaysInsideBaseScope(t *testing.T) {
	f := newFixture(t)
	base := search.Scope{Where: "r.creator_id = ?", Args: []any{"alice"}}
	inputs := []url.Values{
		nil,
		{"q": {"soup"}},
		{"q": {"a"}},
		{"types_filter[]": {"cooking", "tools"}},
		{"status": {"open"}},
		{"status": {"closed"}},
		{"order_by": {"oldest"}, "per_page": {"1"}, "page": {"2"}},
		{"q": {"x' OR 1=1 --"}},
	}
	for _, v := range inputs {
		page := f.filter(t, base, v)
		for _, rec := range page.Items {
			assert.Equal(t, "alice", rec.CreatorID, "params %v escaped the scope", v)
		}
		assert.LessOrEqual(t, page.Total, 2)
	}
}

func TestOrderKeepsInsertionOrderWithinOneSecond(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default("joatu-test"))
	eng.Log = nil
	ctx := context.Background()

	created := []string{}
	for i := 0; i < 8; i++ {
		id := "o" + strconv.Itoa(i)
		_, err := eng.CreateOffer(ctx, engine.RecordCreateOptions{ID: id, Name: "Offer " + id, CreatorID: "alice"})
		require.NoError(t, err)
		created = append(created, id)
	}
	ids := func(p search.Page) []string {
		out := []string{}
		for _, r := range p.Items {
			out = append(out, r.ID)
		}
		return out
	}

	page, err := eng.Search(ctx, domain.KindOffer, search.All(), search.ParseParams(url.Values{"order_by": {"oldest"}}), "")
	require.NoError(t, err)
	assert.Equal(t, created, ids(page))

	page, err = eng.Search(ctx, domain.KindOffer, search.All(), search.ParseParams(url.Values{"order_by": {"newest"}}), "")
	require.NoError(t, err)
	reversed := make([]string, len(created))
	for i, id := range created {
		reversed[len(created)-1-i] = id
	}
	assert.Equal(t, reversed, ids(page))

	page, err = eng.Search(ctx, domain.KindOffer, search.All(), search.ParseParams(url.Values{"order_by": {"oldest"}, "per_page": {"3"}, "page": {"2"}}), "")
	require.NoError(t, err)
	assert.Equal(t, created[3:6], ids(page))
}

func TestQueryFoldsNonASCIICase(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.CreateCategory(f.ctx, engine.CategoryCreateOptions{ID: "bikes", Identifier: "bikes", Names: map[string]string{"en": "Bikes", "uk": "ВЕЛОСИПЕДИ"}})
	require.NoError(t, err)
	_, err = f.eng.CreateOffer(f.ctx, engine.RecordCreateOptions{Name: "ÉCOLE Велосипед", Description: "<p>Cours de RÉPARATION</p>", CreatorID: "dana"})
	require.NoError(t, err)
	_, err = f.eng.CreateOffer(f.ctx, engine.RecordCreateOptions{Name: "Pump", CreatorID: "dana", CategoryIDs: []string{"bikes"}})
	require.NoError(t, err)

	for q, want := range map[string][]string{
		"велосипед":  {"ÉCOLE Велосипед"},
		"ВЕЛОСИПЕД":  {"ÉCOLE Велосипед"},
		"école":      {"ÉCOLE Велосипед"},
		"réparation": {"ÉCOLE Велосипед"},
	} {
		assert.Equal(t, want, names(f.filter(t, search.All(), url.Values{"q": {q}})), "q=%s", q)
	}

	page, err := f.eng.Search(f.ctx, domain.KindOffer, search.All(), search.ParseParams(url.Values{"q": {"велосипед"}}), "uk")
	require.NoError(t, err)
	assert.Equal(t, []string{"Pump", "ÉCOLE Велосипед"}, names(page))
}
