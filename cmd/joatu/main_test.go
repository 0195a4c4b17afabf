package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joatu/internal/app"
	"joatu/internal/domain"
)

var setupOnce sync.Once

func run(t *testing.T, args ...string) error {
	t.Helper()
	setupOnce.Do(func() {
		initConfig()
		addPersistentFlags()
		registerCommands()
	})
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestParseLocalized(t *testing.T) {
	names, err := parseLocalized([]string{"en=Tools", "fr=Outils", " de =Werkzeug"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"en": "Tools", "fr": "Outils", "de": "Werkzeug"}, names)

	_, err = parseLocalized([]string{"Tools"})
	require.Error(t, err)
}

func TestSearchFlagsValues(t *testing.T) {
	f := searchFlags{query: "drill", categories: []string{"tools", "garden"}, status: "open", perPage: 10, page: 2}
	v := f.values()
	assert.Equal(t, "drill", v.Get("q"))
	assert.Equal(t, []string{"tools", "garden"}, v["types_filter[]"])
	assert.Equal(t, "10", v.Get("per_page"))
	assert.Equal(t, "2", v.Get("page"))

	assert.Empty(t, searchFlags{page: 1}.values())
}

func TestInitAndCreate(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, run(t, "--workspace", ws, "init", "--id", "neighbours"))
	_, err := os.Stat(filepath.Join(ws, "joatu.yml"))
	require.NoError(t, err)

	require.NoError(t, run(t, "--workspace", ws, "--json", "--actor-id", "alice", "category", "create", "--id", "tools", "--identifier", "tools", "--name", "en=Tools"))
	require.NoError(t, run(t, "--workspace", ws, "--json", "--actor-id", "alice", "offer", "create", "--id", "o1", "--name", "Drill", "--category", "tools"))

	env, err := app.Load(context.Background(), ws, "", nil, nil)
	require.NoError(t, err)
	defer env.Close()
	assert.Equal(t, "neighbours", env.PlatformID)
	rec, err := env.Engine.GetRecord(context.Background(), domain.OfferRef("o1"), "")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.CreatorID)
	assert.Equal(t, []string{"tools"}, rec.CategoryIDs)
}
