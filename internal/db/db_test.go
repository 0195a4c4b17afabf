package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWorkspaceLayout(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	require.NoError(t, err)
	defer conn.Close()

	_, err = os.Stat(filepath.Join(ws, ".joatu", "joatu.db"))
	require.NoError(t, err)

	var fk int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpenExplicitPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "exchange.db")
	conn, err := Open(Config{Workspace: "ignored", Path: file})
	require.NoError(t, err)
	defer conn.Close()

	_, err = os.Stat(file)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join("ignored", ".joatu"))
	assert.True(t, os.IsNotExist(err))
}

func TestCasefoldFunction(t *testing.T) {
	conn, err := Open(Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	var folded string
	require.NoError(t, conn.QueryRow(`SELECT `+FoldFunc+`(?)`, "ÉCOLE Велосипед Straße").Scan(&folded))
	assert.Equal(t, "école велосипед strasse", folded)

	var null sql.NullString
	require.NoError(t, conn.QueryRow(`SELECT `+FoldFunc+`(NULL)`).Scan(&null))
	assert.False(t, null.Valid)
}
