package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"

	"joatu/internal/i18n"
)

const (
	workspaceDir  = ".joatu"
	defaultDBName = "joatu.db"
)

// Config locates the database. Path, when set, wins over the workspace layout.
type Config struct {
	Workspace string
	Path      string
}

// FoldFunc is the SQL function that applies i18n.Fold to a TEXT value.
// NULL stays NULL. The built-in lower() only folds ASCII.
const FoldFunc = "casefold"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(FoldFunc, 1, casefold)
}

func casefold(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return i18n.Fold(v), nil
	case []byte:
		return i18n.Fold(string(v)), nil
	default:
		return v, nil
	}
}

func (c Config) file() string {
	if c.Path != "" {
		return c.Path
	}
	return Path(c.Workspace)
}

// EnsureWorkspace creates the .joatu directory under workspace.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens and pings the SQLite database. Write transactions take the lock
// at BEGIN so concurrent writers queue on the busy timeout instead of failing
// on upgrade.
func Open(cfg Config) (*sql.DB, error) {
	file := cfg.file()
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", file)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	return conn, nil
}

// Path returns the database file inside workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}
