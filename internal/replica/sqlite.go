package replica

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - records(id, data)
// 1 - added records.version
const currentSchemaVersion = 1

// SQLiteStore keeps records in a SQLite database.
//
// The store holds a single connection, so in-process Get and List calls
// wait behind an open write transaction. WAL mode only lets other
// processes, such as `tether dump --local`, read while this one writes.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode so other processes can read during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// This is also what keeps an in-memory database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err)
	}
	return &tx{kv: &sqliteTx{tx: sqlTx}}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	var (
		data    string
		version uint64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM records WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, storeErr(err)
	}
	return toRecord(id, stored{data: []byte(data), version: version})
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data, version FROM records ORDER BY id`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id, data string
			version  uint64
		)
		if err := rows.Scan(&id, &data, &version); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := toRecord(id, stored{data: []byte(data), version: version})
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) get(ctx context.Context, id string) (stored, bool, error) {
	var (
		data    string
		version uint64
	)
	err := t.tx.QueryRowContext(ctx, `SELECT data, version FROM records WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return stored{}, false, nil
	}
	if err != nil {
		return stored{}, false, err
	}
	return stored{data: []byte(data), version: version}, true, nil
}

func (t *sqliteTx) put(ctx context.Context, id string, rec stored) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO records (id, data, version) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, version = excluded.version
	`, id, string(rec.data), rec.version)
	if err != nil {
		return fmt.Errorf("write record %q: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) del(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record %q: %w", id, err)
	}
	return nil
}

func (t *sqliteTx) truncate(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("truncate records: %w", err)
	}
	return nil
}

func (t *sqliteTx) commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) rollback() error {
	return t.tx.Rollback()
}

func storeErr(err error) error {
	if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
		return ErrClosed
	}
	return err
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds records.version to databases created before it existed.
// New databases get the column from schema.sql.
func migrateToV1(db *sql.DB) error {
	has, err := hasColumn(db, "records", "version")
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if has {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE records ADD COLUMN version INTEGER NOT NULL DEFAULT 1`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLiteStore) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
