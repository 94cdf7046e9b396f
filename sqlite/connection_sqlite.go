package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fgrzl/connect"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteRepository(dbPath string) (connect.Repository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("could not open SQLite database: %w", err)
	}
	// An in-memory database only lives as long as its single connection.
	db.SetMaxOpenConns(1)

	// Create the schema if it doesn't exist
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS connections (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		params TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_connections_source ON connections (source, seq);
	CREATE INDEX IF NOT EXISTS idx_connections_destination ON connections (destination, seq);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create tables: %w", err)
	}

	return &sqliteRepository{db: db}, nil
}

func (r *sqliteRepository) CreateEmptyConnection() *connect.Connection {
	return connect.NewConnection(uuid.NewString())
}

// Update inserts or updates a connection. The row keeps its insertion
// position so lookups stay ordered by first insert.
func (r *sqliteRepository) Update(conn *connect.Connection) (*connect.Connection, error) {
	params, err := json.Marshal(conn.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize params of connection %s: %w", conn.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO connections (id, source, destination, type, status, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			destination = excluded.destination,
			type = excluded.type,
			status = excluded.status,
			params = excluded.params,
			created_at = excluded.created_at;
	`, conn.ID, string(conn.Source), string(conn.Destination), conn.Type, conn.Status.String(), string(params), conn.CreatedAt.UnixNano())
	if err != nil {
		return nil, connect.StorageError(err, "sqlite: put connection %s", conn.ID)
	}
	return conn.Clone(), nil
}

// Destroy removes a connection; unknown connections are ignored.
func (r *sqliteRepository) Destroy(conn *connect.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM connections WHERE id = ?", conn.ID)
	return connect.StorageError(err, "sqlite: delete connection %s", conn.ID)
}

func (r *sqliteRepository) GetConnectionsWithSource(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return r.query("source", node, filters)
}

func (r *sqliteRepository) GetConnectionsWithDestination(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return r.query("destination", node, filters)
}

// query selects the connections indexed under node in column, pushing the
// type, status, endpoint and creation filters down into the WHERE clause.
func (r *sqliteRepository) query(column string, node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	where := []string{column + " = ?"}
	args := []interface{}{string(node)}

	if types := filters.Types(); len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		where = append(where, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if status, ok := filters.Status(); ok {
		where = append(where, "status = ?")
		args = append(args, status.String())
	}
	if source, ok := filters.Source(); ok {
		where = append(where, "source = ?")
		args = append(args, string(source))
	}
	if destination, ok := filters.Destination(); ok {
		where = append(where, "destination = ?")
		args = append(args, string(destination))
	}
	if after, ok := filters.CreatedAfter(); ok {
		where = append(where, "created_at > ?")
		args = append(args, after.UnixNano())
	}
	if before, ok := filters.CreatedBefore(); ok {
		where = append(where, "created_at < ?")
		args = append(args, before.UnixNano())
	}

	rows, err := r.db.Query(fmt.Sprintf(`
		SELECT id, source, destination, type, status, params, created_at
		FROM connections
		WHERE %s
		ORDER BY seq;
	`, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, connect.StorageError(err, "sqlite: query connections by %s %s", column, node)
	}
	defer rows.Close()

	result := []*connect.Connection{}
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		// Params are matched here rather than in SQL.
		if filters.Matches(conn) {
			result = append(result, conn)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, connect.StorageError(err, "sqlite: iterate connections by %s %s", column, node)
	}
	return result, nil
}

func scanConnection(rows *sql.Rows) (*connect.Connection, error) {
	var (
		conn                connect.Connection
		source, destination string
		status              string
		params              sql.NullString
		createdAt           int64
	)
	if err := rows.Scan(&conn.ID, &source, &destination, &conn.Type, &status, &params, &createdAt); err != nil {
		return nil, connect.StorageError(err, "sqlite: scan connection")
	}
	conn.Source = connect.NodeID(source)
	conn.Destination = connect.NodeID(destination)
	if err := conn.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, connect.StorageError(err, "sqlite: connection %s", conn.ID)
	}
	if params.Valid && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &conn.Params); err != nil {
			return nil, connect.StorageError(err, "sqlite: deserialize params of connection %s", conn.ID)
		}
	}
	conn.CreatedAt = time.Unix(0, createdAt).UTC()
	return &conn, nil
}

// Close closes the database connection
func (r *sqliteRepository) Close() error {
	return r.db.Close()
}
