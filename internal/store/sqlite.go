package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// DefaultSQLitePath is the default database file.
const DefaultSQLitePath = "/var/lib/kiln/kiln.db"

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	// DatabasePath is the filesystem path to the SQLite database file.
	DatabasePath string
}

// SQLiteStore implements Store using SQLite as the storage backend.
type SQLiteStore struct {
	db        *sql.DB
	writeLock *sync.Mutex // go-sqlite does not support concurrent writes
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at cfg.DatabasePath and creates the
// schema if needed.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := cfg.DatabasePath
	if path == "" {
		path = DefaultSQLitePath
	}

	// foreign_keys is a per-connection pragma, so it goes in the DSN.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := initializeDB(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize db: %w", err)
	}

	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLiteStore{
		db:        db,
		writeLock: new(sync.Mutex),
	}, nil
}

func initializeDB(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			username   TEXT    UNIQUE NOT NULL,
			role       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vms (
			id         TEXT    PRIMARY KEY,
			name       TEXT    UNIQUE NOT NULL,
			owner_id   INTEGER NOT NULL REFERENCES users(id),
			ram_mb     INTEGER NOT NULL,
			vcpus      INTEGER NOT NULL,
			disk_gb    INTEGER NOT NULL,
			os_type    TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create vms table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS vms_owner_id ON vms (owner_id)`); err != nil {
		return fmt.Errorf("create vms owner index: %w", err)
	}

	return nil
}

// CreateUser implements Store.CreateUser using SQLite.
func (s *SQLiteStore) CreateUser(ctx context.Context, username string, role v1alpha1.Role) (*v1alpha1.User, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	now := time.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, role, created_at) VALUES (?, ?, ?)",
		username,
		string(role),
		now.Unix(),
	)
	if err != nil {
		if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
			err = errors.Join(v1alpha1.ErrUserAlreadyExists, err)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read user id: %w", err)
	}

	return &v1alpha1.User{ID: id, Username: username, Role: role, CreatedAt: now}, nil
}

// GetUser implements Store.GetUser using SQLite.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*v1alpha1.User, error) {
	return s.queryUser(ctx, "SELECT id, username, role, created_at FROM users WHERE id = ?", id)
}

// GetUserByName implements Store.GetUserByName using SQLite.
func (s *SQLiteStore) GetUserByName(ctx context.Context, username string) (*v1alpha1.User, error) {
	return s.queryUser(ctx, "SELECT id, username, role, created_at FROM users WHERE username = ?", username)
}

func (s *SQLiteStore) queryUser(ctx context.Context, query string, arg any) (*v1alpha1.User, error) {
	var (
		user      v1alpha1.User
		role      string
		createdAt int64
	)

	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Username, &role, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = errors.Join(v1alpha1.ErrUserNotFound, err)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	user.Role = v1alpha1.Role(role)
	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &user, nil
}

// ListUsers implements Store.ListUsers using SQLite.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]v1alpha1.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, username, role, created_at FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []v1alpha1.User
	for rows.Next() {
		var (
			user      v1alpha1.User
			role      string
			createdAt int64
		)
		if err := rows.Scan(&user.ID, &user.Username, &role, &createdAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		user.Role = v1alpha1.Role(role)
		user.CreatedAt = time.Unix(createdAt, 0).UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

// CreateVM implements Store.CreateVM using SQLite.
func (s *SQLiteStore) CreateVM(ctx context.Context, rec *v1alpha1.VMRecord) error {
	prepareRecord(rec)

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownerName string
	err = tx.QueryRowContext(ctx, "SELECT username FROM users WHERE id = ?", rec.OwnerID).Scan(&ownerName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = errors.Join(v1alpha1.ErrUserNotFound, err)
		}
		return fmt.Errorf("query owner %d: %w", rec.OwnerID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO vms (id, name, owner_id, ram_mb, vcpus, disk_gb, os_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.OwnerID, rec.RAMMB, rec.VCPUs, rec.DiskGB, string(rec.OSType), rec.CreatedAt.Unix(),
	)
	if err != nil {
		switch {
		case isConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY):
			err = errors.Join(v1alpha1.ErrDuplicateName, err)
		case isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY):
			err = errors.Join(v1alpha1.ErrUserNotFound, err)
		}
		return fmt.Errorf("insert vm: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vm: %w", err)
	}

	rec.OwnerName = ownerName
	return nil
}

const selectVMs = `
	SELECT v.id, v.name, v.owner_id, u.username, v.ram_mb, v.vcpus, v.disk_gb, v.os_type, v.created_at
	FROM vms v JOIN users u ON u.id = v.owner_id`

// FindVM implements Store.FindVM using SQLite.
func (s *SQLiteStore) FindVM(ctx context.Context, name string) (*v1alpha1.VMRecord, bool, error) {
	rec, err := scanVM(s.db.QueryRowContext(ctx, selectVMs+" WHERE v.name = ?", name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query vm: %w", err)
	}
	return rec, true, nil
}

// ListVMs implements Store.ListVMs using SQLite.
func (s *SQLiteStore) ListVMs(ctx context.Context) ([]v1alpha1.VMRecord, error) {
	return s.queryVMs(ctx, selectVMs+" ORDER BY v.name")
}

// ListVMsForOwner implements Store.ListVMsForOwner using SQLite.
func (s *SQLiteStore) ListVMsForOwner(ctx context.Context, ownerID int64) ([]v1alpha1.VMRecord, error) {
	return s.queryVMs(ctx, selectVMs+" WHERE v.owner_id = ? ORDER BY v.name", ownerID)
}

func (s *SQLiteStore) queryVMs(ctx context.Context, query string, args ...any) ([]v1alpha1.VMRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []v1alpha1.VMRecord
	for rows.Next() {
		rec, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vms: %w", err)
	}

	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVM(row scanner) (*v1alpha1.VMRecord, error) {
	var (
		rec       v1alpha1.VMRecord
		osType    string
		createdAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.OwnerID, &rec.OwnerName,
		&rec.RAMMB, &rec.VCPUs, &rec.DiskGB, &osType, &createdAt); err != nil {
		return nil, err
	}
	rec.OSType = v1alpha1.OSType(osType)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &rec, nil
}

// DeleteVM implements Store.DeleteVM using SQLite.
func (s *SQLiteStore) DeleteVM(ctx context.Context, name string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM vms WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	return nil
}

// Close implements Store.Close by closing the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

func isConstraint(err error, codes ...int) bool {
	var liteErr *sqlite.Error
	if !errors.As(err, &liteErr) {
		return false
	}
	for _, c := range codes {
		if liteErr.Code() == c {
			return true
		}
	}
	return false
}

// prepareRecord assigns an ID and creation time to a new record.
func prepareRecord(rec *v1alpha1.VMRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Second)
}
