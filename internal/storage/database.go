package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"xenlink/internal/models"
	"xenlink/pkg/jsonhelper"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

const dbFile = "xenlink.db"

var ErrSecretNotFound = errors.New("secret not found")

type Database struct {
	db *sql.DB
}

// profileSettings is the protocol-specific part of a profile, stored as JSON.
type profileSettings struct {
	WireGuard *models.WireGuardSettings `json:"wireguard,omitempty"`
	SSH       *models.SSHSettings       `json:"ssh,omitempty"`
}

func InitDatabase(storage *AppStorage) (*Database, error) {
	return Open(filepath.Join(storage.DBPath(), dbFile))
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS profiles (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL UNIQUE,
            protocol TEXT NOT NULL,
            host TEXT NOT NULL,
            port INTEGER NOT NULL,
            settings TEXT NOT NULL,
            last_used TIMESTAMP,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );
        CREATE TABLE IF NOT EXISTS secrets (
            profile_id INTEGER NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
            kind TEXT NOT NULL,
            value TEXT NOT NULL,
            PRIMARY KEY (profile_id, kind)
        );
    `)
	return err
}

func (db *Database) CreateProfile(ctx context.Context, p *models.Profile) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	settings, err := jsonhelper.Encode(profileSettings{WireGuard: p.WireGuard, SSH: p.SSH})
	if err != nil {
		return 0, err
	}

	res, err := db.db.ExecContext(ctx, `
        INSERT INTO profiles (name, protocol, host, port, settings)
        VALUES (?, ?, ?, ?, ?)
    `, p.Name, p.Protocol, p.Host, p.Port, string(settings))
	if err != nil {
		return 0, fmt.Errorf("failed to insert profile %q: %w", p.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	p.ID = id
	log.WithFields(log.Fields{"profile": id, "name": p.Name}).Debug("Profile created")
	return id, nil
}

func (db *Database) UpdateProfile(ctx context.Context, p *models.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	settings, err := jsonhelper.Encode(profileSettings{WireGuard: p.WireGuard, SSH: p.SSH})
	if err != nil {
		return err
	}

	res, err := db.db.ExecContext(ctx, `
        UPDATE profiles SET name = ?, protocol = ?, host = ?, port = ?, settings = ?
        WHERE id = ?
    `, p.Name, p.Protocol, p.Host, p.Port, string(settings), p.ID)
	if err != nil {
		return err
	}
	return expectOne(res, p.ID)
}

// Profile implements the lookup used by the connection manager.
func (db *Database) Profile(ctx context.Context, id int64) (*models.Profile, error) {
	row := db.db.QueryRowContext(ctx, `
        SELECT id, name, protocol, host, port, settings, last_used
        FROM profiles WHERE id = ?
    `, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %d: %w", id, models.ErrProfileNotFound)
	}
	return p, err
}

// Profiles lists profiles, most recently used first.
func (db *Database) Profiles(ctx context.Context) ([]*models.Profile, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT id, name, protocol, host, port, settings, last_used
        FROM profiles
        ORDER BY last_used IS NULL, last_used DESC, id
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(s scanner) (*models.Profile, error) {
	var (
		p        models.Profile
		settings string
		lastUsed sql.NullTime
	)
	if err := s.Scan(&p.ID, &p.Name, &p.Protocol, &p.Host, &p.Port, &settings, &lastUsed); err != nil {
		return nil, err
	}
	decoded, err := jsonhelper.Decode[profileSettings]([]byte(settings))
	if err != nil {
		return nil, fmt.Errorf("profile %d: %w", p.ID, err)
	}
	p.WireGuard = decoded.WireGuard
	p.SSH = decoded.SSH
	if lastUsed.Valid {
		p.LastUsed = lastUsed.Time
	}
	return &p, nil
}

func (db *Database) MarkUsed(ctx context.Context, id int64, at time.Time) error {
	res, err := db.db.ExecContext(ctx, "UPDATE profiles SET last_used = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

// DeleteProfile removes the profile and, by cascade, its secrets.
func (db *Database) DeleteProfile(ctx context.Context, id int64) error {
	res, err := db.db.ExecContext(ctx, "DELETE FROM profiles WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("profile %d: %w", id, models.ErrProfileNotFound)
	}
	return nil
}

// PutSecret stores an already sealed value.
func (db *Database) PutSecret(ctx context.Context, profileID int64, kind, sealed string) error {
	_, err := db.db.ExecContext(ctx, `
        INSERT INTO secrets (profile_id, kind, value) VALUES (?, ?, ?)
        ON CONFLICT (profile_id, kind) DO UPDATE SET value = excluded.value
    `, profileID, kind, sealed)
	return err
}

func (db *Database) Secret(ctx context.Context, profileID int64, kind string) (string, error) {
	var sealed string
	err := db.db.QueryRowContext(ctx, "SELECT value FROM secrets WHERE profile_id = ? AND kind = ?", profileID, kind).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSecretNotFound
	}
	return sealed, err
}

func (db *Database) DeleteSecrets(ctx context.Context, profileID int64) error {
	_, err := db.db.ExecContext(ctx, "DELETE FROM secrets WHERE profile_id = ?", profileID)
	return err
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) ProfileByName(ctx context.Context, name string) (*models.Profile, error) {
	row := db.db.QueryRowContext(ctx, `
        SELECT id, name, protocol, host, port, settings, last_used
        FROM profiles WHERE name = ?
    `, name)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %q: %w", name, models.ErrProfileNotFound)
	}
	return p, err
}
