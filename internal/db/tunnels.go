package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a tunnel record does not exist.
	ErrNotFound = errors.New("tunnel not found")

	// ErrStorageUnavailable is returned by mutations and single-record reads
	// when the schema is not provisioned. Listing degrades to empty results.
	ErrStorageUnavailable = errors.New("tunnel storage unavailable")
)

// Tunnel is the persisted configuration and last known connection state of
// one reverse tunnel. IsConnected and ProcessID are owned by the supervisor.
type Tunnel struct {
	ID             string    `json:"id" yaml:"id"`
	AccountID      string    `json:"account_id" yaml:"account_id"`
	Name           string    `json:"name" yaml:"name"`
	RemoteHost     string    `json:"remote_host" yaml:"remote_host"`
	RemoteUser     string    `json:"remote_user" yaml:"remote_user"`
	RemotePort     int       `json:"remote_port" yaml:"remote_port"`
	LocalPort      int       `json:"local_port" yaml:"local_port"`
	SSHPort        int       `json:"ssh_port,omitempty" yaml:"ssh_port,omitempty"`
	PrivateKey     string    `json:"-" yaml:"-"`
	PublicKey      string    `json:"public_key" yaml:"public_key"`
	IsConnected    bool      `json:"is_connected" yaml:"is_connected"`
	AutoReconnect  bool      `json:"auto_reconnect" yaml:"auto_reconnect"`
	ProcessID      *int      `json:"process_id" yaml:"process_id"`
	StartupEnabled bool      `json:"startup_enabled" yaml:"startup_enabled"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
}

// DisplayName returns the name if set, the id otherwise
func (t *Tunnel) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Validate checks the tunnel parameters needed to spawn a forward
func (t *Tunnel) Validate() error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if t.RemoteHost == "" {
		return errors.New("remote_host is required")
	}
	if t.RemoteUser == "" {
		return errors.New("remote_user is required")
	}
	if !validPort(t.LocalPort) {
		return fmt.Errorf("local_port %d out of range 1-65535", t.LocalPort)
	}
	if !validPort(t.RemotePort) {
		return fmt.Errorf("remote_port %d out of range 1-65535", t.RemotePort)
	}
	if t.SSHPort != 0 && !validPort(t.SSHPort) {
		return fmt.Errorf("ssh_port %d out of range 1-65535", t.SSHPort)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

const tunnelColumns = `id, account_id, name, remote_host, remote_user, remote_port, local_port,
	ssh_port, private_key, public_key, is_connected, auto_reconnect, process_id,
	startup_enabled, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTunnel(s scanner) (*Tunnel, error) {
	var t Tunnel
	var pid sql.NullInt64
	if err := s.Scan(
		&t.ID, &t.AccountID, &t.Name, &t.RemoteHost, &t.RemoteUser, &t.RemotePort, &t.LocalPort,
		&t.SSHPort, &t.PrivateKey, &t.PublicKey, &t.IsConnected, &t.AutoReconnect, &pid,
		&t.StartupEnabled, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if pid.Valid {
		p := int(pid.Int64)
		t.ProcessID = &p
	}
	return &t, nil
}

// CreateTunnel inserts a new tunnel record
func (db *DB) CreateTunnel(ctx context.Context, t *Tunnel) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := db.execRetry(ctx,
		`INSERT INTO tunnels (id, account_id, name, remote_host, remote_user, remote_port, local_port,
			ssh_port, private_key, public_key, is_connected, auto_reconnect, process_id,
			startup_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, NULL, ?, ?, ?)`,
		t.ID, t.AccountID, t.Name, t.RemoteHost, t.RemoteUser, t.RemotePort, t.LocalPort,
		t.SSHPort, t.PrivateKey, t.PublicKey, t.AutoReconnect, t.StartupEnabled, now, now,
	)
	if err != nil {
		return mutationError("create tunnel", err)
	}
	t.IsConnected = false
	t.ProcessID = nil
	return nil
}

// GetTunnel returns the tunnel with the given id, or ErrNotFound
func (db *DB) GetTunnel(ctx context.Context, id string) (*Tunnel, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	t, err := scanTunnel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mutationError("get tunnel", err)
	}
	return t, nil
}

// ListTunnels returns every tunnel, oldest first
func (db *DB) ListTunnels(ctx context.Context) ([]Tunnel, error) {
	return db.listTunnels(ctx, `SELECT `+tunnelColumns+` FROM tunnels ORDER BY created_at, id`)
}

// ListConnectedTunnels returns tunnels last persisted as connected
func (db *DB) ListConnectedTunnels(ctx context.Context) ([]Tunnel, error) {
	return db.listTunnels(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE is_connected = 1 ORDER BY created_at, id`)
}

// ListStartupTunnels returns tunnels flagged to start with the daemon
func (db *DB) ListStartupTunnels(ctx context.Context) ([]Tunnel, error) {
	return db.listTunnels(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE startup_enabled = 1 ORDER BY created_at, id`)
}

// ListAccountTunnels returns the tunnels owned by one account
func (db *DB) ListAccountTunnels(ctx context.Context, accountID string) ([]Tunnel, error) {
	return db.listTunnels(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE account_id = ? ORDER BY created_at, id`, accountID)
}

func (db *DB) listTunnels(ctx context.Context, query string, args ...any) ([]Tunnel, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		if isMissingTable(err) {
			return []Tunnel{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	tunnels := []Tunnel{}
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, *t)
	}
	return tunnels, rows.Err()
}

// UpdateConnectionStatus persists the supervisor's view of a tunnel.
// A nil pid stores NULL.
func (db *DB) UpdateConnectionStatus(ctx context.Context, id string, connected bool, pid *int) error {
	var pidValue any
	if pid != nil {
		pidValue = *pid
	}
	res, err := db.execRetry(ctx,
		`UPDATE tunnels SET is_connected = ?, process_id = ?, updated_at = ? WHERE id = ?`,
		connected, pidValue, time.Now(), id,
	)
	if err != nil {
		return mutationError("update connection status", err)
	}
	return requireRow(res)
}

// SetAutoReconnect changes only the auto_reconnect flag of a tunnel
func (db *DB) SetAutoReconnect(ctx context.Context, id string, enabled bool) error {
	res, err := db.execRetry(ctx,
		`UPDATE tunnels SET auto_reconnect = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now(), id,
	)
	if err != nil {
		return mutationError("set auto reconnect", err)
	}
	return requireRow(res)
}

// UpdateTunnel writes the user-editable fields of t. Connection state and
// process id are left untouched.
func (db *DB) UpdateTunnel(ctx context.Context, t *Tunnel) error {
	t.UpdatedAt = time.Now()
	res, err := db.execRetry(ctx,
		`UPDATE tunnels SET account_id = ?, name = ?, remote_host = ?, remote_user = ?,
			remote_port = ?, local_port = ?, ssh_port = ?, private_key = ?, public_key = ?,
			auto_reconnect = ?, startup_enabled = ?, updated_at = ?
		 WHERE id = ?`,
		t.AccountID, t.Name, t.RemoteHost, t.RemoteUser,
		t.RemotePort, t.LocalPort, t.SSHPort, t.PrivateKey, t.PublicKey,
		t.AutoReconnect, t.StartupEnabled, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return mutationError("update tunnel", err)
	}
	return requireRow(res)
}

// DeleteTunnel removes a tunnel record
func (db *DB) DeleteTunnel(ctx context.Context, id string) error {
	res, err := db.execRetry(ctx, `DELETE FROM tunnels WHERE id = ?`, id)
	if err != nil {
		return mutationError("delete tunnel", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mutationError(op string, err error) error {
	if isMissingTable(err) {
		return fmt.Errorf("%s: %w", op, ErrStorageUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
