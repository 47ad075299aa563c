package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Client is a tenant. Deleting a client cascades to its materials.
type Client struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Archived  bool      `db:"archived" json:"archived"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// InsertClient stores a new client.
func (s *Store) InsertClient(ctx context.Context, c *Client) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO clients (id, name, archived, created_at, updated_at)
		 VALUES (:id, :name, :archived, :created_at, :updated_at)`, c)
	if err != nil {
		return fmt.Errorf("insert client %s: %w", c.ID, err)
	}
	return nil
}

// GetClient loads one client by ID.
func (s *Store) GetClient(ctx context.Context, id string) (*Client, error) {
	var c Client
	err := s.db.GetContext(ctx, &c,
		`SELECT id, name, archived, created_at, updated_at FROM clients WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", id, err)
	}
	return &c, nil
}

// ListClients returns clients, optionally including archived ones, newest
// first.
func (s *Store) ListClients(ctx context.Context, includeArchived bool) ([]Client, error) {
	query := `SELECT id, name, archived, created_at, updated_at FROM clients`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	var list []Client
	if err := s.db.SelectContext(ctx, &list, query); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return list, nil
}

// UpdateClient writes name and archived back.
func (s *Store) UpdateClient(ctx context.Context, c *Client) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE clients SET name = :name, archived = :archived, updated_at = :updated_at
		 WHERE id = :id`, c)
	if err != nil {
		return fmt.Errorf("update client %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// DeleteClient removes a client and, through the foreign key, its materials.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete client %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	s.invalidate(id)
	return nil
}
