package snapshotstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Cluster is a registered Flink cluster.
type Cluster struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Description string     `json:"description,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// ClusterUpdate carries the fields to change; nil fields are left untouched.
type ClusterUpdate struct {
	Name        *string `json:"name,omitempty"`
	URL         *string `json:"url,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// ValidateCluster checks the fields required to register a cluster.
func ValidateCluster(c Cluster) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("cluster name is required: %w", ErrValidation)
	}
	if len(c.Name) > 100 {
		return fmt.Errorf("cluster name exceeds 100 characters: %w", ErrValidation)
	}
	return validateClusterURL(c.URL)
}

func validateClusterURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("cluster url is required: %w", ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("cluster url %q must be an absolute http(s) url: %w", raw, ErrValidation)
	}
	return nil
}

// CreateCluster registers a new cluster. A duplicate name yields ErrDuplicate.
func (s *Store) CreateCluster(ctx context.Context, c Cluster) (*Cluster, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ValidateCluster(c); err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO flink_clusters (name, url, description, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		strings.TrimSpace(c.Name), strings.TrimRight(strings.TrimSpace(c.URL), "/"),
		c.Description, boolToInt(c.IsActive), s.nowMillis())
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return nil, fmt.Errorf("cluster %q: %w", c.Name, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert cluster: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("cluster id: %w", err)
	}
	return s.GetCluster(ctx, id)
}

// GetCluster returns the cluster with id, or nil if none exists.
func (s *Store) GetCluster(ctx context.Context, id int64) (*Cluster, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := scanCluster(s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM flink_clusters WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return c, nil
}

// GetClusterByName returns the cluster named name, or nil if none exists.
func (s *Store) GetClusterByName(ctx context.Context, name string) (*Cluster, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := scanCluster(s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM flink_clusters WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster by name: %w", err)
	}
	return c, nil
}

// ListClusters returns every registered cluster ordered by name.
func (s *Store) ListClusters(ctx context.Context) ([]Cluster, error) {
	return s.listClusters(ctx, false)
}

// ListActiveClusters returns the clusters eligible for polling, ordered by name.
func (s *Store) ListActiveClusters(ctx context.Context) ([]Cluster, error) {
	return s.listClusters(ctx, true)
}

func (s *Store) listClusters(ctx context.Context, activeOnly bool) ([]Cluster, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + clusterColumns + ` FROM flink_clusters`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Cluster{}
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return out, nil
}

// UpdateCluster applies the non-nil fields of upd. It returns nil when the
// cluster does not exist.
func (s *Store) UpdateCluster(ctx context.Context, id int64, upd ClusterUpdate) (*Cluster, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanCluster(tx.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM flink_clusters WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}

	merged := mergeCluster(*current, upd)
	if err := ValidateCluster(merged); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE flink_clusters SET name = ?, url = ?, description = ?, is_active = ?, updated_at = ?
		 WHERE id = ?`,
		merged.Name, merged.URL, merged.Description, boolToInt(merged.IsActive), s.nowMillis(), id)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return nil, fmt.Errorf("cluster %q: %w", merged.Name, ErrDuplicate)
		}
		return nil, fmt.Errorf("update cluster: %w", err)
	}

	updated, err := scanCluster(tx.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM flink_clusters WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read updated cluster: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cluster update: %w", err)
	}
	return updated, nil
}

func mergeCluster(c Cluster, upd ClusterUpdate) Cluster {
	if upd.Name != nil {
		c.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.URL != nil {
		c.URL = strings.TrimRight(strings.TrimSpace(*upd.URL), "/")
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	if upd.IsActive != nil {
		c.IsActive = *upd.IsActive
	}
	return c
}

// SetClusterActive toggles polling for a cluster.
func (s *Store) SetClusterActive(ctx context.Context, id int64, active bool) (*Cluster, error) {
	return s.UpdateCluster(ctx, id, ClusterUpdate{IsActive: &active})
}

// DeleteCluster removes a cluster from the registry. Its snapshots are kept
// until retention removes them.
func (s *Store) DeleteCluster(ctx context.Context, id int64) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM flink_clusters WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete cluster: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete cluster rows affected: %w", err)
	}
	return n > 0, nil
}

// CountActiveClusters counts clusters eligible for polling.
func (s *Store) CountActiveClusters(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flink_clusters WHERE is_active = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active clusters: %w", err)
	}
	return n, nil
}

func scanCluster(row rowScanner) (*Cluster, error) {
	var (
		c           Cluster
		description sql.NullString
		isActive    int64
		createdAt   int64
		updatedAt   sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.URL, &description, &isActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Description = description.String
	c.IsActive = isActive != 0
	c.CreatedAt = msToTime(createdAt)
	if updatedAt.Valid {
		t := msToTime(updatedAt.Int64)
		c.UpdatedAt = &t
	}
	return &c, nil
}
