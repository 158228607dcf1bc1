package collector

import (
	"context"
	"fmt"
	"time"
)

// Summary is a read-only rollup of the registry and stored snapshots.
type Summary struct {
	TotalClusters       int              `json:"total_clusters"`
	ActiveClusters      int              `json:"active_clusters"`
	TotalJobs           int64            `json:"total_jobs"`
	JobStates           map[string]int64 `json:"job_states"`
	ClusterDistribution map[string]int64 `json:"cluster_distribution"`
	JobTypes            map[string]int64 `json:"job_types"`

	// LastCollection is when this process last finished a cycle, falling
	// back to the newest stored snapshot. Nil when neither exists.
	LastCollection *time.Time `json:"last_collection"`
}

// Summary reads the current rollup. It performs no writes.
func (c *Collector) Summary(ctx context.Context) (*Summary, error) {
	clusters, err := c.store.ListClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	stats, err := c.store.Statistics(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("job statistics: %w", err)
	}

	s := &Summary{
		TotalClusters:       len(clusters),
		TotalJobs:           stats.TotalJobs,
		JobStates:           stats.ByState,
		ClusterDistribution: stats.ByCluster,
		JobTypes:            stats.ByType,
	}
	for _, cl := range clusters {
		if cl.IsActive {
			s.ActiveClusters++
		}
	}

	c.mu.Lock()
	last := c.lastCollection
	c.mu.Unlock()
	if !last.IsZero() {
		s.LastCollection = &last
		return s, nil
	}

	stored, err := c.store.LastSnapshotTime(ctx)
	if err != nil {
		return nil, err
	}
	s.LastCollection = stored
	return s, nil
}
