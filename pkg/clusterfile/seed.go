package clusterfile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

// Registry is the subset of the cluster registry used for seeding.
type Registry interface {
	GetClusterByName(ctx context.Context, name string) (*snapshotstore.Cluster, error)
	CreateCluster(ctx context.Context, c snapshotstore.Cluster) (*snapshotstore.Cluster, error)
	UpdateCluster(ctx context.Context, id int64, upd snapshotstore.ClusterUpdate) (*snapshotstore.Cluster, error)
}

// SeedResult lists cluster names by what seeding did to them.
type SeedResult struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
}

// SeedOptions controls how existing registrations are treated.
type SeedOptions struct {
	// Update rewrites url, description and active flag of clusters that
	// already exist. Without it existing clusters are left alone.
	Update bool
	Logger *zap.Logger
}

// Seed registers every cluster in f. Clusters are matched by name.
func Seed(ctx context.Context, reg Registry, f *File, opts SeedOptions) (*SeedResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	res := &SeedResult{Created: []string{}, Updated: []string{}, Unchanged: []string{}}
	for _, e := range f.Clusters {
		want := e.Cluster()

		existing, err := reg.GetClusterByName(ctx, want.Name)
		if err != nil {
			return res, fmt.Errorf("lookup cluster %q: %w", want.Name, err)
		}

		if existing == nil {
			if _, err := reg.CreateCluster(ctx, want); err != nil {
				return res, fmt.Errorf("create cluster %q: %w", want.Name, err)
			}
			logger.Info("Registered cluster", zap.String("cluster", want.Name), zap.String("url", want.URL))
			res.Created = append(res.Created, want.Name)
			continue
		}

		if !opts.Update || sameRegistration(*existing, want) {
			res.Unchanged = append(res.Unchanged, want.Name)
			continue
		}

		upd := snapshotstore.ClusterUpdate{
			URL:         &want.URL,
			Description: &want.Description,
			IsActive:    &want.IsActive,
		}
		if _, err := reg.UpdateCluster(ctx, existing.ID, upd); err != nil {
			return res, fmt.Errorf("update cluster %q: %w", want.Name, err)
		}
		logger.Info("Updated cluster", zap.String("cluster", want.Name), zap.String("url", want.URL))
		res.Updated = append(res.Updated, want.Name)
	}
	return res, nil
}

func sameRegistration(a, b snapshotstore.Cluster) bool {
	return a.URL == b.URL && a.Description == b.Description && a.IsActive == b.IsActive
}
