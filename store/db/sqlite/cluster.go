package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hrygo/crystalflow/store"
)

func (d *DB) UpsertCluster(ctx context.Context, cluster *store.Cluster) error {
	resources, err := json.Marshal(cluster.AvailableResources)
	if err != nil {
		return errors.Wrap(err, "failed to marshal available resources")
	}
	paused := 0
	if cluster.Paused {
		paused = 1
	}

	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO cluster_state (cluster_id, max_concurrent_jobs, paused, available_resources)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cluster_id) DO UPDATE SET
			max_concurrent_jobs = excluded.max_concurrent_jobs,
			paused = excluded.paused,
			available_resources = excluded.available_resources`,
		cluster.ID, cluster.MaxConcurrentJobs, paused, string(resources),
	); err != nil {
		return errors.Wrapf(err, "failed to upsert cluster %d", cluster.ID)
	}
	return nil
}

func (d *DB) ListClusters(ctx context.Context) ([]*store.Cluster, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT cluster_id, max_concurrent_jobs, paused, available_resources
		FROM cluster_state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list clusters")
	}
	defer rows.Close()

	var clusters []*store.Cluster
	for rows.Next() {
		var cluster store.Cluster
		var paused int
		var resources sql.NullString
		if err := rows.Scan(&cluster.ID, &cluster.MaxConcurrentJobs, &paused, &resources); err != nil {
			return nil, errors.Wrap(err, "failed to scan cluster row")
		}
		cluster.Paused = paused != 0
		if resources.Valid && resources.String != "" {
			if err := json.Unmarshal([]byte(resources.String), &cluster.AvailableResources); err != nil {
				return nil, errors.Wrapf(err, "bad available_resources on cluster %d", cluster.ID)
			}
		}
		clusters = append(clusters, &cluster)
	}
	return clusters, rows.Err()
}
