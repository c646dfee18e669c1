// Package progress implements C5: the progress tables that track image
// jobs, region jobs, endpoint statistics, and the buffered-queue lookahead
// record. Grounded on database.go's connection-pool and parameterized-query
// style, generalized from a Postgres job/road-geometry schema to the
// conditional-update semantics a key-value progress store would otherwise
// provide: every write below is a single statement whose WHERE clause and
// affected-row count stand in for that store's conditional-update
// expression.
package progress

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mumuon/rasterrunner/internal/model"
)

// Config tunes the connection pool the way database.go does.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Store wraps the progress tables' database connection.
type Store struct {
	conn *sql.DB
}

// Open connects to Postgres and tunes the connection pool.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("progress: opening database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("progress: pinging database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{conn: db}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping reports whether the database connection is reachable, for use by an
// operational health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// StartImage inserts a fresh image job row with zeroed counters and a TTL.
func (s *Store) StartImage(ctx context.Context, job model.ImageJob) error {
	const query = `
		INSERT INTO image_job (image_id, job_id, status, region_count, region_success, region_error,
			width, height, start_time, expire_time)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7, $8)
		ON CONFLICT (image_id) DO NOTHING
	`
	_, err := s.conn.ExecContext(ctx, query,
		job.ImageID, job.JobID, model.ImageStatusStarted, job.RegionCount,
		job.Width, job.Height, job.StartTime, job.ExpireTime,
	)
	if err != nil {
		return fmt.Errorf("progress: starting image %s: %w", job.ImageID, err)
	}
	return nil
}

// CompleteRegionOfImage atomically increments the success or error counter
// for an image's regions.
func (s *Store) CompleteRegionOfImage(ctx context.Context, imageID string, succeeded bool) error {
	column := "region_error"
	if succeeded {
		column = "region_success"
	}
	query := fmt.Sprintf(`UPDATE image_job SET %s = %s + 1 WHERE image_id = $1`, column, column)

	result, err := s.conn.ExecContext(ctx, query, imageID)
	if err != nil {
		return fmt.Errorf("progress: completing region of image %s: %w", imageID, err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("progress: reading affected rows for image %s: %w", imageID, err)
	} else if rows == 0 {
		return fmt.Errorf("progress: image job not found: %s", imageID)
	}
	return nil
}

// IsImageComplete reads the current counters and reports whether every
// region reached a terminal outcome.
func (s *Store) IsImageComplete(ctx context.Context, imageID string) (bool, error) {
	const query = `SELECT region_count, region_success, region_error FROM image_job WHERE image_id = $1`

	var job model.ImageJob
	err := s.conn.QueryRowContext(ctx, query, imageID).Scan(&job.RegionCount, &job.RegionSuccess, &job.RegionError)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("progress: image job not found: %s", imageID)
	}
	if err != nil {
		return false, fmt.Errorf("progress: checking image completion %s: %w", imageID, err)
	}
	return job.Complete(), nil
}

// FinalizeImage records the terminal status and timing once IsImageComplete
// reports true.
func (s *Store) FinalizeImage(ctx context.Context, imageID string, status model.ImageStatus, endTime time.Time) error {
	const query = `
		UPDATE image_job
		SET status = $1, end_time = $2, processing_duration = $2 - start_time
		WHERE image_id = $3
	`
	_, err := s.conn.ExecContext(ctx, query, status, endTime, imageID)
	if err != nil {
		return fmt.Errorf("progress: finalizing image %s: %w", imageID, err)
	}
	return nil
}

// StartRegion inserts a fresh region job row, or is a no-op if one already
// exists (tolerating at-least-once redelivery of the same region request).
func (s *Store) StartRegion(ctx context.Context, job model.RegionJob) error {
	const query = `
		INSERT INTO region_job (image_id, region_id, status, total_tiles, start_time, expire_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (image_id, region_id) DO NOTHING
	`
	_, err := s.conn.ExecContext(ctx, query,
		job.ImageID, job.RegionID, model.RegionStatusStarted, job.TotalTiles, job.StartTime, job.ExpireTime,
	)
	if err != nil {
		return fmt.Errorf("progress: starting region %s/%s: %w", job.ImageID, job.RegionID, err)
	}
	return nil
}

// CompleteRegion records a region's terminal status and processing duration.
func (s *Store) CompleteRegion(ctx context.Context, imageID, regionID string, status model.RegionStatus, endTime time.Time) error {
	const query = `
		UPDATE region_job
		SET status = $1, end_time = $2, processing_duration = $2 - start_time
		WHERE image_id = $3 AND region_id = $4
	`
	result, err := s.conn.ExecContext(ctx, query, status, endTime, imageID, regionID)
	if err != nil {
		return fmt.Errorf("progress: completing region %s/%s: %w", imageID, regionID, err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("progress: reading affected rows for region %s/%s: %w", imageID, regionID, err)
	} else if rows == 0 {
		return fmt.Errorf("progress: region job not found: %s/%s", imageID, regionID)
	}
	return nil
}

// AppendTile appends one tile bbox to the region's succeeded or failed tile
// array, mirroring a key-value store's list_append(if_not_exists(...), [...]).
// The four bbox components are concatenated onto a flat double-precision
// array column rather than an array-of-arrays, so a plain float64 scan can
// reconstruct bboxes on read by chunking every four elements.
func (s *Store) AppendTile(ctx context.Context, imageID, regionID string, bbox model.BBox, succeeded bool) error {
	column, countColumn := "failed_tiles", "failed_tile_count"
	if succeeded {
		column, countColumn = "succeeded_tiles", "succeeded_tile_count"
	}
	query := fmt.Sprintf(`
		UPDATE region_job
		SET %s = array_cat(%s, $1::double precision[]), %s = %s + 1
		WHERE image_id = $2 AND region_id = $3
	`, column, column, countColumn, countColumn)

	_, err := s.conn.ExecContext(ctx, query, pq.Array(bbox[:]), imageID, regionID)
	if err != nil {
		return fmt.Errorf("progress: appending tile to region %s/%s: %w", imageID, regionID, err)
	}
	return nil
}

// SucceededTileBounds returns the bboxes already recorded as succeeded for a
// region, reconstructed from the flat array column in groups of four.
func (s *Store) SucceededTileBounds(ctx context.Context, imageID, regionID string) ([]model.BBox, error) {
	const query = `SELECT succeeded_tiles FROM region_job WHERE image_id = $1 AND region_id = $2`

	var flat []float64
	err := s.conn.QueryRowContext(ctx, query, imageID, regionID).Scan(pq.Array(&flat))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("progress: reading succeeded tiles for %s/%s: %w", imageID, regionID, err)
	}

	out := make([]model.BBox, 0, len(flat)/4)
	for i := 0; i+4 <= len(flat); i += 4 {
		out = append(out, model.BBox{flat[i], flat[i+1], flat[i+2], flat[i+3]})
	}
	return out, nil
}

// UpsertEndpointStatistics inserts an endpoint record if absent, else
// updates its known instance capacity.
func (s *Store) UpsertEndpointStatistics(ctx context.Context, endpointName string, maxRegions int) error {
	const query = `
		INSERT INTO endpoint_statistics (endpoint_name, regions_in_progress, max_regions, last_capacity_check)
		VALUES ($1, 0, $2, NOW())
		ON CONFLICT (endpoint_name) DO UPDATE SET max_regions = EXCLUDED.max_regions, last_capacity_check = NOW()
	`
	_, err := s.conn.ExecContext(ctx, query, endpointName, maxRegions)
	if err != nil {
		return fmt.Errorf("progress: upserting endpoint statistics %s: %w", endpointName, err)
	}
	return nil
}

// IncrementInProgress bumps an endpoint's in-flight region counter.
func (s *Store) IncrementInProgress(ctx context.Context, endpointName string) error {
	const query = `UPDATE endpoint_statistics SET regions_in_progress = regions_in_progress + 1 WHERE endpoint_name = $1`
	_, err := s.conn.ExecContext(ctx, query, endpointName)
	if err != nil {
		return fmt.Errorf("progress: incrementing in-progress for %s: %w", endpointName, err)
	}
	return nil
}

// DecrementInProgress bumps an endpoint's in-flight region counter down,
// floored at zero: the WHERE guard ensures a straggling decrement (e.g. a
// retried completion) can never drive the counter negative.
func (s *Store) DecrementInProgress(ctx context.Context, endpointName string) error {
	const query = `
		UPDATE endpoint_statistics
		SET regions_in_progress = regions_in_progress - 1
		WHERE endpoint_name = $1 AND regions_in_progress > 0
	`
	_, err := s.conn.ExecContext(ctx, query, endpointName)
	if err != nil {
		return fmt.Errorf("progress: decrementing in-progress for %s: %w", endpointName, err)
	}
	return nil
}

// EndpointStatisticsByName reads the current load record for an endpoint.
func (s *Store) EndpointStatisticsByName(ctx context.Context, endpointName string) (model.EndpointStatistics, error) {
	const query = `
		SELECT endpoint_name, regions_in_progress, max_regions, last_capacity_check
		FROM endpoint_statistics WHERE endpoint_name = $1
	`
	var stats model.EndpointStatistics
	err := s.conn.QueryRowContext(ctx, query, endpointName).Scan(
		&stats.EndpointName, &stats.RegionsInProgress, &stats.MaxRegions, &stats.LastCapacityCheck,
	)
	if err == sql.ErrNoRows {
		return model.EndpointStatistics{}, fmt.Errorf("progress: endpoint statistics not found: %s", endpointName)
	}
	if err != nil {
		return model.EndpointStatistics{}, fmt.Errorf("progress: reading endpoint statistics %s: %w", endpointName, err)
	}
	return stats, nil
}

// StartBufferedAttempt claims the next buffered-queue attempt for a job,
// conditioned on the attempt count observed at decision time. A conflicting
// claim by another worker affects zero rows and is rejected rather than
// erroring: the caller treats ok=false as "someone else got it" and moves on.
func (s *Store) StartBufferedAttempt(ctx context.Context, jobID string, observedAttempts int, attemptTime time.Time) (bool, error) {
	const query = `
		UPDATE buffered_queue_status
		SET last_attempt = $1, num_attempts = num_attempts + 1
		WHERE job_id = $2 AND num_attempts = $3
	`
	result, err := s.conn.ExecContext(ctx, query, attemptTime, jobID, observedAttempts)
	if err != nil {
		return false, fmt.Errorf("progress: claiming buffered attempt for %s: %w", jobID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("progress: reading affected rows for %s: %w", jobID, err)
	}
	return rows > 0, nil
}

// GetImageJob reads the full progress record for an image.
func (s *Store) GetImageJob(ctx context.Context, imageID string) (model.ImageJob, error) {
	const query = `
		SELECT image_id, job_id, status, region_count, region_success, region_error,
			width, height, start_time, end_time, expire_time
		FROM image_job WHERE image_id = $1
	`
	var job model.ImageJob
	var endTime sql.NullTime
	err := s.conn.QueryRowContext(ctx, query, imageID).Scan(
		&job.ImageID, &job.JobID, &job.Status, &job.RegionCount, &job.RegionSuccess, &job.RegionError,
		&job.Width, &job.Height, &job.StartTime, &endTime, &job.ExpireTime,
	)
	if err == sql.ErrNoRows {
		return model.ImageJob{}, fmt.Errorf("progress: image job not found: %s", imageID)
	}
	if err != nil {
		return model.ImageJob{}, fmt.Errorf("progress: reading image job %s: %w", imageID, err)
	}
	if endTime.Valid {
		job.EndTime = endTime.Time
	}
	return job, nil
}

// GetRegionJob reads an existing region job, for resuming a redelivered
// region request without losing already-succeeded tiles.
func (s *Store) GetRegionJob(ctx context.Context, imageID, regionID string) (model.RegionJob, bool, error) {
	const query = `
		SELECT image_id, region_id, status, total_tiles, succeeded_tile_count, failed_tile_count, start_time
		FROM region_job WHERE image_id = $1 AND region_id = $2
	`
	var job model.RegionJob
	err := s.conn.QueryRowContext(ctx, query, imageID, regionID).Scan(
		&job.ImageID, &job.RegionID, &job.Status, &job.TotalTiles,
		&job.SucceededTileCount, &job.FailedTileCount, &job.StartTime,
	)
	if err == sql.ErrNoRows {
		return model.RegionJob{}, false, nil
	}
	if err != nil {
		return model.RegionJob{}, false, fmt.Errorf("progress: reading region job %s/%s: %w", imageID, regionID, err)
	}
	return job, true, nil
}

// InsertFeatureRow persists one batch of encoded features under a fresh
// random range key.
func (s *Store) InsertFeatureRow(ctx context.Context, row model.FeatureRow) error {
	const query = `
		INSERT INTO feature_row (image_id, range_key, tile_id, features, expire_time)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.conn.ExecContext(ctx, query, row.ImageID, row.RangeKey, row.TileID, row.Features, row.ExpireTime)
	if err != nil {
		return fmt.Errorf("progress: inserting feature row for %s: %w", row.ImageID, err)
	}
	return nil
}

// ScanFeatureRows reads every FeatureRow entry for an image with a single
// query.
func (s *Store) ScanFeatureRows(ctx context.Context, imageID string) ([]model.FeatureRow, error) {
	const query = `SELECT image_id, range_key, tile_id, features, expire_time FROM feature_row WHERE image_id = $1`

	rows, err := s.conn.QueryContext(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("progress: scanning feature rows for %s: %w", imageID, err)
	}
	defer rows.Close()

	var out []model.FeatureRow
	for rows.Next() {
		var row model.FeatureRow
		if err := rows.Scan(&row.ImageID, &row.RangeKey, &row.TileID, &row.Features, &row.ExpireTime); err != nil {
			return nil, fmt.Errorf("progress: scanning feature row for %s: %w", imageID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("progress: iterating feature rows for %s: %w", imageID, err)
	}
	return out, nil
}

// CompleteBufferedRegion idempotently appends a region id to the buffered
// queue's regions_complete set: a region already recorded is a no-op, not
// an error, so at-least-once completion delivery is safe.
func (s *Store) CompleteBufferedRegion(ctx context.Context, jobID, regionID string) error {
	const query = `
		UPDATE buffered_queue_status
		SET regions_complete = array_append(regions_complete, $1)
		WHERE job_id = $2 AND NOT ($1 = ANY(regions_complete))
	`
	_, err := s.conn.ExecContext(ctx, query, regionID, jobID)
	if err != nil {
		return fmt.Errorf("progress: completing buffered region %s/%s: %w", jobID, regionID, err)
	}
	return nil
}
