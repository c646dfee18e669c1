package status

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mumuon/rasterrunner/internal/model"
)

// RegionMonitor publishes region lifecycle transitions to one SNS topic.
// Grounded on original_source/status/region_status_monitor.py.
type RegionMonitor struct {
	Client   snsAPI
	TopicARN string
	Logger   *slog.Logger
}

func NewRegionMonitor(client snsAPI, topicARN string, logger *slog.Logger) *RegionMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegionMonitor{Client: client, TopicARN: topicARN, Logger: logger}
}

// PublishRegionStatus implements handler.RegionStatusMonitor.
func (m *RegionMonitor) PublishRegionStatus(ctx context.Context, job model.RegionJob) error {
	if job.ImageID == "" || job.RegionID == "" {
		return fmt.Errorf("status: region job missing image_id/region_id, cannot publish status")
	}

	m.Logger.Debug("region status update",
		"image_id", job.ImageID, "region_id", job.RegionID, "status", job.Status,
		"total_tiles", job.TotalTiles, "failed_tile_count", job.FailedTileCount)

	message := fmt.Sprintf("StatusMonitor update: %s %s", job.Status, job.ImageID)
	attrs := map[string]string{
		"status":              string(job.Status),
		"image_id":            job.ImageID,
		"region_id":           job.RegionID,
		"processing_duration": job.ProcessingDuration.String(),
		"failed_tiles":        formatFailedTiles(job.FailedTiles),
	}
	return publish(ctx, m.Client, m.TopicARN, message, attrs)
}

func formatFailedTiles(tiles []model.BBox) string {
	if len(tiles) == 0 {
		return ""
	}
	parts := make([]string, len(tiles))
	for i, t := range tiles {
		parts[i] = fmt.Sprintf("%d:[%g,%g,%g,%g]", i+1, t[0], t[1], t[2], t[3])
	}
	return strings.Join(parts, " ")
}
