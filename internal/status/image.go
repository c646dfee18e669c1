package status

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mumuon/rasterrunner/internal/model"
)

// ImageMonitor publishes image lifecycle transitions to one SNS topic.
// Grounded on original_source/status/image_status_monitor.py.
type ImageMonitor struct {
	Client   snsAPI
	TopicARN string
	Logger   *slog.Logger
}

func NewImageMonitor(client snsAPI, topicARN string, logger *slog.Logger) *ImageMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageMonitor{Client: client, TopicARN: topicARN, Logger: logger}
}

// PublishImageStatus implements handler.ImageStatusMonitor.
func (m *ImageMonitor) PublishImageStatus(ctx context.Context, job model.ImageJob) error {
	if job.JobID == "" || job.ImageID == "" {
		return fmt.Errorf("status: image job missing job_id/image_id, cannot publish status")
	}

	m.Logger.Info("image status update",
		"job_id", job.JobID, "image_id", job.ImageID, "status", job.Status,
		"region_count", job.RegionCount, "region_success", job.RegionSuccess, "region_error", job.RegionError)

	message := fmt.Sprintf("StatusMonitor update: %s %s", job.Status, job.JobID)
	attrs := map[string]string{
		"status":              string(job.Status),
		"image_status":        string(job.Status),
		"job_id":              job.JobID,
		"image_id":            job.ImageID,
		"processing_duration": job.ProcessingDuration.String(),
	}
	return publish(ctx, m.Client, m.TopicARN, message, attrs)
}
