package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/recording"
)

type storageSetup struct {
	storage recording.Storage
	kind    string
	detail  string
}

// resolveRecordingStorage prefers S3 when a bucket is configured and falls
// back to the local recordings directory.
func resolveRecordingStorage(ctx context.Context, cfg config.Config) (storageSetup, error) {
	if bucket := strings.TrimSpace(cfg.RecordingsS3Bucket); bucket != "" {
		s, err := recording.NewS3Storage(ctx, cfg.AWSRegion, bucket, cfg.RecordingsS3Prefix)
		if err != nil {
			return storageSetup{}, fmt.Errorf("s3 recording storage init failed: %w", err)
		}
		return storageSetup{
			storage: s,
			kind:    "s3",
			detail:  fmt.Sprintf("s3://%s/%s (%s)", bucket, strings.TrimLeft(cfg.RecordingsS3Prefix, "/"), cfg.AWSRegion),
		}, nil
	}

	fs := recording.NewFileStorage(cfg.RecordingsDir)
	return storageSetup{
		storage: fs,
		kind:    "file",
		detail:  fs.Dir(),
	}, nil
}
