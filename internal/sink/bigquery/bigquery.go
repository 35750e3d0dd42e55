// Package bigquery loads deduplicated destination tables into the
// analytics warehouse. The load reads the consolidated parquet straight
// from the bucket; nothing is streamed through the process.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/omophub/harmonizer/internal/model"
)

type Loader struct {
	log logger.Logger

	config struct {
		timeout time.Duration
	}
}

func New(conf *config.Config, log logger.Logger) *Loader {
	l := &Loader{log: log.Child("bigquery")}
	l.config.timeout = conf.GetDuration("Harmonizer.BigQuery.loadTimeout", 30, time.Minute)
	return l
}

// Load truncate-loads one destination table from its consolidated parquet
// file. Truncation keeps the load idempotent: reloading after a retry
// leaves the same rows.
func (l *Loader) Load(ctx context.Context, cfg model.TableConfig, sourceURI string) error {
	if cfg.ProjectID == "" || cfg.DatasetID == "" {
		return fmt.Errorf("%w: project and dataset are required for warehouse load", model.ErrMissingRequiredField)
	}

	ctx, cancel := context.WithTimeout(ctx, l.config.timeout)
	defer cancel()

	client, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("creating bigquery client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ref := bigquery.NewGCSReference(sourceURI)
	ref.SourceFormat = bigquery.Parquet

	loader := client.Dataset(cfg.DatasetID).Table(cfg.TableName).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded

	start := time.Now()
	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("starting load of %q: %w", cfg.TableName, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for load of %q: %w", cfg.TableName, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load of %q failed: %w", cfg.TableName, err)
	}

	l.log.Infow("loaded table",
		"project", cfg.ProjectID, "dataset", cfg.DatasetID, "table", cfg.TableName,
		"source", sourceURI, "took", time.Since(start).String())
	return nil
}
