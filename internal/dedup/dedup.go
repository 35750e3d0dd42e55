// Package dedup implements primary-key deduplication of the consolidated
// destination tables. Consolidation can fan records from several source
// tables into one destination, so distinct logical rows may collide on the
// surrogate key; collisions are relabeled deterministically instead of
// dropped.
package dedup

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/omophub/harmonizer/internal/duckdb"
	"github.com/omophub/harmonizer/internal/keygen"
	"github.com/omophub/harmonizer/internal/layout"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
	"github.com/omophub/harmonizer/internal/route"
)

type Deduper struct {
	conn *duckdb.Conn
	log  logger.Logger

	statsFactory stats.Stats

	config struct {
		concurrency  int
		verifyCounts bool
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, conn *duckdb.Conn) *Deduper {
	d := &Deduper{
		conn:         conn,
		log:          log.Child("dedup"),
		statsFactory: statsFactory,
	}
	d.config.concurrency = conf.GetInt("Harmonizer.Dedup.concurrency", 4)
	d.config.verifyCounts = conf.GetBool("Harmonizer.Dedup.verifyCounts", true)
	return d
}

// Discover enumerates the consolidated destination tables of a delivery and
// returns one work unit per table. The caller threads each unit into a
// DeduplicateTable invocation; units are independent and may run in
// parallel.
func (d *Deduper) Discover(ctx context.Context, store objectstore.Store, job *model.Job) ([]model.TableConfig, error) {
	dirs, err := store.ListDirs(ctx, layout.ETLRoot(job.DeliveryDate))
	if err != nil {
		return nil, fmt.Errorf("listing consolidated tables: %w", err)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: no consolidated output for delivery %q", model.ErrStepOutOfOrder, job.DeliveryDate)
	}

	configs := make([]model.TableConfig, 0, len(dirs))
	for _, table := range dirs {
		key := layout.ETLTableFile(job.DeliveryDate, table)
		exists, err := store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("checking consolidated file for %q: %w", table, err)
		}
		if !exists {
			continue
		}
		configs = append(configs, model.TableConfig{
			Site:         job.Site,
			DeliveryDate: job.DeliveryDate,
			TableName:    table,
			Bucket:       job.Bucket,
			ETLFolder:    layout.ETLTableDir(job.DeliveryDate, table),
			FilePath:     key,
			CDMVersion:   job.CDMVersion,
			ProjectID:    job.ProjectID,
			DatasetID:    job.DatasetID,
		})
	}
	d.log.Infow("discovered dedup targets",
		"deliveryDate", job.DeliveryDate, "tables", len(configs))
	return configs, nil
}

// DeduplicateTable rewrites one consolidated table in place so the primary
// key is unique. The first row of each collision group, in stable file
// order, keeps its key; later rows get a deterministic rehash of the key
// and their position in the group. Row count never changes.
func (d *Deduper) DeduplicateTable(ctx context.Context, store objectstore.Store, cfg model.TableConfig) error {
	meta, ok := route.Meta(cfg.TableName)
	if !ok {
		return fmt.Errorf("%w: table %q is not a known destination", model.ErrNoRouteFound, cfg.TableName)
	}

	uri := store.URI(cfg.FilePath)
	exists, err := store.Exists(ctx, cfg.FilePath)
	if err != nil {
		return fmt.Errorf("checking consolidated file %q: %w", cfg.FilePath, err)
	}
	if !exists {
		return fmt.Errorf("%w: consolidated file %q", model.ErrStepOutOfOrder, cfg.FilePath)
	}

	start := time.Now()
	before, err := d.count(ctx, uri)
	if err != nil {
		return err
	}

	// Staged through a table because the rewrite targets the file being
	// read.
	staging := "dedup_" + cfg.TableName
	query := fmt.Sprintf(`
		CREATE OR REPLACE TABLE %[1]s AS
		WITH numbered AS (
			SELECT *,
				ROW_NUMBER() OVER (PARTITION BY %[2]s ORDER BY file_row_number) AS collision_seq
			FROM read_parquet('%[3]s', file_row_number = true)
		)
		SELECT * EXCLUDE (file_row_number, collision_seq) REPLACE (
			CASE WHEN collision_seq = 1 THEN %[2]s
				ELSE %[4]s END AS %[2]s
		)
		FROM numbered`,
		staging, meta.PrimaryKey, uri, keygen.RehashExpr(meta.PrimaryKey, "collision_seq"),
	)
	if err := d.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("deduplicating %q: %w", cfg.TableName, err)
	}
	defer func() {
		_ = d.conn.Exec(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+staging)
	}()

	if err := d.conn.Exec(ctx, fmt.Sprintf(
		"COPY %s TO '%s' (FORMAT 'parquet', COMPRESSION 'zstd')", staging, uri)); err != nil {
		return fmt.Errorf("rewriting %q: %w", cfg.TableName, err)
	}

	if d.config.verifyCounts {
		if err := d.verify(ctx, cfg.TableName, meta.PrimaryKey, uri, before); err != nil {
			return err
		}
	}

	d.statsFactory.NewTaggedStat("harmonizer_step_duration_seconds", stats.TimerType, stats.Tags{
		"step":  string(model.StepDeduplicateTable),
		"table": cfg.TableName,
	}).Since(start)
	d.log.Infow("deduplicated table",
		"table", cfg.TableName, "unit", cfg.Identity(),
		"rows", before, "took", time.Since(start).String())
	return nil
}

// RunAll deduplicates a batch of tables with bounded parallelism. Each
// table is independent; a failure cancels the remaining work.
func (d *Deduper) RunAll(ctx context.Context, store objectstore.Store, cfgs []model.TableConfig) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.concurrency)
	for _, cfg := range cfgs {
		g.Go(func() error {
			return d.DeduplicateTable(gCtx, store, cfg)
		})
	}
	return g.Wait()
}

func (d *Deduper) verify(ctx context.Context, table, pk, uri string, before int64) error {
	after, err := d.count(ctx, uri)
	if err != nil {
		return err
	}
	if after != before {
		return fmt.Errorf("%w: %q has %d rows after dedup, had %d", model.ErrPartialWrite, table, after, before)
	}
	distinct, err := d.conn.QueryCount(ctx, fmt.Sprintf(
		"SELECT COUNT(DISTINCT %s) FROM read_parquet('%s')", pk, uri))
	if err != nil {
		return fmt.Errorf("counting distinct keys of %q: %w", table, err)
	}
	if distinct != after {
		return fmt.Errorf("%w: %q still has %d duplicate keys", model.ErrPartialWrite, table, after-distinct)
	}
	return nil
}

func (d *Deduper) count(ctx context.Context, uri string) (int64, error) {
	count, err := d.conn.QueryCount(ctx, fmt.Sprintf("SELECT COUNT(*) FROM read_parquet('%s')", uri))
	if err != nil {
		return 0, fmt.Errorf("counting rows in %q: %w", uri, err)
	}
	return count, nil
}
