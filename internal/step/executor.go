// Package step runs the per-file harmonization steps. Each step reads the
// previous step's whole-dataset output, applies one remapping or routing
// concern inside the relational substrate, and writes a complete replacement
// dataset, so any step can be retried without touching earlier outputs.
package step

import (
	"context"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/omophub/harmonizer/internal/duckdb"
	"github.com/omophub/harmonizer/internal/layout"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
	"github.com/omophub/harmonizer/internal/route"
	"github.com/omophub/harmonizer/internal/vocab"
)

// Executor owns the per-file steps. It is safe for concurrent use across
// jobs as long as each job addresses a distinct source file.
type Executor struct {
	conn   *duckdb.Conn
	routes *route.Table
	log    logger.Logger

	statsFactory stats.Stats

	config struct {
		verifyCounts bool
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, conn *duckdb.Conn, routes *route.Table) *Executor {
	e := &Executor{
		conn:         conn,
		routes:       routes,
		log:          log.Child("step"),
		statsFactory: statsFactory,
	}
	e.config.verifyCounts = conf.GetBool("Harmonizer.Step.verifyCounts", true)
	return e
}

// Execute runs one per-file step for a job. The store addresses the job's
// delivery bucket; idx is the materialized vocabulary for the job's version.
func (e *Executor) Execute(ctx context.Context, store objectstore.Store, job *model.Job, idx *vocab.Index, kind model.StepKind) error {
	table := layout.TableFromPath(job.FilePath)
	meta, ok := route.Meta(table)
	if !ok {
		return fmt.Errorf("%w: table %q is not harmonized", model.ErrNoRouteFound, table)
	}

	start := time.Now()
	var err error
	switch kind {
	case model.StepSourceTargetRemap:
		err = e.sourceTargetRemap(ctx, store, job, idx, meta)
	case model.StepTargetRemap:
		err = e.remap(ctx, store, job, meta, model.StepSourceTargetRemap, kind,
			targetRemapSQL(meta,
				store.URI(layout.StepFile(job.DeliveryDate, meta.Name, string(model.StepSourceTargetRemap))),
				idx.URI(),
				store.URI(layout.StepFile(job.DeliveryDate, meta.Name, string(kind)))))
	case model.StepTargetReplacement:
		err = e.remap(ctx, store, job, meta, model.StepTargetRemap, kind,
			targetReplacementSQL(meta,
				store.URI(layout.StepFile(job.DeliveryDate, meta.Name, string(model.StepTargetRemap))),
				idx.URI(),
				store.URI(layout.StepFile(job.DeliveryDate, meta.Name, string(kind)))))
	case model.StepDomainCheck:
		err = e.remap(ctx, store, job, meta, model.StepTargetReplacement, kind,
			domainCheckSQL(meta,
				store.URI(layout.StepFile(job.DeliveryDate, meta.Name, string(model.StepTargetReplacement))),
				idx.URI(),
				store.URI(layout.StepFile(job.DeliveryDate, meta.Name, string(kind)))))
	case model.StepDomainETL:
		err = e.domainETL(ctx, store, job, meta)
	default:
		err = fmt.Errorf("step %q is not a per-file step", kind)
	}
	if err != nil {
		return err
	}

	e.statsFactory.NewTaggedStat("harmonizer_step_duration_seconds", stats.TimerType, stats.Tags{
		"step":  string(kind),
		"table": table,
	}).Since(start)
	e.log.Infow("step completed",
		"jobId", job.ID, "step", string(kind), "table", table,
		"took", time.Since(start).String())
	return nil
}

// sourceTargetRemap is the entry step: it clears any previous harmonization
// output for the file, then writes the tagged whole-dataset replacement.
func (e *Executor) sourceTargetRemap(ctx context.Context, store objectstore.Store, job *model.Job, idx *vocab.Index, meta route.TableMeta) error {
	inKey := job.FilePath
	exists, err := store.Exists(ctx, inKey)
	if err != nil {
		return fmt.Errorf("checking source file %q: %w", inKey, err)
	}
	if !exists {
		return fmt.Errorf("%w: source file %q", model.ErrMissingRequiredField, inKey)
	}

	harmonizedDir := layout.HarmonizedDir(job.DeliveryDate, meta.Name)
	stale, err := store.List(ctx, harmonizedDir)
	if err != nil {
		return fmt.Errorf("listing previous outputs under %q: %w", harmonizedDir, err)
	}
	for _, key := range stale {
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clearing previous output %q: %w", key, err)
		}
	}
	if err := store.EnsureDir(harmonizedDir); err != nil {
		return fmt.Errorf("preparing %q: %w", harmonizedDir, err)
	}

	outKey := layout.StepFile(job.DeliveryDate, meta.Name, string(model.StepSourceTargetRemap))
	query := sourceTargetSQL(meta, store.URI(inKey), idx.URI(), store.URI(outKey))
	if err := e.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("remapping source concepts of %q: %w", meta.Name, err)
	}
	return e.verifySameCount(ctx, store.URI(inKey), store.URI(outKey))
}

// remap runs one of the middle whole-dataset steps, whose inputs and
// outputs are both single step files.
func (e *Executor) remap(ctx context.Context, store objectstore.Store, job *model.Job, meta route.TableMeta, prev, kind model.StepKind, query string) error {
	inKey := layout.StepFile(job.DeliveryDate, meta.Name, string(prev))
	exists, err := store.Exists(ctx, inKey)
	if err != nil {
		return fmt.Errorf("checking step input %q: %w", inKey, err)
	}
	if !exists {
		return fmt.Errorf("%w: step %q needs output of %q", model.ErrStepOutOfOrder, kind, prev)
	}

	if err := e.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("running step %q on %q: %w", kind, meta.Name, err)
	}

	outKey := layout.StepFile(job.DeliveryDate, meta.Name, string(kind))
	return e.verifySameCount(ctx, store.URI(inKey), store.URI(outKey))
}

// domainETL partitions the domain-checked dataset by resolved destination
// table and projects each partition onto the destination schema.
func (e *Executor) domainETL(ctx context.Context, store objectstore.Store, job *model.Job, meta route.TableMeta) error {
	inKey := layout.StepFile(job.DeliveryDate, meta.Name, string(model.StepDomainCheck))
	exists, err := store.Exists(ctx, inKey)
	if err != nil {
		return fmt.Errorf("checking step input %q: %w", inKey, err)
	}
	if !exists {
		return fmt.Errorf("%w: step %q needs output of %q", model.ErrStepOutOfOrder, model.StepDomainETL, model.StepDomainCheck)
	}
	inURI := store.URI(inKey)

	targets, err := e.conn.QueryStrings(ctx, fmt.Sprintf(
		"SELECT DISTINCT target_table FROM read_parquet('%s') ORDER BY target_table", inURI))
	if err != nil {
		return fmt.Errorf("discovering destination tables of %q: %w", meta.Name, err)
	}

	partsDir := layout.PartsDir(job.DeliveryDate, meta.Name)
	stale, err := store.List(ctx, partsDir)
	if err != nil {
		return fmt.Errorf("listing previous parts under %q: %w", partsDir, err)
	}
	for _, key := range stale {
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clearing previous part %q: %w", key, err)
		}
	}
	if err := store.EnsureDir(partsDir); err != nil {
		return fmt.Errorf("preparing %q: %w", partsDir, err)
	}

	var written int64
	for _, target := range targets {
		tr, err := e.routes.LookupTable(meta.Name, target)
		if err != nil {
			return err
		}
		outURI := store.URI(layout.PartFile(job.DeliveryDate, meta.Name, target))
		if err := e.conn.Exec(ctx, etlSQL(tr, job.Site, inURI, outURI)); err != nil {
			return fmt.Errorf("projecting %q into %q: %w", meta.Name, target, err)
		}
		count, err := e.count(ctx, outURI)
		if err != nil {
			return err
		}
		e.log.Infow("wrote destination part",
			"jobId", job.ID, "sourceTable", meta.Name, "targetTable", target, "rows", count)
		written += count
	}

	if !e.config.verifyCounts {
		return nil
	}
	total, err := e.count(ctx, inURI)
	if err != nil {
		return err
	}
	if written != total {
		return fmt.Errorf("%w: %q routed %d of %d records", model.ErrPartialWrite, meta.Name, written, total)
	}
	return nil
}

// verifySameCount enforces the no-record-loss invariant of the
// whole-dataset steps: output cardinality always equals input cardinality.
func (e *Executor) verifySameCount(ctx context.Context, inURI, outURI string) error {
	if !e.config.verifyCounts {
		return nil
	}
	in, err := e.count(ctx, inURI)
	if err != nil {
		return err
	}
	out, err := e.count(ctx, outURI)
	if err != nil {
		return err
	}
	if in != out {
		return fmt.Errorf("%w: wrote %d records for %d inputs", model.ErrPartialWrite, out, in)
	}
	return nil
}

func (e *Executor) count(ctx context.Context, uri string) (int64, error) {
	count, err := e.conn.QueryCount(ctx, fmt.Sprintf("SELECT COUNT(*) FROM read_parquet('%s')", uri))
	if err != nil {
		return 0, fmt.Errorf("counting records in %q: %w", uri, err)
	}
	return count, nil
}
