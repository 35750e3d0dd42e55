// Package consolidate fans the per-source-file destination parts into one
// file per destination table. It is a fan-in barrier: it must only run after
// every per-file job of the delivery has finished its domain ETL.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/omophub/harmonizer/internal/duckdb"
	"github.com/omophub/harmonizer/internal/layout"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
	"github.com/omophub/harmonizer/internal/route"
)

type Consolidator struct {
	conn *duckdb.Conn
	log  logger.Logger

	statsFactory stats.Stats

	config struct {
		verifyCounts bool
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, conn *duckdb.Conn) *Consolidator {
	c := &Consolidator{
		conn:         conn,
		log:          log.Child("consolidate"),
		statsFactory: statsFactory,
	}
	c.config.verifyCounts = conf.GetBool("Harmonizer.Consolidate.verifyCounts", true)
	return c
}

// Run collects every destination part written for the delivery and unions
// them by destination table. Rerunning replaces the consolidated outputs
// wholesale, so a retry after partial failure is safe.
func (c *Consolidator) Run(ctx context.Context, store objectstore.Store, deliveryDate string) error {
	start := time.Now()

	parts, err := c.collectParts(ctx, store, deliveryDate)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: no destination parts found for delivery %q", model.ErrStepOutOfOrder, deliveryDate)
	}

	stale, err := store.List(ctx, layout.ETLRoot(deliveryDate))
	if err != nil {
		return fmt.Errorf("listing previous consolidated outputs: %w", err)
	}
	for _, key := range stale {
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clearing previous consolidated output %q: %w", key, err)
		}
	}

	targets := lo.Keys(parts)
	sort.Strings(targets)

	for _, target := range targets {
		if err := c.consolidateTable(ctx, store, deliveryDate, target, parts[target]); err != nil {
			return err
		}
	}

	c.statsFactory.NewTaggedStat("harmonizer_step_duration_seconds", stats.TimerType, stats.Tags{
		"step": string(model.StepConsolidate),
	}).Since(start)
	c.log.Infow("consolidated delivery",
		"deliveryDate", deliveryDate, "tables", len(targets), "took", time.Since(start).String())
	return nil
}

// collectParts maps each destination table to the URIs of all its parts
// across the delivery's source files.
func (c *Consolidator) collectParts(ctx context.Context, store objectstore.Store, deliveryDate string) (map[string][]string, error) {
	parts := make(map[string][]string)
	for _, src := range route.HarmonizedTables {
		keys, err := store.List(ctx, layout.PartsDir(deliveryDate, src))
		if err != nil {
			return nil, fmt.Errorf("listing parts of %q: %w", src, err)
		}
		for _, key := range keys {
			if !strings.HasSuffix(key, ".parquet") {
				continue
			}
			target := layout.TableFromPath(key)
			parts[target] = append(parts[target], store.URI(key))
		}
	}
	return parts, nil
}

func (c *Consolidator) consolidateTable(ctx context.Context, store objectstore.Store, deliveryDate, target string, uris []string) error {
	if err := store.EnsureDir(layout.ETLTableDir(deliveryDate, target)); err != nil {
		return fmt.Errorf("preparing output directory for %q: %w", target, err)
	}

	sort.Strings(uris)
	list := strings.Join(lo.Map(uris, func(u string, _ int) string {
		return "'" + u + "'"
	}), ", ")

	outURI := store.URI(layout.ETLTableFile(deliveryDate, target))
	query := fmt.Sprintf(`
		COPY (
			SELECT * FROM read_parquet([%s], union_by_name = true)
		) TO '%s' (FORMAT 'parquet', COMPRESSION 'zstd')`, list, outURI)
	if err := c.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("consolidating %q: %w", target, err)
	}

	if !c.config.verifyCounts {
		return nil
	}
	in, err := c.conn.QueryCount(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM read_parquet([%s], union_by_name = true)", list))
	if err != nil {
		return fmt.Errorf("counting parts of %q: %w", target, err)
	}
	out, err := c.conn.QueryCount(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM read_parquet('%s')", outURI))
	if err != nil {
		return fmt.Errorf("counting consolidated %q: %w", target, err)
	}
	if in != out {
		return fmt.Errorf("%w: consolidated %d of %d records for %q", model.ErrPartialWrite, out, in, target)
	}
	return nil
}
