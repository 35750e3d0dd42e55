// Package vocab builds and serves the concept map index: a per-version,
// immutable join of the concept catalog with the allow-listed concept
// relationships, materialized once and shared read-only by every job using
// that vocabulary version.
package vocab

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/omophub/harmonizer/internal/duckdb"
	"github.com/omophub/harmonizer/internal/layout"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
)

// Index is the queryable concept map for one vocabulary version.
type Index struct {
	Version string

	uri  string
	conn *duckdb.Conn
}

// URI locates the materialized index for use in step SQL joins.
func (idx *Index) URI() string {
	return idx.uri
}

// Lookup returns every relationship row for a concept, including the
// unjoined row when the concept has no allow-listed relationship.
func (idx *Index) Lookup(ctx context.Context, conceptID int64) ([]model.ConceptMapping, error) {
	query := fmt.Sprintf(`
		SELECT concept_id, concept_id_domain, COALESCE(concept_id_standard, ''),
			COALESCE(relationship_id, ''), COALESCE(target_concept_id, 0),
			COALESCE(target_concept_id_domain, ''), COALESCE(target_concept_id_standard, '')
		FROM read_parquet('%s')
		WHERE concept_id = ?
		ORDER BY relationship_id, target_concept_id`, idx.uri)

	rows, err := idx.conn.QueryRows(ctx, query, conceptID)
	if err != nil {
		return nil, fmt.Errorf("looking up concept %d: %w", conceptID, err)
	}
	defer func() { _ = rows.Close() }()

	var mappings []model.ConceptMapping
	for rows.Next() {
		var m model.ConceptMapping
		if err := rows.Scan(
			&m.ConceptID, &m.ConceptDomain, &m.ConceptStandard,
			&m.RelationshipID, &m.TargetConceptID, &m.TargetDomain, &m.TargetStandard,
		); err != nil {
			return nil, fmt.Errorf("scanning mapping row: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// Manager materializes and caches one Index per vocabulary version.
type Manager struct {
	conn  *duckdb.Conn
	store objectstore.Store
	log   logger.Logger

	cache *lru.Cache[string, *Index]

	stats struct {
		buildTime stats.Timer
	}

	config struct {
		rebuild bool
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, conn *duckdb.Conn, store objectstore.Store) (*Manager, error) {
	cache, err := lru.New[string, *Index](conf.GetInt("Harmonizer.Vocab.cacheSize", 4))
	if err != nil {
		return nil, fmt.Errorf("creating vocab cache: %w", err)
	}

	m := &Manager{
		conn:  conn,
		store: store,
		log:   log.Child("vocab"),
		cache: cache,
	}
	m.config.rebuild = conf.GetBool("Harmonizer.Vocab.forceRebuild", false)
	m.stats.buildTime = statsFactory.NewTaggedStat("harmonizer_vocab_build_time", stats.TimerType, stats.Tags{
		"module": "vocab",
	})
	return m, nil
}

// Ensure returns the index for a version, materializing it on first use. A
// missing vocabulary snapshot is fatal to the requesting job: no partial
// index is ever produced.
func (m *Manager) Ensure(ctx context.Context, version string) (*Index, error) {
	if idx, ok := m.cache.Get(version); ok {
		return idx, nil
	}

	for _, key := range []string{layout.VocabConceptFile(version), layout.VocabRelationshipFile(version)} {
		exists, err := m.store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("checking vocabulary file %q: %w", key, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: version %q (missing %q)", model.ErrVocabularyNotFound, version, key)
		}
	}

	optimizedKey := layout.OptimizedVocabFile(version)
	exists, err := m.store.Exists(ctx, optimizedKey)
	if err != nil {
		return nil, fmt.Errorf("checking optimized vocabulary: %w", err)
	}
	if !exists || m.config.rebuild {
		start := time.Now()
		if err := m.build(ctx, version); err != nil {
			return nil, err
		}
		m.stats.buildTime.Since(start)
		m.log.Infow("materialized optimized vocabulary",
			"version", version, "took", time.Since(start).String())
	}

	idx := &Index{
		Version: version,
		uri:     m.store.URI(optimizedKey),
		conn:    m.conn,
	}
	m.cache.Add(version, idx)
	return idx, nil
}

// build left-joins concept -> relationship -> concept(target), one output
// row per (source concept, relationship, target concept) plus an unjoined
// row when no allow-listed relationship exists.
func (m *Manager) build(ctx context.Context, version string) error {
	if err := m.store.EnsureDir(version); err != nil {
		return fmt.Errorf("preparing vocabulary directory: %w", err)
	}

	relationships := strings.Join(lo.Map(model.AllowedRelationships, func(r string, _ int) string {
		return "'" + r + "'"
	}), ", ")

	query := fmt.Sprintf(`
		COPY (
			SELECT
				c.concept_id,
				c.domain_id AS concept_id_domain,
				c.standard_concept AS concept_id_standard,
				cr.relationship_id,
				cr.concept_id_2 AS target_concept_id,
				t.domain_id AS target_concept_id_domain,
				t.standard_concept AS target_concept_id_standard
			FROM read_parquet('%[1]s') AS c
			LEFT JOIN read_parquet('%[2]s') AS cr
				ON c.concept_id = cr.concept_id_1
				AND cr.relationship_id IN (%[4]s)
			LEFT JOIN read_parquet('%[1]s') AS t
				ON cr.concept_id_2 = t.concept_id
		) TO '%[3]s' (FORMAT 'parquet', COMPRESSION 'zstd')`,
		m.store.URI(layout.VocabConceptFile(version)),
		m.store.URI(layout.VocabRelationshipFile(version)),
		m.store.URI(layout.OptimizedVocabFile(version)),
		relationships,
	)
	if err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("building optimized vocabulary for version %q: %w", version, err)
	}
	return nil
}

// CountConcepts reports the number of distinct concepts in an index, used
// for build verification.
func (m *Manager) CountConcepts(ctx context.Context, idx *Index) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(DISTINCT concept_id) FROM read_parquet('%s')", idx.URI())
	count, err := m.conn.QueryCount(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("counting concepts: %w", err)
	}
	return count, nil
}
