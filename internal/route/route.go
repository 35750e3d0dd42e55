// Package route holds the domain routing catalog: for every (source table,
// resolved target domain) pair, a transform definition that projects the
// source table's columns onto the destination table, using straight
// renames, constants, or NULL, plus a deterministic surrogate-key formula
// when the destination key is not carried by the source row. The catalog is
// data built and validated at startup; execution lives in the step
// executor.
package route

import (
	"fmt"

	"github.com/omophub/harmonizer/internal/model"
)

// ColumnMapping projects one destination column. Expr is a source column
// name, a tag column name, or a SQL literal; empty means NULL.
type ColumnMapping struct {
	Target   string
	Expr     string
	Type     string
	Required bool
}

// Transform relocates records of one (source table, target domain) pair
// into their destination table.
type Transform struct {
	SourceTable  string
	TargetDomain string
	TargetTable  string
	Identity     bool
	Mappings     []ColumnMapping

	// SurrogateKey marks destinations whose primary key must be derived
	// from row content; HashExprs is the ordered expression list feeding
	// the key hash (the site identifier is appended by the executor).
	SurrogateKey bool
	HashExprs    []string
}

type routeKey struct {
	sourceTable string
	domain      string
}

// Table is the static routing matrix.
type Table struct {
	transforms map[routeKey]Transform
}

func New() (*Table, error) {
	t := &Table{transforms: make(map[routeKey]Transform)}

	for _, src := range HarmonizedTables {
		for _, domain := range RoutedDomains {
			dst := model.DomainTable[domain]
			t.transforms[routeKey{src, domain}] = buildTransform(src, domain, dst)
		}
		// Unresolved domains fall back to the originating table.
		t.transforms[routeKey{src, model.UnknownDomain}] = buildTransform(src, model.UnknownDomain, src)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Lookup resolves the transform for a source table and target domain.
// Domains outside the routed set behave as Unknown.
func (t *Table) Lookup(sourceTable, domain string) (Transform, error) {
	if tr, ok := t.transforms[routeKey{sourceTable, domain}]; ok {
		return tr, nil
	}
	if tr, ok := t.transforms[routeKey{sourceTable, model.UnknownDomain}]; ok {
		return tr, nil
	}
	return Transform{}, fmt.Errorf("%w: table %q domain %q", model.ErrNoRouteFound, sourceTable, domain)
}

// LookupTable resolves the transform routing sourceTable into targetTable,
// used by the domain ETL which partitions on resolved target table rather
// than domain.
func (t *Table) LookupTable(sourceTable, targetTable string) (Transform, error) {
	for _, tr := range t.transforms {
		if tr.SourceTable == sourceTable && tr.TargetTable == targetTable {
			return tr, nil
		}
	}
	return Transform{}, fmt.Errorf("%w: table %q into %q", model.ErrNoRouteFound, sourceTable, targetTable)
}

// Validate checks catalog completeness: every (source table, domain) pair
// including the Unknown fallback has a transform whose column projection
// covers the destination exactly.
func (t *Table) Validate() error {
	domains := append(append([]string{}, RoutedDomains...), model.UnknownDomain)
	for _, src := range HarmonizedTables {
		for _, domain := range domains {
			tr, ok := t.transforms[routeKey{src, domain}]
			if !ok {
				return fmt.Errorf("%w: table %q domain %q", model.ErrNoRouteFound, src, domain)
			}
			dst := tables[tr.TargetTable]
			if len(tr.Mappings) != len(dst.columns) {
				return fmt.Errorf("transform %s->%s: %d mappings for %d destination columns",
					src, tr.TargetTable, len(tr.Mappings), len(dst.columns))
			}
			for i, c := range dst.columns {
				if tr.Mappings[i].Target != c.name {
					return fmt.Errorf("transform %s->%s: column %d is %q, want %q",
						src, tr.TargetTable, i, tr.Mappings[i].Target, c.name)
				}
			}
			if !tr.Identity && !tr.SurrogateKey {
				return fmt.Errorf("transform %s->%s: relocated rows need a surrogate key", src, tr.TargetTable)
			}
		}
	}
	return nil
}

func buildTransform(src, domain, dst string) Transform {
	srcMeta := tables[src]
	dstMeta := tables[dst]

	if src == dst {
		return identityTransform(srcMeta, domain)
	}

	tr := Transform{
		SourceTable:  src,
		TargetDomain: domain,
		TargetTable:  dst,
		SurrogateKey: true,
	}
	for _, c := range dstMeta.columns {
		m := ColumnMapping{Target: c.name, Type: c.typ, Required: c.required}
		m.Expr = crossExpr(srcMeta, dstMeta, c)
		tr.Mappings = append(tr.Mappings, m)
		if c.name != dstMeta.primaryKey {
			tr.HashExprs = append(tr.HashExprs, m.Expr)
		}
	}
	return tr
}

func identityTransform(meta tableMeta, domain string) Transform {
	tr := Transform{
		SourceTable:  meta.name,
		TargetDomain: domain,
		TargetTable:  meta.name,
		Identity:     true,
	}
	for _, c := range meta.columns {
		tr.Mappings = append(tr.Mappings, ColumnMapping{
			Target:   c.name,
			Expr:     c.name,
			Type:     c.typ,
			Required: c.required,
		})
	}
	return tr
}

// crossExpr picks the source expression for one destination column when
// relocating between tables. Resolution order: semantic role, same-name
// column, typed default.
func crossExpr(src, dst tableMeta, c column) string {
	switch c.name {
	case dst.primaryKey:
		// Derived by the executor; the mapping slot is filled so the
		// projection stays positional.
		return ""
	case dst.concept:
		return model.ColTargetConcept
	case dst.sourceConcept:
		if dst.sourceConcept != "" {
			return model.ColSourceConcept
		}
	case dst.sourceValue:
		if src.sourceValue != "" {
			return src.sourceValue
		}
	case dst.typeConcept:
		if src.typeConcept != "" {
			return src.typeConcept
		}
	case dst.startDate:
		if src.startDate != "" {
			return src.startDate
		}
	case dst.startDatetime:
		if src.startDatetime != "" {
			return src.startDatetime
		}
	case dst.endDate:
		if src.endDate != "" {
			return src.endDate
		}
		// End dates that are required close the interval on the start
		// date.
		if c.required && src.startDate != "" {
			return src.startDate
		}
	case dst.endDatetime:
		if src.endDatetime != "" {
			return src.endDatetime
		}
	case dst.valueAsNumber:
		if src.valueAsNumber != "" {
			return src.valueAsNumber
		}
	case dst.unitConcept:
		if src.unitConcept != "" {
			return src.unitConcept
		}
	case model.ColValueAsConcept:
		// Present on every tagged record after the Meas Value pivot.
		return model.ColValueAsConcept
	}

	if src.hasColumn(c.name) {
		return c.name
	}
	if c.required {
		return requiredDefault(c)
	}
	return ""
}

// DefaultFor is the SQL literal that fills a required destination column
// whose source expression resolves to NULL at execution time.
func DefaultFor(m ColumnMapping) string {
	if isConceptColumn(m.Target) {
		return "0"
	}
	return placeholderValues[m.Type]
}

func requiredDefault(c column) string {
	if isConceptColumn(c.name) {
		return "0"
	}
	return placeholderValues[c.typ]
}

func isConceptColumn(name string) bool {
	const suffix = "_concept_id"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}
