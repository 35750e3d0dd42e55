// Package keygen derives deterministic 64-bit surrogate keys inside the
// relational substrate. The same ordered column list always yields the same
// key expression, and the substrate's hash function is stable across
// processes and runs, so reruns of a step produce identical keys.
package keygen

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Modulus is the largest representable positive signed 64-bit value. Keys
// are reduced modulo this constant to avoid sign overflow on storage.
// Existing warehouse keys were produced with it, so it is a compatibility
// contract: treat it as fixed, never rederive it.
const Modulus = "9223372036854775807"

// Separator joins the canonical string forms of the key's fields. NULLs map
// to the empty string before joining.
const Separator = "|"

// Canonical returns the canonical string form of a single SQL expression
// for hashing: cast to VARCHAR with NULL mapped to ''.
func Canonical(expr string) string {
	return fmt.Sprintf("COALESCE(CAST(%s AS VARCHAR), '')", expr)
}

// Expr builds the surrogate-key SQL expression over an ordered list of
// column expressions. The column order is significant and must be stable
// across invocations.
func Expr(exprs ...string) string {
	parts := make([]string, 0, 2*len(exprs)-1)
	for i, e := range exprs {
		if i > 0 {
			parts = append(parts, fmt.Sprintf("'%s'", Separator))
		}
		parts = append(parts, Canonical(e))
	}
	return fmt.Sprintf(
		"CAST((CAST(hash(CONCAT(%s)) AS UBIGINT) %% %s) AS BIGINT)",
		strings.Join(parts, ", "), Modulus,
	)
}

// RehashExpr builds the key expression used when relabeling a colliding
// primary key: the original key hashed together with the row's sequence
// number within its collision group.
func RehashExpr(keyExpr, seqExpr string) string {
	return Expr(keyExpr, seqExpr)
}

// modulusValue is Modulus as a number, for in-process reduction.
const modulusValue uint64 = 9223372036854775807

// Sum derives a key in process over the canonical string forms of the
// key's fields, joined by Separator and reduced by Modulus. Used where a
// deterministic identity is needed without a substrate session; these keys
// live in a different hash family than Expr's and must never be mixed into
// a column keyed by the substrate.
func Sum(values ...string) int64 {
	return int64(xxhash.Sum64String(strings.Join(values, Separator)) % modulusValue)
}
