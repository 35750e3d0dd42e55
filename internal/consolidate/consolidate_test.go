package consolidate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/omophub/harmonizer/internal/duckdb"
	"github.com/omophub/harmonizer/internal/layout"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
)

const testDate = "2026-07-01"

func writePart(ctx context.Context, t *testing.T, conn *duckdb.Conn, store objectstore.Store, sourceTable, targetTable string, firstID int64, rows int) {
	t.Helper()
	require.NoError(t, store.EnsureDir(layout.PartsDir(testDate, sourceTable)))

	query := fmt.Sprintf(`
		COPY (
			SELECT CAST(%d + range AS BIGINT) AS measurement_id,
				CAST(100 + range AS BIGINT) AS person_id
			FROM range(%d)
		) TO '%s' (FORMAT 'parquet')`,
		firstID, rows, store.URI(layout.PartFile(testDate, sourceTable, targetTable)))
	require.NoError(t, conn.Exec(ctx, query))
}

func TestConsolidate(t *testing.T) {
	ctx := context.Background()
	conf := config.New()

	conn, err := duckdb.New(conf, logger.NOP)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	store := objectstore.NewLocal(t.TempDir(), "deliveries")

	// The same destination table receives parts from two source tables.
	writePart(ctx, t, conn, store, "condition_occurrence", "measurement", 1, 3)
	writePart(ctx, t, conn, store, "measurement", "measurement", 1000, 2)

	cons := New(conf, logger.NOP, stats.NOP, conn)
	require.NoError(t, cons.Run(ctx, store, testDate))

	out := store.URI(layout.ETLTableFile(testDate, "measurement"))
	count, err := conn.QueryCount(ctx, fmt.Sprintf("SELECT COUNT(*) FROM read_parquet('%s')", out))
	require.NoError(t, err)
	require.EqualValues(t, 5, count)

	t.Run("rerun replaces wholesale", func(t *testing.T) {
		require.NoError(t, cons.Run(ctx, store, testDate))

		count, err := conn.QueryCount(ctx, fmt.Sprintf("SELECT COUNT(*) FROM read_parquet('%s')", out))
		require.NoError(t, err)
		require.EqualValues(t, 5, count)
	})
}

func TestConsolidateSeparatesTables(t *testing.T) {
	ctx := context.Background()
	conf := config.New()

	conn, err := duckdb.New(conf, logger.NOP)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	store := objectstore.NewLocal(t.TempDir(), "deliveries")
	writePart(ctx, t, conn, store, "condition_occurrence", "measurement", 1, 2)
	writePart(ctx, t, conn, store, "condition_occurrence", "observation", 50, 4)

	cons := New(conf, logger.NOP, stats.NOP, conn)
	require.NoError(t, cons.Run(ctx, store, testDate))

	dirs, err := store.ListDirs(ctx, layout.ETLRoot(testDate))
	require.NoError(t, err)
	require.Equal(t, []string{"measurement", "observation"}, dirs)

	count, err := conn.QueryCount(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM read_parquet('%s')", store.URI(layout.ETLTableFile(testDate, "observation"))))
	require.NoError(t, err)
	require.EqualValues(t, 4, count)
}

func TestConsolidateWithoutParts(t *testing.T) {
	ctx := context.Background()
	conf := config.New()

	conn, err := duckdb.New(conf, logger.NOP)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	store := objectstore.NewLocal(t.TempDir(), "deliveries")
	cons := New(conf, logger.NOP, stats.NOP, conn)

	err = cons.Run(ctx, store, testDate)
	require.ErrorIs(t, err, model.ErrStepOutOfOrder)
}
