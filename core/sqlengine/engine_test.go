package sqlengine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jdliaw/aplustree/core/indexing/btree"
)

// --- Test Helpers ---

// writeLoadFile writes one line "k, 'value-k'" per key, in the given order.
func writeLoadFile(t *testing.T, dir string, keys []int) string {
	t.Helper()
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%d, 'value-%d'\n", k, k)
	}
	path := filepath.Join(dir, "load.del")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0644))
	return path
}

func setupEngine(t *testing.T, opts ...Option) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	e, err := New(dir, append([]Option{WithLogger(logger), WithPageSize(512), WithMaxKeys(6)}, opts...)...)
	require.NoError(t, err)
	return e, dir
}

func runSelect(t *testing.T, e *Engine, query string) (string, int) {
	t.Helper()
	cmd, err := Parse(query)
	require.NoError(t, err)
	var out bytes.Buffer
	n, err := e.Select(context.Background(), cmd.(*SelectCommand), &out)
	require.NoError(t, err)
	return out.String(), n
}

func shuffled(n int) []int {
	keys := make([]int, n)
	for i := range keys {
		keys[i] = (i * 37) % n // 37 is coprime with the sizes used below
	}
	return keys
}

// --- Test Cases ---

func TestEngine_LoadAndSelect(t *testing.T) {
	e, dir := setupEngine(t)
	rows, err := e.Load(context.Background(), "movie", writeLoadFile(t, dir, shuffled(200)), true)
	require.NoError(t, err)
	require.Equal(t, 200, rows)

	stats, err := e.IndexStats("movie")
	require.NoError(t, err)
	require.Equal(t, 200, stats.Entries())
	require.Greater(t, stats.Height, int32(1))

	out, n := runSelect(t, e, "SELECT * FROM movie WHERE key = 42")
	require.Equal(t, 1, n)
	require.Equal(t, "42 'value-42'\n", out)

	out, n = runSelect(t, e, "SELECT key FROM movie WHERE key >= 10 AND key < 15")
	require.Equal(t, 5, n)
	require.Equal(t, "10\n11\n12\n13\n14\n", out)

	out, _ = runSelect(t, e, "SELECT value FROM movie WHERE key > 197")
	require.Equal(t, "value-198\nvalue-199\n", out)

	out, n = runSelect(t, e, "SELECT COUNT(*) FROM movie")
	require.Equal(t, 200, n)
	require.Equal(t, "200\n", out)

	out, n = runSelect(t, e, "SELECT COUNT(*) FROM movie WHERE key <> 3 AND key < 10")
	require.Equal(t, 9, n)
	require.Equal(t, "9\n", out)

	out, n = runSelect(t, e, "SELECT key FROM movie WHERE value = 'value-77'")
	require.Equal(t, 1, n)
	require.Equal(t, "77\n", out)
}

func TestEngine_IndexAndTableScanAgree(t *testing.T) {
	ctx := context.Background()
	indexed, dir := setupEngine(t)
	loadFile := writeLoadFile(t, dir, shuffled(150))
	_, err := indexed.Load(ctx, "withidx", loadFile, true)
	require.NoError(t, err)
	_, err = indexed.Load(ctx, "noidx", loadFile, false)
	require.NoError(t, err)

	for _, where := range []string{
		"",
		" WHERE key = 0",
		" WHERE key = 149",
		" WHERE key = 500",
		" WHERE key > 20 AND key <= 40",
		" WHERE key >= 140",
		" WHERE key < 5",
		" WHERE key <> 7 AND key < 12",
		" WHERE key > 100 AND value > 'value-120'",
		" WHERE value < 'value-2'",
	} {
		for _, attr := range []string{"key", "value", "*", "COUNT(*)"} {
			a, na := runSelect(t, indexed, "SELECT "+attr+" FROM withidx"+where)
			b, nb := runSelect(t, indexed, "SELECT "+attr+" FROM noidx"+where)
			require.Equal(t, nb, na, "SELECT %s%s", attr, where)
			if attr == "COUNT(*)" {
				require.Equal(t, b, a, "SELECT %s%s", attr, where)
			} else {
				// The table scan returns load order; the index scan returns key order.
				require.ElementsMatch(t, strings.Split(b, "\n"), strings.Split(a, "\n"), "SELECT %s%s", attr, where)
			}
		}
	}
}

func TestEngine_ContradictoryRanges(t *testing.T) {
	e, dir := setupEngine(t)
	_, err := e.Load(context.Background(), "movie", writeLoadFile(t, dir, shuffled(50)), true)
	require.NoError(t, err)

	for _, q := range []string{
		"SELECT COUNT(*) FROM movie WHERE key > 30 AND key < 20",
		"SELECT COUNT(*) FROM movie WHERE key > 5 AND key < 6",
		"SELECT COUNT(*) FROM movie WHERE key = 5 AND key = 6",
	} {
		out, n := runSelect(t, e, q)
		require.Zero(t, n, q)
		require.Equal(t, "0\n", out, q)
	}
}

func TestEngine_DuplicateKeys(t *testing.T) {
	e, dir := setupEngine(t)
	path := filepath.Join(dir, "dups.del")
	var sb strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&sb, "%d, 'v%d'\n", i%3, i)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0644))
	_, err := e.Load(context.Background(), "dups", path, true)
	require.NoError(t, err)

	out, n := runSelect(t, e, "SELECT COUNT(*) FROM dups WHERE key = 1")
	require.Equal(t, 10, n)
	require.Equal(t, "10\n", out)

	out, _ = runSelect(t, e, "SELECT value FROM dups WHERE key = 2 AND value >= 'v5'")
	require.Equal(t, "v5\nv8\n", out)
}

func TestEngine_SecondLoadBackfillsIndex(t *testing.T) {
	ctx := context.Background()
	e, dir := setupEngine(t)
	_, err := e.Load(ctx, "movie", writeLoadFile(t, dir, []int{5, 1, 3}), false)
	require.NoError(t, err)
	_, err = e.IndexStats("movie")
	require.Error(t, err, "no index yet")

	_, err = e.Load(ctx, "movie", writeLoadFile(t, dir, []int{4, 2}), true)
	require.NoError(t, err)
	stats, err := e.IndexStats("movie")
	require.NoError(t, err)
	require.Equal(t, 5, stats.Entries())

	// A later load without WITH INDEX still keeps the index current.
	_, err = e.Load(ctx, "movie", writeLoadFile(t, dir, []int{0}), false)
	require.NoError(t, err)
	out, _ := runSelect(t, e, "SELECT key FROM movie WHERE key >= 0")
	require.Equal(t, "0\n1\n2\n3\n4\n5\n", out)
}

func TestEngine_Errors(t *testing.T) {
	ctx := context.Background()
	e, dir := setupEngine(t)

	_, err := e.Select(ctx, &SelectCommand{Attr: AttrAll, Table: "missing"}, &bytes.Buffer{})
	require.ErrorIs(t, err, ErrTableNotFound)

	_, err = e.Load(ctx, "movie", filepath.Join(dir, "nope.del"), false)
	require.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.del")
	require.NoError(t, os.WriteFile(bad, []byte("1, 'ok'\n\nnot a tuple\n"), 0644))
	rows, err := e.Load(ctx, "movie", bad, false)
	require.ErrorIs(t, err, ErrInvalidLoadLine)
	require.Contains(t, err.Error(), ":3:")
	require.Equal(t, 1, rows)
}

func TestEngine_CorruptIndexFallsBackToTableScan(t *testing.T) {
	e, dir := setupEngine(t)
	_, err := e.Load(context.Background(), "movie", writeLoadFile(t, dir, shuffled(20)), false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.idx"), []byte("garbage"), 0644))

	out, n := runSelect(t, e, "SELECT COUNT(*) FROM movie WHERE key < 10")
	require.Equal(t, 10, n)
	require.Equal(t, "10\n", out)
}

func TestEngine_RateLimitedLoadHonoursContext(t *testing.T) {
	e, dir := setupEngine(t, WithLoadRateLimit(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Load(ctx, "movie", writeLoadFile(t, dir, shuffled(10)), false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEngine_Execute(t *testing.T) {
	ctx := context.Background()
	e, dir := setupEngine(t)
	loadFile := writeLoadFile(t, dir, shuffled(10))

	cmd, err := Parse(fmt.Sprintf("LOAD movie FROM '%s' WITH INDEX", loadFile))
	require.NoError(t, err)
	require.NoError(t, e.Execute(ctx, cmd, nil))

	cmd, err = Parse("SELECT key FROM movie WHERE key > 7")
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, e.Execute(ctx, cmd, &out))
	require.Equal(t, "8\n9\n", out.String())

	var stats btree.TreeStats
	stats, err = e.IndexStats("movie")
	require.NoError(t, err)
	require.Equal(t, 10, stats.Entries())
}
