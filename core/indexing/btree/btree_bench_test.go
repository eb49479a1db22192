package btree

import (
	"math/rand"
	"path/filepath"
	"testing"

	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

const benchKeys = 20000

func openBenchIndex(b *testing.B) *BTreeIndex {
	b.Helper()
	idx, err := Open(filepath.Join(b.TempDir(), "bench.idx"), pagemanager.ModeWrite)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { idx.Close() })
	return idx
}

func BenchmarkInsertRandom(b *testing.B) {
	keys := rand.New(rand.NewSource(7)).Perm(benchKeys)
	idx := openBenchIndex(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := Key(keys[i%benchKeys])
		if err := idx.Insert(k, testRID(k)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLocate(b *testing.B) {
	idx := openBenchIndex(b)
	for k := Key(0); k < benchKeys; k++ {
		if err := idx.Insert(k, testRID(k)); err != nil {
			b.Fatal(err)
		}
	}
	r := rand.New(rand.NewSource(11))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := idx.Locate(Key(r.Intn(benchKeys))); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkScan(b *testing.B) {
	idx := openBenchIndex(b)
	for k := Key(0); k < benchKeys; k++ {
		if err := idx.Insert(k, testRID(k)); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cursor, err := idx.First()
		if err != nil {
			b.Fatal(err)
		}
		n := 0
		for ; ; n++ {
			if _, _, err := idx.ReadForward(&cursor); err != nil {
				break
			}
		}
		if n != benchKeys {
			b.Fatalf("scanned %d entries, want %d", n, benchKeys)
		}
	}
}
