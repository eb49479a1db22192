package recordfile

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

const testPageSize = 256 // two slots per page

func setupRecordFile(t *testing.T) (*RecordFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.tbl")
	rf, err := Open(path, pagemanager.ModeWrite, WithPageSize(testPageSize), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { rf.Close() })
	return rf, path
}

func TestRecordFile_AppendAndRead(t *testing.T) {
	rf, _ := setupRecordFile(t)
	require.Equal(t, int32(2), rf.SlotsPerPage())

	var rids []pagemanager.RecordID
	for i := int32(0); i < 5; i++ {
		rid, err := rf.Append(i*10, fmt.Sprintf("value-%d", i))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	require.Equal(t, []pagemanager.RecordID{
		{PageID: 0, SlotID: 0}, {PageID: 0, SlotID: 1},
		{PageID: 1, SlotID: 0}, {PageID: 1, SlotID: 1},
		{PageID: 2, SlotID: 0},
	}, rids)
	require.Equal(t, pagemanager.RecordID{PageID: 2, SlotID: 1}, rf.EndRecordID())

	key, value, err := rf.Read(rids[3])
	require.NoError(t, err)
	require.Equal(t, int32(30), key)
	require.Equal(t, "value-3", value)
}

func TestRecordFile_ValueLimits(t *testing.T) {
	rf, _ := setupRecordFile(t)

	_, err := rf.Append(1, strings.Repeat("x", MaxValueLength+1))
	require.ErrorIs(t, err, ErrValueTooLong)

	long := strings.Repeat("y", MaxValueLength)
	rid, err := rf.Append(2, long)
	require.NoError(t, err)
	rid2, err := rf.Append(3, "")
	require.NoError(t, err)

	_, value, err := rf.Read(rid)
	require.NoError(t, err)
	require.Equal(t, long, value)
	_, value, err = rf.Read(rid2)
	require.NoError(t, err)
	require.Empty(t, value)
}

func TestRecordFile_InvalidRecordID(t *testing.T) {
	rf, _ := setupRecordFile(t)
	_, err := rf.Append(1, "one")
	require.NoError(t, err)

	for _, rid := range []pagemanager.RecordID{
		{PageID: 0, SlotID: 1},
		{PageID: 1, SlotID: 0},
		{PageID: -1, SlotID: 0},
		{PageID: 0, SlotID: 7},
	} {
		_, _, err := rf.Read(rid)
		require.ErrorIs(t, err, ErrInvalidRecordID, "rid %s", rid)
	}
}

func TestRecordFile_ReopenContinuesAppending(t *testing.T) {
	rf, path := setupRecordFile(t)
	for i := int32(0); i < 3; i++ {
		_, err := rf.Append(i, "a")
		require.NoError(t, err)
	}
	require.NoError(t, rf.Close())

	ro, err := Open(path, pagemanager.ModeRead, WithPageSize(testPageSize))
	require.NoError(t, err)
	require.Equal(t, pagemanager.RecordID{PageID: 1, SlotID: 1}, ro.EndRecordID())
	_, err = ro.Append(9, "nope")
	require.ErrorIs(t, err, pagemanager.ErrReadOnly)
	require.NoError(t, ro.Close())

	rw, err := Open(path, pagemanager.ModeWrite, WithPageSize(testPageSize))
	require.NoError(t, err)
	defer rw.Close()
	rid, err := rw.Append(3, "b")
	require.NoError(t, err)
	require.Equal(t, pagemanager.RecordID{PageID: 1, SlotID: 1}, rid)
	require.Equal(t, pagemanager.RecordID{PageID: 2, SlotID: 0}, rw.EndRecordID())

	var keys []int32
	require.NoError(t, rw.Scan(context.Background(), func(_ pagemanager.RecordID, key int32, _ string) bool {
		keys = append(keys, key)
		return true
	}))
	require.Equal(t, []int32{0, 1, 2, 3}, keys)
}

func TestRecordFile_ScanStopsEarly(t *testing.T) {
	rf, _ := setupRecordFile(t)
	for i := int32(0); i < 6; i++ {
		_, err := rf.Append(i, "v")
		require.NoError(t, err)
	}
	seen := 0
	require.NoError(t, rf.Scan(context.Background(), func(pagemanager.RecordID, int32, string) bool {
		seen++
		return seen < 4
	}))
	require.Equal(t, 4, seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, rf.Scan(ctx, func(pagemanager.RecordID, int32, string) bool { return true }), context.Canceled)
}

func TestRecordFile_MissingTable(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "none.tbl"), pagemanager.ModeRead)
	require.ErrorIs(t, err, pagemanager.ErrFileNotFound)
}
