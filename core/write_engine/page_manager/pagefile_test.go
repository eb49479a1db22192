package pagemanager

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPageSize = 256

// openTestPageFile creates a fresh page file in a temporary directory.
func openTestPageFile(t *testing.T) (*PageFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.idx")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	pf, err := OpenPageFile(path, ModeWrite, WithPageSize(testPageSize), WithLogger(logger))
	require.NoError(t, err)
	return pf, path
}

func filledPage(b byte) []byte {
	return bytes.Repeat([]byte{b}, testPageSize)
}

func TestPageFile_ReadModeMissingFile(t *testing.T) {
	_, err := OpenPageFile(filepath.Join(t.TempDir(), "missing.idx"), ModeRead)
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestPageFile_AppendOnlyAllocation(t *testing.T) {
	pf, _ := openTestPageFile(t)
	defer pf.Close()

	require.Equal(t, PageID(0), pf.EndPageID(), "new file has no pages")

	for i := 0; i < 3; i++ {
		pid := pf.EndPageID()
		require.NoError(t, pf.Write(pid, filledPage(byte(i+1))))
		require.Equal(t, pid+1, pf.EndPageID())
	}

	// Overwriting an existing page does not allocate.
	require.NoError(t, pf.Write(1, filledPage(9)))
	require.Equal(t, PageID(3), pf.EndPageID())

	buf := make([]byte, testPageSize)
	require.NoError(t, pf.Read(1, buf))
	require.Equal(t, filledPage(9), buf)
}

func TestPageFile_ReadOutOfRange(t *testing.T) {
	pf, _ := openTestPageFile(t)
	defer pf.Close()

	buf := make([]byte, testPageSize)
	require.ErrorIs(t, pf.Read(0, buf), ErrIO)
	require.ErrorIs(t, pf.Read(-1, buf), ErrIO)

	require.NoError(t, pf.Write(0, filledPage(1)))
	require.NoError(t, pf.Read(0, buf))
	require.ErrorIs(t, pf.Read(1, buf), ErrIO)
}

func TestPageFile_BufferSizeMismatch(t *testing.T) {
	pf, _ := openTestPageFile(t)
	defer pf.Close()

	require.ErrorIs(t, pf.Write(0, make([]byte, testPageSize-1)), ErrIO)
	require.NoError(t, pf.Write(0, filledPage(1)))
	require.ErrorIs(t, pf.Read(0, make([]byte, testPageSize+1)), ErrIO)
}

func TestPageFile_ReopenReadMode(t *testing.T) {
	pf, path := openTestPageFile(t)
	require.NoError(t, pf.Write(0, filledPage(7)))
	require.NoError(t, pf.Write(1, filledPage(8)))
	require.NoError(t, pf.Close())
	require.NoError(t, pf.Close(), "second close is a no-op")

	ro, err := OpenPageFile(path, ModeRead, WithPageSize(testPageSize))
	require.NoError(t, err)
	defer ro.Close()

	require.Equal(t, PageID(2), ro.EndPageID())
	buf := make([]byte, testPageSize)
	require.NoError(t, ro.Read(1, buf))
	require.Equal(t, filledPage(8), buf)

	err = ro.Write(2, filledPage(1))
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestPageFile_PageSizeMismatchOnReopen(t *testing.T) {
	pf, path := openTestPageFile(t)
	require.NoError(t, pf.Write(0, filledPage(1)))
	require.NoError(t, pf.Close())

	_, err := OpenPageFile(path, ModeRead, WithPageSize(testPageSize*3))
	require.ErrorIs(t, err, ErrIO)
}

func TestRecordID_NextAndLess(t *testing.T) {
	rid := RecordID{PageID: 0, SlotID: 2}
	next := rid.Next(3)
	require.Equal(t, RecordID{PageID: 1, SlotID: 0}, next)
	require.True(t, rid.Less(next))
	require.False(t, next.Less(rid))
	require.Equal(t, RecordID{PageID: 1, SlotID: 1}, next.Next(3))
}
