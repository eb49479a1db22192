package pagemanager

import (
	"errors"
	"fmt"
)

// --- Page Management ---

const (
	DefaultPageSize        = 4096 // Bytes
	MinPageSize            = 128
	MetadataPageID  PageID = 0  // Page holding the owner's metadata (root pointer, height, ...)
	InvalidPageID   PageID = -1 // Stored on disk to mean "no page"
)

var (
	ErrIO           = errors.New("i/o error")
	ErrFileNotFound = errors.New("page file not found")
	ErrReadOnly     = errors.New("page file opened in read mode")
	ErrClosed       = errors.New("page file is closed")
)

// PageID represents a unique identifier for a page on disk.
// Page ids are allocated append-only and never reused.
type PageID int32

// IsValid reports whether the id can address a page.
func (p PageID) IsValid() bool { return p >= 0 }

// RecordID locates a tuple in a record file: the page and the slot within that page.
type RecordID struct {
	PageID PageID
	SlotID int32
}

// Less orders record ids by page, then slot.
func (r RecordID) Less(o RecordID) bool {
	if r.PageID != o.PageID {
		return r.PageID < o.PageID
	}
	return r.SlotID < o.SlotID
}

// Next returns the id following r when each page holds slotsPerPage slots.
func (r RecordID) Next(slotsPerPage int32) RecordID {
	if r.SlotID+1 >= slotsPerPage {
		return RecordID{PageID: r.PageID + 1, SlotID: 0}
	}
	return RecordID{PageID: r.PageID, SlotID: r.SlotID + 1}
}

func (r RecordID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.SlotID)
}

// Mode selects how a page file is opened.
type Mode byte

const (
	ModeRead  Mode = 'r'
	ModeWrite Mode = 'w'
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("Mode(%q)", byte(m))
	}
}

// ParseMode accepts "r" or "w".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "r":
		return ModeRead, nil
	case "w":
		return ModeWrite, nil
	}
	return 0, fmt.Errorf("unknown page file mode %q", s)
}
