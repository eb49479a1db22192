package btree

import (
	"errors"
	"fmt"

	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

// IndexCursor is a resumable scan position: a leaf page and an entry index inside it.
// A cursor on InvalidPageID is past the end of the leaf chain.
type IndexCursor struct {
	PageID  pagemanager.PageID
	EntryID int
}

// Done reports whether the cursor is past the last leaf.
func (c IndexCursor) Done() bool { return !c.PageID.IsValid() }

func (c IndexCursor) String() string {
	return fmt.Sprintf("(%d, %d)", c.PageID, c.EntryID)
}

// Locate positions a cursor at the first entry with key searchKey. When no entry matches,
// the cursor is left on the first larger key and ErrNotFound is returned; the cursor can
// still be used to scan keys at or after searchKey.
func (t *BTreeIndex) Locate(searchKey Key) (IndexCursor, error) {
	end := IndexCursor{PageID: pagemanager.InvalidPageID}
	if t.pf == nil {
		return end, fmt.Errorf("%w: index is closed", ErrInvalidState)
	}
	if t.treeHeight == 0 {
		return end, ErrNotFound
	}

	pid := t.rootPageID
	node := NewNonLeafNode(t.maxKeys)
	for level := int32(1); level < t.treeHeight; level++ {
		if err := node.Read(pid, t.pf); err != nil {
			return end, err
		}
		child, err := node.lowerChildPtr(searchKey)
		if err != nil {
			return end, err
		}
		pid = child
	}

	leaf := NewLeafNode(t.maxKeys)
	if err := leaf.Read(pid, t.pf); err != nil {
		return end, err
	}
	eid, locateErr := leaf.Locate(searchKey)
	if locateErr != nil && !errors.Is(locateErr, ErrNotFound) {
		return end, locateErr
	}
	if eid < leaf.KeyCount() {
		return IndexCursor{PageID: pid, EntryID: eid}, locateErr
	}

	// Every key here is smaller than searchKey; the answer starts in a later leaf.
	for next := leaf.NextSibling(); next.IsValid(); next = leaf.NextSibling() {
		if err := leaf.Read(next, t.pf); err != nil {
			return end, err
		}
		if leaf.KeyCount() == 0 {
			continue
		}
		cursor := IndexCursor{PageID: next}
		if k, _, _ := leaf.ReadEntry(0); k == searchKey {
			return cursor, nil
		}
		return cursor, ErrNotFound
	}
	return end, ErrNotFound
}

// First positions a cursor at the smallest key.
func (t *BTreeIndex) First() (IndexCursor, error) {
	end := IndexCursor{PageID: pagemanager.InvalidPageID}
	if t.pf == nil {
		return end, fmt.Errorf("%w: index is closed", ErrInvalidState)
	}
	if t.treeHeight == 0 {
		return end, nil
	}
	pid := t.rootPageID
	node := NewNonLeafNode(t.maxKeys)
	for level := int32(1); level < t.treeHeight; level++ {
		if err := node.Read(pid, t.pf); err != nil {
			return end, err
		}
		child, err := node.ChildAt(0)
		if err != nil {
			return end, err
		}
		pid = child
	}
	return IndexCursor{PageID: pid}, nil
}

// ReadForward returns the entry under cursor and moves cursor to the next entry, following
// the leaf chain. ErrEndOfScan means there are no more entries.
func (t *BTreeIndex) ReadForward(cursor *IndexCursor) (Key, pagemanager.RecordID, error) {
	if t.pf == nil {
		return 0, pagemanager.RecordID{}, fmt.Errorf("%w: index is closed", ErrInvalidState)
	}
	leaf := NewLeafNode(t.maxKeys)
	for {
		if cursor.Done() {
			return 0, pagemanager.RecordID{}, ErrEndOfScan
		}
		if err := leaf.Read(cursor.PageID, t.pf); err != nil {
			return 0, pagemanager.RecordID{}, err
		}
		if cursor.EntryID < leaf.KeyCount() {
			break
		}
		cursor.PageID, cursor.EntryID = leaf.NextSibling(), 0
	}

	key, rid, err := leaf.ReadEntry(cursor.EntryID)
	if err != nil {
		return 0, pagemanager.RecordID{}, err
	}
	if cursor.EntryID == leaf.KeyCount()-1 {
		cursor.PageID, cursor.EntryID = leaf.NextSibling(), 0
	} else {
		cursor.EntryID++
	}
	return key, rid, nil
}
