package btree

import (
	"fmt"
	"slices"
	"sort"

	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

// LeafNode is the in-memory form of a leaf page: sorted (key, RecordID) entries and the
// page id of the next leaf to the right. It lives only for the duration of one operation.
type LeafNode struct {
	capacity int
	keys     []Key
	rids     []pagemanager.RecordID
	next     pagemanager.PageID
}

// NewLeafNode returns an empty leaf that holds at most capacity entries.
func NewLeafNode(capacity int) *LeafNode {
	return &LeafNode{
		capacity: capacity,
		keys:     make([]Key, 0, capacity+1),
		rids:     make([]pagemanager.RecordID, 0, capacity+1),
		next:     pagemanager.InvalidPageID,
	}
}

// Read loads the leaf stored in page pid.
func (n *LeafNode) Read(pid pagemanager.PageID, pf *pagemanager.PageFile) error {
	buf := make([]byte, pf.PageSize())
	if err := pf.Read(pid, buf); err != nil {
		return err
	}
	return decodeLeaf(buf, pid, n)
}

// Write stores the leaf in page pid.
func (n *LeafNode) Write(pid pagemanager.PageID, pf *pagemanager.PageFile) error {
	buf := make([]byte, pf.PageSize())
	if err := encodeLeaf(buf, n); err != nil {
		return err
	}
	return pf.Write(pid, buf)
}

func (n *LeafNode) KeyCount() int { return len(n.keys) }
func (n *LeafNode) Capacity() int { return n.capacity }

func (n *LeafNode) NextSibling() pagemanager.PageID       { return n.next }
func (n *LeafNode) SetNextSibling(pid pagemanager.PageID) { n.next = pid }

// upperBound is the index of the first entry with a key greater than key. New entries go
// there, so equal keys keep their insertion order.
func (n *LeafNode) upperBound(key Key) int {
	return sort.Search(len(n.keys), func(i int) bool { return n.keys[i] > key })
}

// Insert adds (key, rid) in key order. It returns ErrNodeFull when the leaf is at capacity.
func (n *LeafNode) Insert(key Key, rid pagemanager.RecordID) error {
	if len(n.keys) >= n.capacity {
		return ErrNodeFull
	}
	pos := n.upperBound(key)
	n.keys = slices.Insert(n.keys, pos, key)
	n.rids = slices.Insert(n.rids, pos, rid)
	return nil
}

// InsertAndSplit inserts (key, rid) into a full leaf and moves the upper half of the
// entries into sibling, which must be empty. The left node keeps the ceiling half. It
// returns the first key of sibling, the separator the parent must receive.
//
// The sibling inherits this node's next pointer. The caller links this node to the
// sibling once the sibling has a page id.
func (n *LeafNode) InsertAndSplit(key Key, rid pagemanager.RecordID, sibling *LeafNode) (Key, error) {
	if sibling.KeyCount() != 0 {
		return 0, fmt.Errorf("%w: split sibling holds %d entries", ErrInvalidState, sibling.KeyCount())
	}
	if len(n.keys) == 0 {
		return 0, fmt.Errorf("%w: cannot split an empty leaf", ErrInvalidState)
	}

	pos := n.upperBound(key)
	n.keys = slices.Insert(n.keys, pos, key)
	n.rids = slices.Insert(n.rids, pos, rid)

	left := (len(n.keys) + 1) / 2
	sibling.keys = append(sibling.keys[:0], n.keys[left:]...)
	sibling.rids = append(sibling.rids[:0], n.rids[left:]...)
	n.keys = n.keys[:left]
	n.rids = n.rids[:left]

	sibling.next = n.next
	return sibling.keys[0], nil
}

// Locate finds the first entry whose key equals searchKey. When there is none it returns
// the index of the first larger key (the insertion point) together with ErrNotFound.
func (n *LeafNode) Locate(searchKey Key) (int, error) {
	eid, found := slices.BinarySearch(n.keys, searchKey)
	if !found {
		return eid, ErrNotFound
	}
	return eid, nil
}

// ReadEntry returns the entry at eid.
func (n *LeafNode) ReadEntry(eid int) (Key, pagemanager.RecordID, error) {
	if eid < 0 || eid >= len(n.keys) {
		return 0, pagemanager.RecordID{}, fmt.Errorf("%w: entry %d of %d", ErrOutOfRange, eid, len(n.keys))
	}
	return n.keys[eid], n.rids[eid], nil
}
