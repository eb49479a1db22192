package btree

import (
	"fmt"
	"slices"
	"sort"

	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

// NonLeafNode is the in-memory form of an internal page. Separator keys[i] routes to
// children[i], the subtree on its right; first is the subtree left of every separator.
type NonLeafNode struct {
	capacity int
	first    pagemanager.PageID
	keys     []Key
	children []pagemanager.PageID
}

// NewNonLeafNode returns an empty internal node holding at most capacity keys.
func NewNonLeafNode(capacity int) *NonLeafNode {
	return &NonLeafNode{
		capacity: capacity,
		first:    pagemanager.InvalidPageID,
		keys:     make([]Key, 0, capacity+1),
		children: make([]pagemanager.PageID, 0, capacity+1),
	}
}

// Read loads the node stored in page pid.
func (n *NonLeafNode) Read(pid pagemanager.PageID, pf *pagemanager.PageFile) error {
	buf := make([]byte, pf.PageSize())
	if err := pf.Read(pid, buf); err != nil {
		return err
	}
	return decodeNonLeaf(buf, pid, n)
}

// Write stores the node in page pid.
func (n *NonLeafNode) Write(pid pagemanager.PageID, pf *pagemanager.PageFile) error {
	buf := make([]byte, pf.PageSize())
	if err := encodeNonLeaf(buf, n); err != nil {
		return err
	}
	return pf.Write(pid, buf)
}

func (n *NonLeafNode) KeyCount() int { return len(n.keys) }
func (n *NonLeafNode) Capacity() int { return n.capacity }

func (n *NonLeafNode) isEmpty() bool {
	return len(n.keys) == 0 && n.first == pagemanager.InvalidPageID
}

// ChildAt returns the i-th child pointer; a node with k keys has children 0..k.
func (n *NonLeafNode) ChildAt(i int) (pagemanager.PageID, error) {
	if n.first == pagemanager.InvalidPageID || i < 0 || i > len(n.keys) {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: child %d of %d", ErrOutOfRange, i, len(n.keys)+1)
	}
	if i == 0 {
		return n.first, nil
	}
	return n.children[i-1], nil
}

// ReadEntry returns separator i and the child to its right.
func (n *NonLeafNode) ReadEntry(i int) (Key, pagemanager.PageID, error) {
	if i < 0 || i >= len(n.keys) {
		return 0, pagemanager.InvalidPageID, fmt.Errorf("%w: key %d of %d", ErrOutOfRange, i, len(n.keys))
	}
	return n.keys[i], n.children[i], nil
}

// childIndex is the index of the child whose range holds key: the number of separators
// less than or equal to key.
func (n *NonLeafNode) childIndex(key Key) int {
	return sort.Search(len(n.keys), func(i int) bool { return n.keys[i] > key })
}

// Insert adds separator key with pid as its right child, after any equal separators.
func (n *NonLeafNode) Insert(key Key, pid pagemanager.PageID) error {
	return n.insertAt(n.childIndex(key), key, pid)
}

// insertAt places key at separator position pos, with pid as its right child. The tree
// passes the index of the child it descended into, which stays correct when separators
// repeat.
func (n *NonLeafNode) insertAt(pos int, key Key, pid pagemanager.PageID) error {
	if len(n.keys) >= n.capacity {
		return ErrNodeFull
	}
	if pos < 0 || pos > len(n.keys) {
		return fmt.Errorf("%w: insert position %d of %d", ErrOutOfRange, pos, len(n.keys))
	}
	n.keys = slices.Insert(n.keys, pos, key)
	n.children = slices.Insert(n.children, pos, pid)
	return nil
}

// InsertAndSplit inserts (key, pid) into a full node and splits it with sibling, which
// must be empty. The middle key is removed from both halves and returned for the parent.
func (n *NonLeafNode) InsertAndSplit(key Key, pid pagemanager.PageID, sibling *NonLeafNode) (Key, error) {
	return n.insertAndSplitAt(n.childIndex(key), key, pid, sibling)
}

func (n *NonLeafNode) insertAndSplitAt(pos int, key Key, pid pagemanager.PageID, sibling *NonLeafNode) (Key, error) {
	if !sibling.isEmpty() {
		return 0, fmt.Errorf("%w: split sibling holds %d keys", ErrInvalidState, sibling.KeyCount())
	}
	if pos < 0 || pos > len(n.keys) {
		return 0, fmt.Errorf("%w: insert position %d of %d", ErrOutOfRange, pos, len(n.keys))
	}
	if len(n.keys) < 2 {
		return 0, fmt.Errorf("%w: cannot split a node with %d keys", ErrInvalidState, len(n.keys))
	}

	n.keys = slices.Insert(n.keys, pos, key)
	n.children = slices.Insert(n.children, pos, pid)

	mid := len(n.keys) / 2
	midKey := n.keys[mid]
	sibling.first = n.children[mid]
	sibling.keys = append(sibling.keys[:0], n.keys[mid+1:]...)
	sibling.children = append(sibling.children[:0], n.children[mid+1:]...)
	n.keys = n.keys[:mid]
	n.children = n.children[:mid]
	return midKey, nil
}

// LocateChildPtr returns the child to follow for searchKey: the pointer just before the
// first separator greater than searchKey, or the last pointer.
func (n *NonLeafNode) LocateChildPtr(searchKey Key) (pagemanager.PageID, error) {
	if n.first == pagemanager.InvalidPageID {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: node has no children", ErrNotFound)
	}
	return n.ChildAt(n.childIndex(searchKey))
}

// lowerChildPtr returns the child left of any separator equal to searchKey. Searches use
// it so the first of several equal keys is reached even when a split separated them.
func (n *NonLeafNode) lowerChildPtr(searchKey Key) (pagemanager.PageID, error) {
	if n.first == pagemanager.InvalidPageID {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: node has no children", ErrNotFound)
	}
	idx, _ := slices.BinarySearch(n.keys, searchKey)
	return n.ChildAt(idx)
}

// InitializeRoot turns n into a root with one separator and two children.
func (n *NonLeafNode) InitializeRoot(left pagemanager.PageID, key Key, right pagemanager.PageID) {
	n.first = left
	n.keys = append(n.keys[:0], key)
	n.children = append(n.children[:0], right)
}
