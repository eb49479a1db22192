package btree

import (
	"fmt"
	"strings"

	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

// LevelStats counts the nodes and keys on one level of the tree.
type LevelStats struct {
	Nodes int
	Keys  int
}

// TreeStats summarises the shape of the tree. Levels[0] is the root level.
type TreeStats struct {
	RootPageID pagemanager.PageID
	Height     int32
	MaxKeys    int
	Pages      pagemanager.PageID
	Levels     []LevelStats
}

// Entries is the number of (key, RecordID) pairs in the leaves.
func (s TreeStats) Entries() int {
	if len(s.Levels) == 0 {
		return 0
	}
	return s.Levels[len(s.Levels)-1].Keys
}

// Stats walks the whole tree.
func (t *BTreeIndex) Stats() (TreeStats, error) {
	if t.pf == nil {
		return TreeStats{}, fmt.Errorf("%w: index is closed", ErrInvalidState)
	}
	stats := TreeStats{
		RootPageID: t.rootPageID,
		Height:     t.treeHeight,
		MaxKeys:    t.maxKeys,
		Pages:      t.pf.EndPageID(),
		Levels:     make([]LevelStats, t.treeHeight),
	}
	if t.treeHeight == 0 {
		return stats, nil
	}
	err := t.walk(t.rootPageID, 1, func(level int32, keys int) {
		stats.Levels[level-1].Nodes++
		stats.Levels[level-1].Keys += keys
	})
	return stats, err
}

// walk visits every node under pid in depth-first order.
func (t *BTreeIndex) walk(pid pagemanager.PageID, level int32, visit func(level int32, keys int)) error {
	if level == t.treeHeight {
		leaf := NewLeafNode(t.maxKeys)
		if err := leaf.Read(pid, t.pf); err != nil {
			return err
		}
		visit(level, leaf.KeyCount())
		return nil
	}
	node := NewNonLeafNode(t.maxKeys)
	if err := node.Read(pid, t.pf); err != nil {
		return err
	}
	visit(level, node.KeyCount())
	for i := 0; i <= node.KeyCount(); i++ {
		child, err := node.ChildAt(i)
		if err != nil {
			return err
		}
		if err := t.walk(child, level+1, visit); err != nil {
			return err
		}
	}
	return nil
}

// String renders the tree one node per line, indented by depth, for debugging.
func (t *BTreeIndex) String() string {
	if t.pf == nil {
		return "BTreeIndex (closed)\n"
	}
	if t.treeHeight == 0 {
		return "BTreeIndex (empty)\n"
	}
	var sb strings.Builder
	if err := t.stringRecursive(&sb, t.rootPageID, 1); err != nil {
		fmt.Fprintf(&sb, "error: %v\n", err)
	}
	return sb.String()
}

func (t *BTreeIndex) stringRecursive(sb *strings.Builder, pid pagemanager.PageID, level int32) error {
	indent := strings.Repeat("  ", int(level-1))
	if level == t.treeHeight {
		leaf := NewLeafNode(t.maxKeys)
		if err := leaf.Read(pid, t.pf); err != nil {
			return fmt.Errorf("reading leaf %d: %w", pid, err)
		}
		fmt.Fprintf(sb, "%sleaf %d (keys: %d, next: %d) %v\n", indent, pid, leaf.KeyCount(), leaf.NextSibling(), leaf.keys)
		return nil
	}

	node := NewNonLeafNode(t.maxKeys)
	if err := node.Read(pid, t.pf); err != nil {
		return fmt.Errorf("reading node %d: %w", pid, err)
	}
	fmt.Fprintf(sb, "%snode %d (keys: %d) %v\n", indent, pid, node.KeyCount(), node.keys)
	for i := 0; i <= node.KeyCount(); i++ {
		child, err := node.ChildAt(i)
		if err != nil {
			return err
		}
		if err := t.stringRecursive(sb, child, level+1); err != nil {
			return err
		}
	}
	return nil
}
