package btree

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

// Key is the indexed attribute.
type Key = int32

// --- Error Definitions ---

var (
	ErrNodeFull         = errors.New("node is full")
	ErrNotFound         = errors.New("key not found")
	ErrInvalidState     = errors.New("invalid index state")
	ErrOutOfRange       = errors.New("entry index out of range")
	ErrEndOfScan        = errors.New("end of index scan")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
)

// promotion is what a split hands to the parent level: the separator and the page id of
// the new right sibling.
type promotion struct {
	key Key
	pid pagemanager.PageID
}

// BTreeIndex is a B+Tree of (Key, RecordID) entries stored in a page file. Page 0 holds
// the metadata; nodes are read from the file on every visit and never cached.
//
// A BTreeIndex is not safe for concurrent use.
type BTreeIndex struct {
	pf         *pagemanager.PageFile
	rootPageID pagemanager.PageID
	treeHeight int32
	maxKeys    int

	logger        *zap.Logger
	splits        metric.Int64Counter
	heightGrowths metric.Int64Counter
}

type options struct {
	pageSize int
	maxKeys  int
	logger   *zap.Logger
	meter    metric.Meter
}

// Option configures Open.
type Option func(*options)

// WithPageSize sets the page size of a new index file. An existing file must match it.
func WithPageSize(size int) Option {
	return func(o *options) { o.pageSize = size }
}

// WithMaxKeys lowers the node capacity below what the page size allows.
func WithMaxKeys(n int) Option {
	return func(o *options) { o.maxKeys = n }
}

// WithLogger sets the logger for open, close, split and root growth events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter sets the meter for split and page counters.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// Open opens the index file name. In write mode a missing file is created and its
// metadata page written straight away; in read mode the file must exist and hold one.
func Open(name string, mode pagemanager.Mode, opts ...Option) (*BTreeIndex, error) {
	o := options{pageSize: pagemanager.DefaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.meter == nil {
		o.meter = noop.NewMeterProvider().Meter("")
	}

	pageLimit := MaxNodeKeys(o.pageSize)
	explicitMaxKeys := o.maxKeys != 0
	if !explicitMaxKeys {
		o.maxKeys = pageLimit
	}
	if o.maxKeys < minNodeKeys || o.maxKeys > pageLimit {
		return nil, fmt.Errorf("%w: node capacity %d outside [%d, %d] for page size %d",
			ErrInvalidState, o.maxKeys, minNodeKeys, pageLimit, o.pageSize)
	}

	pf, err := pagemanager.OpenPageFile(name, mode,
		pagemanager.WithPageSize(o.pageSize),
		pagemanager.WithLogger(o.logger),
		pagemanager.WithMeter(o.meter))
	if err != nil {
		return nil, err
	}

	t := &BTreeIndex{
		pf:         pf,
		rootPageID: pagemanager.InvalidPageID,
		maxKeys:    o.maxKeys,
		logger:     o.logger.With(zap.String("index", name)),
	}
	if t.splits, err = o.meter.Int64Counter("aplustree.node.splits",
		metric.WithDescription("Node splits, by node kind")); err != nil {
		pf.Close()
		return nil, fmt.Errorf("creating node.splits counter: %w", err)
	}
	if t.heightGrowths, err = o.meter.Int64Counter("aplustree.tree.height_growths",
		metric.WithDescription("Root splits that grew the tree by one level")); err != nil {
		pf.Close()
		return nil, fmt.Errorf("creating tree.height_growths counter: %w", err)
	}

	if pf.EndPageID() == 0 {
		if mode != pagemanager.ModeWrite {
			pf.Close()
			return nil, fmt.Errorf("%w: index file %s has no metadata page", ErrInvalidState, name)
		}
		if err := t.writeMeta(); err != nil {
			pf.Close()
			return nil, err
		}
		t.logger.Info("created index", zap.Int("max_keys", t.maxKeys), zap.Int("page_size", o.pageSize))
		return t, nil
	}

	if err := t.readMeta(explicitMaxKeys); err != nil {
		pf.Close()
		return nil, err
	}
	t.logger.Info("opened index",
		zap.Stringer("mode", mode),
		zap.Int32("root_page_id", int32(t.rootPageID)),
		zap.Int32("height", t.treeHeight),
		zap.Int("max_keys", t.maxKeys))
	return t, nil
}

func (t *BTreeIndex) readMeta(explicitMaxKeys bool) error {
	buf := make([]byte, t.pf.PageSize())
	if err := t.pf.Read(pagemanager.MetadataPageID, buf); err != nil {
		return err
	}
	meta, err := decodeMeta(buf)
	if err != nil {
		return err
	}
	if meta.pageSize != t.pf.PageSize() {
		return fmt.Errorf("%w: index was written with page size %d, opened with %d",
			ErrInvalidState, meta.pageSize, t.pf.PageSize())
	}
	if meta.maxKeys != t.maxKeys {
		// Without WithMaxKeys the capacity is taken from the file.
		if explicitMaxKeys {
			return fmt.Errorf("%w: index was written with node capacity %d, opened with %d",
				ErrInvalidState, meta.maxKeys, t.maxKeys)
		}
		if meta.maxKeys < minNodeKeys || meta.maxKeys > MaxNodeKeys(meta.pageSize) {
			return fmt.Errorf("%w: stored node capacity %d is invalid", ErrInvalidState, meta.maxKeys)
		}
		t.maxKeys = meta.maxKeys
	}
	if meta.rootPageID == pagemanager.MetadataPageID || meta.rootPageID >= t.pf.EndPageID() {
		return fmt.Errorf("%w: root page %d outside file of %d pages", ErrInvalidState, meta.rootPageID, t.pf.EndPageID())
	}
	t.rootPageID = meta.rootPageID
	t.treeHeight = meta.height
	return nil
}

func (t *BTreeIndex) writeMeta() error {
	buf := make([]byte, t.pf.PageSize())
	encodeMeta(buf, indexMeta{
		rootPageID: t.rootPageID,
		height:     t.treeHeight,
		pageSize:   t.pf.PageSize(),
		maxKeys:    t.maxKeys,
	})
	return t.pf.Write(pagemanager.MetadataPageID, buf)
}

// Close flushes the metadata (write mode only, also for an empty tree) and closes the file.
func (t *BTreeIndex) Close() error {
	if t.pf == nil {
		return nil
	}
	var metaErr error
	if t.pf.Mode() == pagemanager.ModeWrite {
		metaErr = t.writeMeta()
	}
	closeErr := t.pf.Close()
	t.pf = nil
	t.logger.Info("closed index", zap.Int32("root_page_id", int32(t.rootPageID)), zap.Int32("height", t.treeHeight))
	return errors.Join(metaErr, closeErr)
}

// RootPageID returns the root page, or InvalidPageID for an empty tree.
func (t *BTreeIndex) RootPageID() pagemanager.PageID { return t.rootPageID }

// TreeHeight returns the number of levels; 0 for an empty tree, 1 when the root is a leaf.
func (t *BTreeIndex) TreeHeight() int32 { return t.treeHeight }

// MaxKeys returns the node capacity.
func (t *BTreeIndex) MaxKeys() int { return t.maxKeys }

// Insert adds (key, rid). Duplicate keys are kept, after existing equal keys.
func (t *BTreeIndex) Insert(key Key, rid pagemanager.RecordID) error {
	if t.pf == nil {
		return fmt.Errorf("%w: index is closed", ErrInvalidState)
	}
	if t.treeHeight == 0 {
		leaf := NewLeafNode(t.maxKeys)
		if err := leaf.Insert(key, rid); err != nil {
			return err
		}
		pid := t.pf.EndPageID()
		if err := leaf.Write(pid, t.pf); err != nil {
			return err
		}
		t.rootPageID = pid
		t.treeHeight = 1
		return t.writeMeta()
	}

	promo, err := t.insertHelper(key, rid, t.rootPageID, 1)
	if err != nil {
		return err
	}
	if promo == nil {
		return nil
	}
	return t.growRoot(promo)
}

// insertHelper inserts into the subtree rooted at pid, which sits at level (1 is the root,
// treeHeight the leaves). A non-nil promotion must be absorbed by the caller.
func (t *BTreeIndex) insertHelper(key Key, rid pagemanager.RecordID, pid pagemanager.PageID, level int32) (*promotion, error) {
	if level == t.treeHeight {
		return t.insertIntoLeaf(key, rid, pid)
	}

	node := NewNonLeafNode(t.maxKeys)
	if err := node.Read(pid, t.pf); err != nil {
		return nil, err
	}
	idx := node.childIndex(key)
	child, err := node.ChildAt(idx)
	if err != nil {
		return nil, err
	}
	promo, err := t.insertHelper(key, rid, child, level+1)
	if err != nil || promo == nil {
		return nil, err
	}

	err = node.insertAt(idx, promo.key, promo.pid)
	if err == nil {
		return nil, node.Write(pid, t.pf)
	}
	if !errors.Is(err, ErrNodeFull) {
		return nil, err
	}

	sibling := NewNonLeafNode(t.maxKeys)
	midKey, err := node.insertAndSplitAt(idx, promo.key, promo.pid, sibling)
	if err != nil {
		return nil, err
	}
	sibPid := t.pf.EndPageID()
	if err := sibling.Write(sibPid, t.pf); err != nil {
		return nil, err
	}
	if err := node.Write(pid, t.pf); err != nil {
		return nil, err
	}
	t.splits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "internal")))
	t.logger.Debug("split internal node",
		zap.Int32("page_id", int32(pid)),
		zap.Int32("sibling_page_id", int32(sibPid)),
		zap.Int32("promoted_key", midKey),
		zap.Int32("level", level))
	return &promotion{key: midKey, pid: sibPid}, nil
}

func (t *BTreeIndex) insertIntoLeaf(key Key, rid pagemanager.RecordID, pid pagemanager.PageID) (*promotion, error) {
	leaf := NewLeafNode(t.maxKeys)
	if err := leaf.Read(pid, t.pf); err != nil {
		return nil, err
	}
	err := leaf.Insert(key, rid)
	if err == nil {
		return nil, leaf.Write(pid, t.pf)
	}
	if !errors.Is(err, ErrNodeFull) {
		return nil, err
	}

	sibling := NewLeafNode(t.maxKeys)
	sepKey, err := leaf.InsertAndSplit(key, rid, sibling)
	if err != nil {
		return nil, err
	}
	// The sibling goes to disk first so the chain never points at an unwritten page.
	sibPid := t.pf.EndPageID()
	if err := sibling.Write(sibPid, t.pf); err != nil {
		return nil, err
	}
	leaf.SetNextSibling(sibPid)
	if err := leaf.Write(pid, t.pf); err != nil {
		return nil, err
	}
	t.splits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "leaf")))
	t.logger.Debug("split leaf",
		zap.Int32("page_id", int32(pid)),
		zap.Int32("sibling_page_id", int32(sibPid)),
		zap.Int32("separator", sepKey))
	return &promotion{key: sepKey, pid: sibPid}, nil
}

// growRoot puts a new root above the old one after the old root split.
func (t *BTreeIndex) growRoot(promo *promotion) error {
	root := NewNonLeafNode(t.maxKeys)
	root.InitializeRoot(t.rootPageID, promo.key, promo.pid)
	pid := t.pf.EndPageID()
	if err := root.Write(pid, t.pf); err != nil {
		return err
	}
	old := t.rootPageID
	t.rootPageID = pid
	t.treeHeight++
	if err := t.writeMeta(); err != nil {
		return err
	}
	t.heightGrowths.Add(context.Background(), 1)
	t.logger.Info("tree height increased",
		zap.Int32("old_root_page_id", int32(old)),
		zap.Int32("root_page_id", int32(pid)),
		zap.Int32("height", t.treeHeight))
	return nil
}
