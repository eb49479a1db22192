package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

// --- Page Layout ---
//
// Node page (leaf and non-leaf):
//
//	[0]            1 byte   node kind (nodeKindLeaf / nodeKindNonLeaf)
//	[1]            1 byte   reserved
//	[2-3]          2 bytes  occupied entry count
//	[4-7]          4 bytes  leaf: next sibling page id; non-leaf: leading child page id
//	[8..]                   entries
//	                          leaf:     key int32 | rid.PageID int32 | rid.SlotID int32
//	                          non-leaf: key int32 | right child page id int32
//	[size-4..size) 4 bytes  CRC32 over [0, size-4)
//
// Metadata page (page 0):
//
//	[0-3]   root page id
//	[4-7]   tree height
//	[8-11]  magic
//	[12-15] format version
//	[16-19] page size
//	[20-23] node capacity

const (
	nodeKindLeaf    byte = 1
	nodeKindNonLeaf byte = 2

	offNodeKind    = 0
	offNodeCount   = 2
	offNodeLink    = 4
	offNodeEntries = 8
	nodeHeaderSize = offNodeEntries

	checksumSize = 4

	keySize          = 4
	pageIDSize       = 4
	recordIDSize     = 8
	leafEntrySize    = keySize + recordIDSize
	nonLeafEntrySize = keySize + pageIDSize

	offMetaRoot     = 0
	offMetaHeight   = 4
	offMetaMagic    = 8
	offMetaVersion  = 12
	offMetaPageSize = 16
	offMetaMaxKeys  = 20

	IndexMagic   uint32 = 0x42505431 // "BPT1"
	indexVersion uint32 = 1

	minNodeKeys = 3
)

// MaxNodeKeys is the node capacity a page of pageSize bytes can hold. Both node kinds use
// it; the leaf entry is the wider one, so a non-leaf node of the same capacity always fits.
func MaxNodeKeys(pageSize int) int {
	return (pageSize - nodeHeaderSize - checksumSize) / leafEntrySize
}

type nodeHeader struct {
	kind  byte
	count int
	link  pagemanager.PageID
}

func putNodeHeader(buf []byte, h nodeHeader) {
	buf[offNodeKind] = h.kind
	buf[offNodeKind+1] = 0
	binary.LittleEndian.PutUint16(buf[offNodeCount:], uint16(h.count))
	binary.LittleEndian.PutUint32(buf[offNodeLink:], uint32(h.link))
}

func getNodeHeader(buf []byte) nodeHeader {
	return nodeHeader{
		kind:  buf[offNodeKind],
		count: int(binary.LittleEndian.Uint16(buf[offNodeCount:])),
		link:  pagemanager.PageID(int32(binary.LittleEndian.Uint32(buf[offNodeLink:]))),
	}
}

func putInt32(buf []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(buf[off:], uint32(v))
}

func getInt32(buf []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[off:]))
}

// sealPage stamps the checksum over everything before it.
func sealPage(buf []byte) {
	end := len(buf) - checksumSize
	binary.LittleEndian.PutUint32(buf[end:], crc32.ChecksumIEEE(buf[:end]))
}

func verifyPage(buf []byte, pid pagemanager.PageID) error {
	end := len(buf) - checksumSize
	stored := binary.LittleEndian.Uint32(buf[end:])
	calculated := crc32.ChecksumIEEE(buf[:end])
	if stored != calculated {
		return fmt.Errorf("%w: stored=0x%x, calculated=0x%x for page %d", ErrChecksumMismatch, stored, calculated, pid)
	}
	return nil
}

// encodeLeaf writes a leaf node into buf, which must be a whole page.
func encodeLeaf(buf []byte, n *LeafNode) error {
	if len(n.keys) > MaxNodeKeys(len(buf)) {
		return fmt.Errorf("%w: leaf with %d entries does not fit a %d byte page", ErrInvalidState, len(n.keys), len(buf))
	}
	clear(buf)
	putNodeHeader(buf, nodeHeader{kind: nodeKindLeaf, count: len(n.keys), link: n.next})
	off := offNodeEntries
	for i, k := range n.keys {
		putInt32(buf, off, k)
		putInt32(buf, off+keySize, int32(n.rids[i].PageID))
		putInt32(buf, off+keySize+pageIDSize, n.rids[i].SlotID)
		off += leafEntrySize
	}
	sealPage(buf)
	return nil
}

// decodeLeaf replaces the contents of n with the leaf stored in buf.
func decodeLeaf(buf []byte, pid pagemanager.PageID, n *LeafNode) error {
	if err := verifyPage(buf, pid); err != nil {
		return err
	}
	h := getNodeHeader(buf)
	if h.kind != nodeKindLeaf {
		return fmt.Errorf("%w: page %d holds node kind %d, want leaf", ErrInvalidState, pid, h.kind)
	}
	if h.count > n.capacity || h.count > MaxNodeKeys(len(buf)) {
		return fmt.Errorf("%w: page %d holds %d entries, capacity is %d", ErrInvalidState, pid, h.count, n.capacity)
	}
	n.keys = n.keys[:0]
	n.rids = n.rids[:0]
	off := offNodeEntries
	for i := 0; i < h.count; i++ {
		n.keys = append(n.keys, getInt32(buf, off))
		n.rids = append(n.rids, pagemanager.RecordID{
			PageID: pagemanager.PageID(getInt32(buf, off+keySize)),
			SlotID: getInt32(buf, off+keySize+pageIDSize),
		})
		off += leafEntrySize
	}
	n.next = h.link
	return nil
}

// encodeNonLeaf writes a non-leaf node into buf, which must be a whole page.
func encodeNonLeaf(buf []byte, n *NonLeafNode) error {
	if len(n.keys) > MaxNodeKeys(len(buf)) {
		return fmt.Errorf("%w: non-leaf with %d keys does not fit a %d byte page", ErrInvalidState, len(n.keys), len(buf))
	}
	clear(buf)
	putNodeHeader(buf, nodeHeader{kind: nodeKindNonLeaf, count: len(n.keys), link: n.first})
	off := offNodeEntries
	for i, k := range n.keys {
		putInt32(buf, off, k)
		putInt32(buf, off+keySize, int32(n.children[i]))
		off += nonLeafEntrySize
	}
	sealPage(buf)
	return nil
}

// decodeNonLeaf replaces the contents of n with the non-leaf node stored in buf.
func decodeNonLeaf(buf []byte, pid pagemanager.PageID, n *NonLeafNode) error {
	if err := verifyPage(buf, pid); err != nil {
		return err
	}
	h := getNodeHeader(buf)
	if h.kind != nodeKindNonLeaf {
		return fmt.Errorf("%w: page %d holds node kind %d, want non-leaf", ErrInvalidState, pid, h.kind)
	}
	if h.count > n.capacity || h.count > MaxNodeKeys(len(buf)) {
		return fmt.Errorf("%w: page %d holds %d keys, capacity is %d", ErrInvalidState, pid, h.count, n.capacity)
	}
	n.keys = n.keys[:0]
	n.children = n.children[:0]
	off := offNodeEntries
	for i := 0; i < h.count; i++ {
		n.keys = append(n.keys, getInt32(buf, off))
		n.children = append(n.children, pagemanager.PageID(getInt32(buf, off+keySize)))
		off += nonLeafEntrySize
	}
	n.first = h.link
	return nil
}

// indexMeta is the content of the metadata page.
type indexMeta struct {
	rootPageID pagemanager.PageID
	height     int32
	pageSize   int
	maxKeys    int
}

func encodeMeta(buf []byte, m indexMeta) {
	clear(buf)
	putInt32(buf, offMetaRoot, int32(m.rootPageID))
	putInt32(buf, offMetaHeight, m.height)
	binary.LittleEndian.PutUint32(buf[offMetaMagic:], IndexMagic)
	binary.LittleEndian.PutUint32(buf[offMetaVersion:], indexVersion)
	binary.LittleEndian.PutUint32(buf[offMetaPageSize:], uint32(m.pageSize))
	binary.LittleEndian.PutUint32(buf[offMetaMaxKeys:], uint32(m.maxKeys))
}

func decodeMeta(buf []byte) (indexMeta, error) {
	if magic := binary.LittleEndian.Uint32(buf[offMetaMagic:]); magic != IndexMagic {
		return indexMeta{}, fmt.Errorf("%w: invalid index file magic number 0x%x", ErrInvalidState, magic)
	}
	if v := binary.LittleEndian.Uint32(buf[offMetaVersion:]); v != indexVersion {
		return indexMeta{}, fmt.Errorf("%w: unsupported index format version %d", ErrInvalidState, v)
	}
	m := indexMeta{
		rootPageID: pagemanager.PageID(getInt32(buf, offMetaRoot)),
		height:     getInt32(buf, offMetaHeight),
		pageSize:   int(binary.LittleEndian.Uint32(buf[offMetaPageSize:])),
		maxKeys:    int(binary.LittleEndian.Uint32(buf[offMetaMaxKeys:])),
	}
	if m.height < 0 || (m.height == 0) != (m.rootPageID == pagemanager.InvalidPageID) {
		return indexMeta{}, fmt.Errorf("%w: inconsistent root %d and height %d", ErrInvalidState, m.rootPageID, m.height)
	}
	return m, nil
}
