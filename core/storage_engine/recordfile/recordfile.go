// Package recordfile stores (key, value) tuples in fixed-size slots of a page file.
// Tuples are only appended; a RecordID stays valid for the life of the file.
package recordfile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

// MaxValueLength is the longest value a tuple can carry, in bytes.
const MaxValueLength = 100

// Page layout:
//
//	[0-3]  tuple count (int32)
//	[4..]  slots: key int32 | value length uint16 | value [MaxValueLength]byte
const (
	offTupleCount  = 0
	pageHeaderSize = 4

	offSlotKey      = 0
	offSlotValueLen = 4
	offSlotValue    = 6
	slotSize        = offSlotValue + MaxValueLength
)

var (
	ErrValueTooLong    = errors.New("value exceeds maximum length")
	ErrInvalidRecordID = errors.New("invalid record id")
)

// SlotsPerPage is the number of tuples a page of pageSize bytes holds.
func SlotsPerPage(pageSize int) int32 {
	return int32((pageSize - pageHeaderSize) / slotSize)
}

// RecordFile is an append-only tuple heap. It is not safe for concurrent use.
type RecordFile struct {
	pf           *pagemanager.PageFile
	slotsPerPage int32
	end          pagemanager.RecordID
	logger       *zap.Logger
}

type options struct {
	pageOpts []pagemanager.Option
	logger   *zap.Logger
	meter    metric.Meter
}

// Option configures Open.
type Option func(*options)

// WithPageSize sets the page size of the underlying page file.
func WithPageSize(size int) Option {
	return func(o *options) { o.pageOpts = append(o.pageOpts, pagemanager.WithPageSize(size)) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// Open opens the record file name. ModeWrite creates it when missing.
func Open(name string, mode pagemanager.Mode, opts ...Option) (*RecordFile, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	pageOpts := append([]pagemanager.Option{pagemanager.WithLogger(o.logger)}, o.pageOpts...)
	if o.meter != nil {
		pageOpts = append(pageOpts, pagemanager.WithMeter(o.meter))
	}

	pf, err := pagemanager.OpenPageFile(name, mode, pageOpts...)
	if err != nil {
		return nil, err
	}
	rf := &RecordFile{
		pf:           pf,
		slotsPerPage: SlotsPerPage(pf.PageSize()),
		logger:       o.logger.With(zap.String("table", name)),
	}
	if rf.slotsPerPage < 1 {
		pf.Close()
		return nil, fmt.Errorf("page size %d cannot hold a tuple of %d bytes", pf.PageSize(), slotSize)
	}
	if err := rf.loadEnd(); err != nil {
		pf.Close()
		return nil, err
	}
	rf.logger.Debug("record file opened", zap.Stringer("end_rid", rf.end))
	return rf, nil
}

// loadEnd derives the next free slot from the tuple count of the last page.
func (rf *RecordFile) loadEnd() error {
	last := rf.pf.EndPageID() - 1
	if last < 0 {
		rf.end = pagemanager.RecordID{}
		return nil
	}
	page := make([]byte, rf.pf.PageSize())
	if err := rf.pf.Read(last, page); err != nil {
		return err
	}
	count := tupleCount(page)
	if count < 0 || count > rf.slotsPerPage {
		return fmt.Errorf("%w: page %d holds %d tuples, at most %d fit", ErrInvalidRecordID, last, count, rf.slotsPerPage)
	}
	rf.end = pagemanager.RecordID{PageID: last, SlotID: count}
	if count == rf.slotsPerPage {
		rf.end = pagemanager.RecordID{PageID: last + 1}
	}
	return nil
}

func tupleCount(page []byte) int32 {
	return int32(binary.LittleEndian.Uint32(page[offTupleCount:]))
}

func slotOffset(sid int32) int {
	return pageHeaderSize + int(sid)*slotSize
}

// Append stores (key, value) and returns its RecordID.
func (rf *RecordFile) Append(key int32, value string) (pagemanager.RecordID, error) {
	if len(value) > MaxValueLength {
		return pagemanager.RecordID{}, fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLong, len(value), MaxValueLength)
	}

	rid := rf.end
	page := make([]byte, rf.pf.PageSize())
	if rid.SlotID > 0 {
		if err := rf.pf.Read(rid.PageID, page); err != nil {
			return pagemanager.RecordID{}, err
		}
	}

	off := slotOffset(rid.SlotID)
	binary.LittleEndian.PutUint32(page[off+offSlotKey:], uint32(key))
	binary.LittleEndian.PutUint16(page[off+offSlotValueLen:], uint16(len(value)))
	copy(page[off+offSlotValue:off+slotSize], value)
	binary.LittleEndian.PutUint32(page[offTupleCount:], uint32(rid.SlotID+1))

	if err := rf.pf.Write(rid.PageID, page); err != nil {
		return pagemanager.RecordID{}, err
	}
	rf.end = rid.Next(rf.slotsPerPage)
	return rid, nil
}

// Read returns the tuple stored at rid.
func (rf *RecordFile) Read(rid pagemanager.RecordID) (int32, string, error) {
	if rid.PageID < 0 || rid.PageID >= rf.pf.EndPageID() || rid.SlotID < 0 || rid.SlotID >= rf.slotsPerPage {
		return 0, "", fmt.Errorf("%w: %s", ErrInvalidRecordID, rid)
	}
	page := make([]byte, rf.pf.PageSize())
	if err := rf.pf.Read(rid.PageID, page); err != nil {
		return 0, "", err
	}
	if rid.SlotID >= tupleCount(page) {
		return 0, "", fmt.Errorf("%w: %s is past the last tuple of its page", ErrInvalidRecordID, rid)
	}

	off := slotOffset(rid.SlotID)
	key := int32(binary.LittleEndian.Uint32(page[off+offSlotKey:]))
	n := int(binary.LittleEndian.Uint16(page[off+offSlotValueLen:]))
	if n > MaxValueLength {
		return 0, "", fmt.Errorf("%w: %s has value length %d", ErrInvalidRecordID, rid, n)
	}
	return key, string(page[off+offSlotValue : off+offSlotValue+n]), nil
}

// Scan calls fn for every tuple in RecordID order until fn returns false or ctx is done.
func (rf *RecordFile) Scan(ctx context.Context, fn func(rid pagemanager.RecordID, key int32, value string) bool) error {
	for rid := (pagemanager.RecordID{}); rid.Less(rf.end); rid = rid.Next(rf.slotsPerPage) {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, value, err := rf.Read(rid)
		if err != nil {
			return err
		}
		if !fn(rid, key, value) {
			return nil
		}
	}
	return nil
}

// EndRecordID returns the id the next Append will use.
func (rf *RecordFile) EndRecordID() pagemanager.RecordID { return rf.end }

// SlotsPerPage returns the tuples per page of this file.
func (rf *RecordFile) SlotsPerPage() int32 { return rf.slotsPerPage }

// Close releases the page file.
func (rf *RecordFile) Close() error {
	if rf.pf == nil {
		return nil
	}
	err := rf.pf.Close()
	rf.pf = nil
	return err
}
