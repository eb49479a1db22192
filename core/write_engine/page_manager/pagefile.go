package pagemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// --- PageFile ---
// PageFile is responsible for direct I/O with a file of fixed-size pages.
// It does no caching: every Read and Write goes to the file.

type PageFile struct {
	name     string
	file     *os.File
	mode     Mode
	pageSize int
	numPages int32 // Pages currently in the file; also the next page id to allocate.

	logger       *zap.Logger
	pagesRead    metric.Int64Counter
	pagesWritten metric.Int64Counter
}

type options struct {
	pageSize int
	logger   *zap.Logger
	meter    metric.Meter
}

// Option configures a PageFile.
type Option func(*options)

// WithPageSize sets the page size. It must match the size the file was written with.
func WithPageSize(size int) Option {
	return func(o *options) { o.pageSize = size }
}

// WithLogger sets the logger used for open/close events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter sets the meter that receives page read/write counts.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// OpenPageFile opens name in the given mode. ModeWrite creates the file when it does not
// exist; ModeRead fails with ErrFileNotFound.
func OpenPageFile(name string, mode Mode, opts ...Option) (*PageFile, error) {
	o := options{pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pageSize < MinPageSize {
		return nil, fmt.Errorf("page size %d is below the minimum %d", o.pageSize, MinPageSize)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.meter == nil {
		o.meter = noop.NewMeterProvider().Meter("")
	}

	var flag int
	switch mode {
	case ModeRead:
		flag = os.O_RDONLY
	case ModeWrite:
		flag = os.O_RDWR | os.O_CREATE
	default:
		return nil, fmt.Errorf("unknown page file mode %v", mode)
	}

	file, err := os.OpenFile(name, flag, 0666)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, name, err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	if fi.Size()%int64(o.pageSize) != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: file %s size %d is not a multiple of page size %d", ErrIO, name, fi.Size(), o.pageSize)
	}

	pf := &PageFile{
		name:     name,
		file:     file,
		mode:     mode,
		pageSize: o.pageSize,
		numPages: int32(fi.Size() / int64(o.pageSize)),
		logger:   o.logger.With(zap.String("file", name)),
	}
	if pf.pagesRead, err = o.meter.Int64Counter("aplustree.pages.read",
		metric.WithDescription("Pages read from page files")); err != nil {
		file.Close()
		return nil, fmt.Errorf("creating pages.read counter: %w", err)
	}
	if pf.pagesWritten, err = o.meter.Int64Counter("aplustree.pages.written",
		metric.WithDescription("Pages written to page files")); err != nil {
		file.Close()
		return nil, fmt.Errorf("creating pages.written counter: %w", err)
	}

	pf.logger.Debug("page file opened", zap.Stringer("mode", mode), zap.Int32("pages", pf.numPages))
	return pf, nil
}

// Name returns the path the file was opened with.
func (pf *PageFile) Name() string { return pf.name }

// Mode returns the open mode.
func (pf *PageFile) Mode() Mode { return pf.mode }

// PageSize returns the fixed page size in bytes.
func (pf *PageFile) PageSize() int { return pf.pageSize }

// EndPageID returns the id the next allocated page will get. Writing a page at
// EndPageID is how callers allocate.
func (pf *PageFile) EndPageID() PageID { return PageID(pf.numPages) }

// Read fills buf with the contents of page pid.
func (pf *PageFile) Read(pid PageID, buf []byte) error {
	if pf.file == nil {
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	if len(buf) != pf.pageSize {
		return fmt.Errorf("%w: page buffer size (%d) does not match page size (%d)", ErrIO, len(buf), pf.pageSize)
	}
	if pid < 0 || int32(pid) >= pf.numPages {
		return fmt.Errorf("%w: page %d out of range [0, %d)", ErrIO, pid, pf.numPages)
	}

	offset := int64(pid) * int64(pf.pageSize)
	n, err := pf.file.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && n == pf.pageSize) {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pid, offset, err)
	}
	if n != pf.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pid, pf.pageSize, n)
	}
	pf.pagesRead.Add(context.Background(), 1)
	return nil
}

// Write persists buf as page pid. Writing at or past EndPageID extends the file.
func (pf *PageFile) Write(pid PageID, buf []byte) error {
	if pf.file == nil {
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	if pf.mode != ModeWrite {
		return fmt.Errorf("%w: %w: %s", ErrIO, ErrReadOnly, pf.name)
	}
	if len(buf) != pf.pageSize {
		return fmt.Errorf("%w: page buffer size (%d) does not match page size (%d)", ErrIO, len(buf), pf.pageSize)
	}
	if pid < 0 {
		return fmt.Errorf("%w: invalid page id %d", ErrIO, pid)
	}

	offset := int64(pid) * int64(pf.pageSize)
	if _, err := pf.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pid, offset, err)
	}
	if int32(pid) >= pf.numPages {
		pf.numPages = int32(pid) + 1
	}
	pf.pagesWritten.Add(context.Background(), 1)
	return nil
}

// Sync flushes written pages to stable storage.
func (pf *PageFile) Sync() error {
	if pf.file == nil || pf.mode != ModeWrite {
		return nil
	}
	if err := pf.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, pf.name, err)
	}
	return nil
}

// Close flushes and releases the file handle. Closing twice is a no-op.
func (pf *PageFile) Close() error {
	if pf.file == nil {
		return nil
	}
	syncErr := pf.Sync()
	closeErr := pf.file.Close()
	pf.file = nil
	pf.logger.Debug("page file closed", zap.Int32("pages", pf.numPages))

	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, pf.name, closeErr)
	}
	return nil
}
