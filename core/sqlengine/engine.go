// Package sqlengine runs LOAD and SELECT commands over a record file and its optional
// B+Tree index, choosing between an index scan and a full table scan.
package sqlengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jdliaw/aplustree/core/indexing/btree"
	"github.com/jdliaw/aplustree/core/storage_engine/recordfile"
	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
)

var ErrTableNotFound = errors.New("table does not exist")

const (
	tableSuffix = ".tbl"
	indexSuffix = ".idx"
)

// Engine executes commands against tables stored in one directory.
type Engine struct {
	dir      string
	pageSize int
	maxKeys  int
	limiter  *rate.Limiter

	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	loadRows metric.Int64Counter
}

type Option func(*Engine)

func WithPageSize(size int) Option {
	return func(e *Engine) { e.pageSize = size }
}

// WithMaxKeys caps the node capacity of indexes the engine creates.
func WithMaxKeys(n int) Option {
	return func(e *Engine) { e.maxKeys = n }
}

// WithLoadRateLimit throttles LOAD to rowsPerSecond. Zero or less disables throttling.
func WithLoadRateLimit(rowsPerSecond float64) Option {
	return func(e *Engine) {
		if rowsPerSecond <= 0 {
			e.limiter = nil
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(rowsPerSecond), max(1, int(rowsPerSecond)))
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func WithMeter(meter metric.Meter) Option {
	return func(e *Engine) { e.meter = meter }
}

// New returns an engine whose tables live in dir.
func New(dir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		dir:      dir,
		pageSize: pagemanager.DefaultPageSize,
		logger:   zap.NewNop(),
		tracer:   nooptrace.NewTracerProvider().Tracer(""),
		meter:    noop.NewMeterProvider().Meter(""),
	}
	for _, opt := range opts {
		opt(e)
	}
	var err error
	if e.loadRows, err = e.meter.Int64Counter("aplustree.load.rows",
		metric.WithDescription("Tuples appended by LOAD")); err != nil {
		return nil, fmt.Errorf("creating load.rows counter: %w", err)
	}
	return e, nil
}

func (e *Engine) tablePath(table string) string { return filepath.Join(e.dir, table+tableSuffix) }
func (e *Engine) indexPath(table string) string { return filepath.Join(e.dir, table+indexSuffix) }

// indexOptions only pins the node capacity for writes; readers take it from the file.
func (e *Engine) indexOptions(mode pagemanager.Mode) []btree.Option {
	opts := []btree.Option{btree.WithPageSize(e.pageSize), btree.WithLogger(e.logger), btree.WithMeter(e.meter)}
	if e.maxKeys > 0 && mode == pagemanager.ModeWrite {
		opts = append(opts, btree.WithMaxKeys(e.maxKeys))
	}
	return opts
}

func (e *Engine) tableOptions() []recordfile.Option {
	return []recordfile.Option{recordfile.WithPageSize(e.pageSize), recordfile.WithLogger(e.logger), recordfile.WithMeter(e.meter)}
}

// Execute runs a LOAD or SELECT and writes query output to w.
func (e *Engine) Execute(ctx context.Context, cmd Command, w io.Writer) error {
	switch c := cmd.(type) {
	case *LoadCommand:
		_, err := e.Load(ctx, c.Table, c.File, c.WithIndex)
		return err
	case *SelectCommand:
		_, err := e.Select(ctx, c, w)
		return err
	case *QuitCommand:
		return nil
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
}

// Load appends every line of file to table and, with withIndex, inserts the keys into
// the table's index. Tuples already in the table are indexed too when the index is new.
func (e *Engine) Load(ctx context.Context, table, file string, withIndex bool) (rows int, err error) {
	runID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "sqlengine.Load", trace.WithAttributes(
		attribute.String("table", table),
		attribute.String("file", file),
		attribute.Bool("with_index", withIndex),
		attribute.String("run_id", runID)))
	defer func() {
		span.SetAttributes(attribute.Int("rows", rows))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := e.logger.With(zap.String("run_id", runID), zap.String("table", table))

	in, err := os.Open(file)
	if err != nil {
		return 0, fmt.Errorf("opening load file: %w", err)
	}
	defer in.Close()

	rf, err := recordfile.Open(e.tablePath(table), pagemanager.ModeWrite, e.tableOptions()...)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.Join(err, rf.Close()) }()

	// An existing index is kept in step with the table even when not asked for.
	if _, statErr := os.Stat(e.indexPath(table)); statErr == nil && !withIndex {
		withIndex = true
		logger.Info("table already has an index; maintaining it")
	}
	var idx *btree.BTreeIndex
	if withIndex {
		if idx, err = btree.Open(e.indexPath(table), pagemanager.ModeWrite, e.indexOptions(pagemanager.ModeWrite)...); err != nil {
			return 0, err
		}
		defer func() { err = errors.Join(err, idx.Close()) }()
		if idx.TreeHeight() == 0 && rf.EndRecordID() != (pagemanager.RecordID{}) {
			if err := e.backfillIndex(ctx, rf, idx); err != nil {
				return 0, err
			}
		}
	}

	logger.Info("load started", zap.String("file", file), zap.Bool("with_index", withIndex))
	scanner := bufio.NewScanner(in)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, err := ParseLoadLine(line)
		if err != nil {
			return rows, fmt.Errorf("%s:%d: %w", file, lineNo, err)
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return rows, err
			}
		}
		rid, err := rf.Append(key, value)
		if err != nil {
			return rows, fmt.Errorf("%s:%d: %w", file, lineNo, err)
		}
		if idx != nil {
			if err := idx.Insert(key, rid); err != nil {
				return rows, fmt.Errorf("indexing key %d: %w", key, err)
			}
		}
		rows++
		e.loadRows.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
	}
	if err := scanner.Err(); err != nil {
		return rows, fmt.Errorf("reading load file: %w", err)
	}

	fields := []zap.Field{zap.Int("rows", rows)}
	if idx != nil {
		fields = append(fields, zap.Int32("index_height", idx.TreeHeight()))
	}
	logger.Info("load finished", fields...)
	return rows, nil
}

func (e *Engine) backfillIndex(ctx context.Context, rf *recordfile.RecordFile, idx *btree.BTreeIndex) error {
	var insertErr error
	n := 0
	err := rf.Scan(ctx, func(rid pagemanager.RecordID, key int32, _ string) bool {
		insertErr = idx.Insert(key, rid)
		n++
		return insertErr == nil
	})
	if err = errors.Join(err, insertErr); err != nil {
		return fmt.Errorf("indexing existing tuples: %w", err)
	}
	e.logger.Info("indexed existing tuples", zap.Int("rows", n))
	return nil
}

// plan is the key interval [lo, hi] implied by the key conditions, plus what the query
// needs to read.
type plan struct {
	lo, hi     int64
	rangeCond  bool // some key condition other than <> narrows the interval
	needsValue bool
}

func makePlan(cmd *SelectCommand) plan {
	p := plan{lo: math.MinInt32, hi: math.MaxInt32}
	p.needsValue = cmd.Attr == AttrValue || cmd.Attr == AttrAll
	for _, c := range cmd.Conds {
		if c.Attr == AttrValue {
			p.needsValue = true
			continue
		}
		v := int64(c.Key)
		switch c.Comp {
		case EQ:
			p.lo, p.hi = max(p.lo, v), min(p.hi, v)
		case GT:
			p.lo = max(p.lo, v+1)
		case GE:
			p.lo = max(p.lo, v)
		case LT:
			p.hi = min(p.hi, v-1)
		case LE:
			p.hi = min(p.hi, v)
		case NE:
			continue
		}
		p.rangeCond = true
	}
	return p
}

func (p plan) empty() bool { return p.lo > p.hi }

// matches checks every condition against a tuple. value is only consulted for value
// conditions.
func matches(conds []Cond, key int32, value string) bool {
	for _, c := range conds {
		var diff int
		if c.Attr == AttrKey {
			switch {
			case key < c.Key:
				diff = -1
			case key > c.Key:
				diff = 1
			}
		} else {
			diff = strings.Compare(value, c.Value)
		}
		if !c.Comp.holds(diff) {
			return false
		}
	}
	return true
}

func emit(w io.Writer, attr Attr, key int32, value string) error {
	var err error
	switch attr {
	case AttrKey:
		_, err = fmt.Fprintf(w, "%d\n", key)
	case AttrValue:
		_, err = fmt.Fprintf(w, "%s\n", value)
	case AttrAll:
		_, err = fmt.Fprintf(w, "%d '%s'\n", key, value)
	}
	return err
}

// Select runs cmd and writes matching tuples (or the count) to w. It returns the number
// of matching tuples.
func (e *Engine) Select(ctx context.Context, cmd *SelectCommand, w io.Writer) (count int, err error) {
	ctx, span := e.tracer.Start(ctx, "sqlengine.Select", trace.WithAttributes(
		attribute.String("table", cmd.Table),
		attribute.String("attr", cmd.Attr.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rf, err := recordfile.Open(e.tablePath(cmd.Table), pagemanager.ModeRead, e.tableOptions()...)
	if errors.Is(err, pagemanager.ErrFileNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, cmd.Table)
	}
	if err != nil {
		return 0, err
	}
	defer rf.Close()

	p := makePlan(cmd)
	strategy := "none"
	if !p.empty() {
		idx, openErr := btree.Open(e.indexPath(cmd.Table), pagemanager.ModeRead, e.indexOptions(pagemanager.ModeRead)...)
		if openErr == nil && (p.rangeCond || !p.needsValue) {
			strategy = "index"
			count, err = e.indexScan(ctx, idx, rf, cmd, p, w)
		} else {
			strategy = "table"
			count, err = e.tableScan(ctx, rf, cmd, w)
		}
		if openErr == nil {
			err = errors.Join(err, idx.Close())
		} else if !errors.Is(openErr, pagemanager.ErrFileNotFound) {
			e.logger.Warn("index unusable, scanning table", zap.String("table", cmd.Table), zap.Error(openErr))
		}
		if err != nil {
			return count, err
		}
	}

	if cmd.Attr == AttrCount {
		if _, err := fmt.Fprintf(w, "%d\n", count); err != nil {
			return count, err
		}
	}
	span.SetAttributes(attribute.String("strategy", strategy), attribute.Int("rows", count))
	e.logger.Debug("select finished",
		zap.String("table", cmd.Table),
		zap.String("strategy", strategy),
		zap.Int("rows", count))
	return count, nil
}

func (e *Engine) tableScan(ctx context.Context, rf *recordfile.RecordFile, cmd *SelectCommand, w io.Writer) (int, error) {
	count := 0
	var writeErr error
	err := rf.Scan(ctx, func(_ pagemanager.RecordID, key int32, value string) bool {
		if !matches(cmd.Conds, key, value) {
			return true
		}
		count++
		writeErr = emit(w, cmd.Attr, key, value)
		return writeErr == nil
	})
	return count, errors.Join(err, writeErr)
}

func (e *Engine) indexScan(ctx context.Context, idx *btree.BTreeIndex, rf *recordfile.RecordFile, cmd *SelectCommand, p plan, w io.Writer) (int, error) {
	var cursor btree.IndexCursor
	var err error
	if p.lo > math.MinInt32 {
		cursor, err = idx.Locate(btree.Key(p.lo))
		if errors.Is(err, btree.ErrNotFound) {
			err = nil
		}
	} else {
		cursor, err = idx.First()
	}
	if err != nil {
		return 0, err
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		key, rid, err := idx.ReadForward(&cursor)
		if errors.Is(err, btree.ErrEndOfScan) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if int64(key) > p.hi {
			return count, nil
		}

		var value string
		if p.needsValue {
			if _, value, err = rf.Read(rid); err != nil {
				return count, err
			}
		}
		if !matches(cmd.Conds, key, value) {
			continue
		}
		count++
		if err := emit(w, cmd.Attr, key, value); err != nil {
			return count, err
		}
	}
}

// IndexStats reports the shape of a table's index.
func (e *Engine) IndexStats(table string) (btree.TreeStats, error) {
	idx, err := btree.Open(e.indexPath(table), pagemanager.ModeRead, e.indexOptions(pagemanager.ModeRead)...)
	if err != nil {
		return btree.TreeStats{}, err
	}
	defer idx.Close()
	return idx.Stats()
}
