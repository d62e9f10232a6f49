// Package batch implements the consolidation pass: it consumes the captured
// page records sequentially and partitions them into numbered combined output
// files bounded by an estimated-token ceiling and a byte-size ceiling.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sitestitch/sitestitch/internal/crawler"
	"github.com/sitestitch/sitestitch/internal/token"
)

// OverflowPolicy selects how a record that tips the token ceiling is
// accounted for.
type OverflowPolicy string

const (
	// OverflowHalve flushes the open batch, admits the record into the
	// fresh batch regardless of its size, and credits the token counter
	// with half the record's estimate. A single record cannot be split, so
	// the halved counter makes the next record likely to flush sooner than
	// strictly necessary. This is the compatibility behavior and must stay
	// exactly as is.
	OverflowHalve OverflowPolicy = "halve"
	// OverflowIsolate keeps true token accounting and writes a record
	// larger than the ceiling on its own into a single-record file.
	OverflowIsolate OverflowPolicy = "isolate"
)

// Options configures a Writer.
type Options struct {
	// Dir is the output directory; created on first flush.
	Dir string
	// OutputFileName is the base name, e.g. "output.json". Segments are
	// named <stem>-<N>.json with N starting at 1.
	OutputFileName string
	// MaxTokens is the estimated-token ceiling per file; 0 means unbounded.
	MaxTokens int
	// MaxBytes is the byte ceiling per file; 0 means unbounded.
	MaxBytes int
	// Overflow defaults to OverflowHalve.
	Overflow OverflowPolicy
	// Counter defaults to the heuristic estimator.
	Counter crawler.TokenCounter
	// OnFlush, when set, observes every written file right after it lands.
	OnFlush func(FileInfo)
	Logger  *zap.Logger
}

// FileInfo describes one written combined output file.
type FileInfo struct {
	Path    string `json:"path"`
	Records int    `json:"records"`
	Bytes   int    `json:"bytes"`
}

// Result summarizes a consolidation pass.
type Result struct {
	// Files lists every written segment in order.
	Files []FileInfo `json:"files"`
	// FinalPath is the path of the last file written, empty when the
	// source yielded no records.
	FinalPath string `json:"finalPath"`
	// Records is the total number of consolidated records.
	Records int `json:"records"`
}

// Writer partitions a record stream into combined output files. A Writer
// performs a single pass; construct a new one per run.
type Writer struct {
	dir       string
	stem      string
	maxTokens int
	maxBytes  int
	overflow  OverflowPolicy
	counter   crawler.TokenCounter
	onFlush   func(FileInfo)
	logger    *zap.Logger

	batch       []crawler.PageRecord
	tokens      int
	bytes       int
	fileCounter int
	files       []FileInfo
	records     int
}

// NewWriter validates the options and builds a Writer.
func NewWriter(opts Options) (*Writer, error) {
	if opts.OutputFileName == "" {
		return nil, fmt.Errorf("output file name is required")
	}
	switch opts.Overflow {
	case "":
		opts.Overflow = OverflowHalve
	case OverflowHalve, OverflowIsolate:
	default:
		return nil, fmt.Errorf("unknown overflow policy %q", opts.Overflow)
	}
	if opts.Counter == nil {
		opts.Counter = token.Heuristic{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	stem := strings.TrimSuffix(opts.OutputFileName, filepath.Ext(opts.OutputFileName))
	return &Writer{
		dir:         opts.Dir,
		stem:        stem,
		maxTokens:   opts.MaxTokens,
		maxBytes:    opts.MaxBytes,
		overflow:    opts.Overflow,
		counter:     opts.Counter,
		onFlush:     opts.OnFlush,
		logger:      opts.Logger,
		fileCounter: 1,
	}, nil
}

// Combine drains the source and writes the combined output files. It always
// runs to completion over whatever records the source yields; ctx is only
// handed to the source. With both ceilings unset exactly one file is
// produced for a non-empty source; an empty source produces none. No record
// is ever dropped.
func (w *Writer) Combine(ctx context.Context, src crawler.RecordSource) (Result, error) {
	for {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read record: %w", err)
		}
		if err := w.add(rec); err != nil {
			return Result{}, err
		}
	}
	if len(w.batch) > 0 {
		if err := w.flush(); err != nil {
			return Result{}, err
		}
	}
	res := Result{Files: w.files, Records: w.records}
	if n := len(w.files); n > 0 {
		res.FinalPath = w.files[n-1].Path
	}
	return res, nil
}

// add applies the per-record processing order: token branch first, then the
// byte branch, each flushing when its ceiling would be (or has been) crossed.
func (w *Writer) add(rec crawler.PageRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialize record: %w", err)
	}
	recordBytes := len(raw)
	recordTokens := w.counter.Count(string(raw), w.maxTokens)

	oversizedAlone := false
	if w.maxTokens > 0 && w.tokens+recordTokens > w.maxTokens {
		if len(w.batch) > 0 {
			if err := w.flush(); err != nil {
				return err
			}
		}
		w.batch = append(w.batch, rec)
		switch {
		case w.overflow == OverflowIsolate && recordTokens > w.maxTokens:
			oversizedAlone = true
		case w.overflow == OverflowIsolate:
			w.tokens = recordTokens
		default:
			// Half credit for the record that tipped the ceiling.
			w.tokens = recordTokens / 2
		}
	} else {
		w.batch = append(w.batch, rec)
		w.tokens += recordTokens
	}

	w.records++
	w.bytes += recordBytes
	if oversizedAlone || (w.maxBytes > 0 && w.bytes > w.maxBytes) {
		return w.flush()
	}
	return nil
}

// flush writes the open batch as a pretty-printed JSON array named
// <stem>-<N>.json, then resets both counters and advances the file counter.
func (w *Writer) flush() error {
	payload, err := json.MarshalIndent(w.batch, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize batch: %w", err)
	}
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	target := filepath.Join(w.dir, fmt.Sprintf("%s-%d.json", w.stem, w.fileCounter))
	if err := os.WriteFile(target, payload, 0o600); err != nil {
		return fmt.Errorf("write batch file: %w", err)
	}
	w.logger.Info("wrote combined output file",
		zap.String("path", target),
		zap.Int("records", len(w.batch)),
		zap.Int("bytes", len(payload)),
		zap.Int("estimatedTokens", w.tokens))
	info := FileInfo{Path: target, Records: len(w.batch), Bytes: len(payload)}
	w.files = append(w.files, info)
	if w.onFlush != nil {
		w.onFlush(info)
	}
	w.batch = w.batch[:0]
	w.tokens = 0
	w.bytes = 0
	w.fileCounter++
	return nil
}
