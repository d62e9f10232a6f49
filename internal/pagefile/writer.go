// Package pagefile persists one JSON file per captured page, named after the
// page URL via the match patterns. It is the optional savePerPage output,
// written immediately at capture time next to the durable dataset.
package pagefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sitestitch/sitestitch/internal/crawler"
)

// Writer saves page records under <root>/pages/<outputStem>/. The directory
// tree is created lazily on first use; concurrent first saves are safe since
// multiple pages may complete near-simultaneously.
type Writer struct {
	dir   string
	match []string

	mkdir    sync.Once
	mkdirErr error
}

// New builds a Writer for one run. outputFileName supplies the subfolder
// stem (its extension is stripped); match supplies the filename patterns.
func New(root, outputFileName string, match []string) *Writer {
	stem := outputFileName
	stem = stem[:len(stem)-len(filepath.Ext(stem))]
	return &Writer{
		dir:   filepath.Join(root, "pages", stem),
		match: match,
	}
}

// Save writes the record as pretty-printed JSON to
// <dir>/<derived filename>.json. Errors propagate; the caller decides
// whether to log-and-continue or abort.
func (w *Writer) Save(record crawler.PageRecord) error {
	w.mkdir.Do(func() {
		w.mkdirErr = os.MkdirAll(w.dir, 0o750)
	})
	if w.mkdirErr != nil {
		return fmt.Errorf("create page directory: %w", w.mkdirErr)
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize page record: %w", err)
	}

	name := crawler.ExtractFilename(record.URL, w.match) + ".json"
	target := filepath.Join(w.dir, name)
	if err := os.WriteFile(target, payload, 0o600); err != nil {
		return fmt.Errorf("write page file: %w", err)
	}
	return nil
}

// Dir exposes the target directory, mainly for tests and logs.
func (w *Writer) Dir() string {
	return w.dir
}
