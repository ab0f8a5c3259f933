// Package jsonl reads and writes Q&A corpora as one JSON object per line.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/access-ci/qa-extraction/internal/domain"
)

// DefaultCombinedFile is the file WriteCombined writes when no name is given.
const DefaultCombinedFile = "combined_qa_pairs.jsonl"

// Writer writes corpora under Dir, creating it on first write.
type Writer struct {
	Dir string
}

// NewWriter returns a writer rooted at dir.
func NewWriter(dir string) *Writer { return &Writer{Dir: dir} }

// FileName returns the per-domain corpus file name.
func FileName(name string) string {
	if name == "" {
		return "qa_pairs.jsonl"
	}
	return name + "_qa_pairs.jsonl"
}

// Write stores pairs in {Dir}/{name}_qa_pairs.jsonl and returns the path.
func (w *Writer) Write(name string, pairs []domain.QAPair) (string, error) {
	return w.writeFile(FileName(name), pairs)
}

// WriteAll writes one file per non-empty entry of byName.
func (w *Writer) WriteAll(byName map[string][]domain.QAPair) (map[string]string, error) {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		if len(byName[name]) == 0 {
			continue
		}
		path, err := w.Write(name, byName[name])
		if err != nil {
			return out, err
		}
		out[name] = path
	}
	return out, nil
}

// WriteCombined writes every pair to a single file.
func (w *Writer) WriteCombined(pairs []domain.QAPair, filename string) (string, error) {
	if filename == "" {
		filename = DefaultCombinedFile
	}
	return w.writeFile(filename, pairs)
}

// writeFile streams pairs into a temp file next to the target and renames
// it into place, so a failed write leaves any previous file untouched.
func (w *Writer) writeFile(filename string, pairs []domain.QAPair) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(w.Dir, filename)

	tmp, err := os.CreateTemp(w.Dir, filename+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	buf := bufio.NewWriter(tmp)
	if err := Encode(buf, pairs); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := buf.Flush(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename into %s: %w", path, err)
	}
	tmpName = ""
	return path, nil
}

// Encode writes pairs to w, one compact JSON object per line.
func Encode(w io.Writer, pairs []domain.QAPair) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range pairs {
		if err := enc.Encode(&pairs[i]); err != nil {
			return fmt.Errorf("encode pair %s: %w", pairs[i].ID, err)
		}
	}
	return nil
}

// Load reads a corpus file.
func Load(path string) ([]domain.QAPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	pairs, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pairs, nil
}

// Decode reads pairs from r, skipping blank lines. A malformed or invalid
// record fails with its 1-based line number.
func Decode(r io.Reader) ([]domain.QAPair, error) {
	br := bufio.NewReader(r)
	var pairs []domain.QAPair
	for lineNo := 1; ; lineNo++ {
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("line %d: %w", lineNo, readErr)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var p domain.QAPair
			if err := json.Unmarshal(trimmed, &p); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			pairs = append(pairs, p)
		}
		if errors.Is(readErr, io.EOF) {
			return pairs, nil
		}
	}
}
