// Package archive tails bus topics into per-day JSONL files partitioned by
// exchange, market, stream type and symbol.
package archive

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"md-gateway/internal/metrics"
	"md-gateway/internal/schema"
)

const (
	defaultBatchSize = 50
	dateLayout       = "2006-01-02"
)

// partition buffers lines destined for one directory and one UTC date.
// The file name carries the date, so a date change starts a fresh buffer
// after flushing the old one.
type partition struct {
	exchange   string
	streamType string
	date       string
	buf        bytes.Buffer
	count      int
}

// Writer appends canonical records as JSON lines under
// <dataDir>/<exchange>/<market>/<stream_type>/<symbol>/<YYYY-MM-DD>.jsonl.
// Lines are batched per file and flushed on batch full, date rollover and
// Flush.
type Writer struct {
	dataDir   string
	batchSize int

	mu    sync.Mutex
	parts map[string]*partition
}

// NewWriter builds a writer rooted at dataDir. batchSize <= 0 selects the
// default of 50 lines.
func NewWriter(dataDir string, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Writer{
		dataDir:   dataDir,
		batchSize: batchSize,
		parts:     make(map[string]*partition),
	}
}

type archivedRecord struct {
	Topic          string `json:"topic"`
	LocalTimestamp int64  `json:"localTimestamp"`
}

// Write buffers one bus payload. The payload must be a canonical record;
// its topic selects the partition and its localTimestamp selects the file
// date. A full batch is flushed before Write returns.
func (w *Writer) Write(payload []byte) error {
	var rec archivedRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		metrics.RecordArchiveError("unknown")
		return fmt.Errorf("archive record decode failed: %w", err)
	}
	topic, err := schema.ParseTopic(rec.Topic)
	if err != nil {
		metrics.RecordArchiveError("unknown")
		return fmt.Errorf("archive record topic invalid: %w", err)
	}

	ts := rec.LocalTimestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	date := time.UnixMilli(ts).UTC().Format(dateLayout)
	dir := filepath.Join(w.dataDir, topic.Exchange, topic.Market, topic.StreamType, topic.Symbol)

	w.mu.Lock()
	defer w.mu.Unlock()

	part, ok := w.parts[dir]
	if !ok {
		part = &partition{exchange: topic.Exchange, streamType: topic.StreamType, date: date}
		w.parts[dir] = part
	}
	if part.date != date {
		if err := w.flushLocked(dir, part); err != nil {
			return err
		}
		part.date = date
	}

	part.buf.Write(payload)
	part.buf.WriteByte('\n')
	part.count++
	if part.count >= w.batchSize {
		return w.flushLocked(dir, part)
	}
	return nil
}

// Flush writes out every partial batch. Called on shutdown; safe to call
// at any time.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for dir, part := range w.parts {
		if err := w.flushLocked(dir, part); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("Archive flush failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (w *Writer) flushLocked(dir string, part *partition) error {
	if part.count == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.RecordArchiveError(part.exchange)
		return fmt.Errorf("archive dir create failed: %w", err)
	}
	path := filepath.Join(dir, part.date+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		metrics.RecordArchiveError(part.exchange)
		return fmt.Errorf("archive file open failed: %w", err)
	}
	if _, err := f.Write(part.buf.Bytes()); err != nil {
		f.Close()
		metrics.RecordArchiveError(part.exchange)
		return fmt.Errorf("archive write failed: %w", err)
	}
	if err := f.Close(); err != nil {
		metrics.RecordArchiveError(part.exchange)
		return fmt.Errorf("archive close failed: %w", err)
	}
	metrics.RecordArchiveWrite(part.exchange, part.streamType, part.count)
	part.buf.Reset()
	part.count = 0
	return nil
}
