package feed

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
)

// masterColumns is the classic Asterisk Master.csv layout. The format has no
// header row and no linkedid; correlation falls back to uniqueid.
var masterColumns = []string{
	"accountcode", "src", "dst", "dcontext", "clid",
	"channel", "dstchannel", "lastapp", "lastdata",
	"calldate", "answer", "end", "duration", "billsec",
	"disposition", "amaflags", "uniqueid", "userfield",
}

// CSVConfig configures the CSV tail adapter.
type CSVConfig struct {
	Path         string
	PollInterval time.Duration
}

// CSVFeed tails an Asterisk Master.csv, emitting each newly appended row as
// a CDR record. File truncation (logrotate copytruncate) resets the offset.
type CSVFeed struct {
	cfg    CSVConfig
	logger *slog.Logger
	offset int64
}

// NewCSVFeed creates a CSV tail feed. The file may not exist yet; the feed
// waits for it to appear.
func NewCSVFeed(cfg CSVConfig, logger *slog.Logger) *CSVFeed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &CSVFeed{cfg: cfg, logger: logger}
}

func (f *CSVFeed) Name() string { return "csv" }

// MaxRecordTime scans the whole file for the latest call start time.
func (f *CSVFeed) MaxRecordTime(ctx context.Context) (time.Time, error) {
	file, err := os.Open(f.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("open %s: %w", f.cfg.Path, err)
	}
	defer file.Close()

	var max time.Time
	r := newMasterReader(file)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if t := cdr.ParseTime(field(row, 9)); t.After(max) {
			max = t
		}
	}
	return max, nil
}

// Run tails the file until cancelled. On a fresh start the existing content
// is skipped; the watermark already covers it.
func (f *CSVFeed) Run(ctx context.Context, out chan<- cdr.RawRecord) error {
	if info, err := os.Stat(f.cfg.Path); err == nil {
		f.offset = info.Size()
	}

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := f.readNew(ctx, out); err != nil && ctx.Err() == nil {
			f.logger.Warn("csv tail failed", "path", f.cfg.Path, "error", err)
		}
	}
}

func (f *CSVFeed) readNew(ctx context.Context, out chan<- cdr.RawRecord) error {
	info, err := os.Stat(f.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Size() < f.offset {
		f.logger.Info("csv file truncated, restarting from top", "path", f.cfg.Path)
		f.offset = 0
	}
	if info.Size() == f.offset {
		return nil
	}

	file, err := os.Open(f.cfg.Path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return err
	}
	buf, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	// Only consume up to the last complete line; a partially written row
	// stays in the file for the next poll.
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return nil
	}
	chunk := buf[:end+1]

	r := newMasterReader(bytes.NewReader(chunk))
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.logger.Warn("skipping malformed csv row", "error", err)
			continue
		}
		rec := cdr.RawRecord{Kind: cdr.RawCDR, Fields: make(map[string]string, len(masterColumns))}
		for i, name := range masterColumns {
			rec.Fields[name] = field(row, i)
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.offset += int64(len(chunk))
	return nil
}

func newMasterReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return row[i]
}
