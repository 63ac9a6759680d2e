package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JeremiahJRRoss/polaris-device-subclient/internal/clock"
)

// ErrFatal marks a writer failure that spec.md §7 requires to exit the
// process with status 3 (permission denied, missing directory).
var ErrFatal = errors.New("fatal writer error")

const ndjsonSuffix = ".ndjson"
const activeSuffix = ".ndjson.active"

var sanitizeInstanceID = regexp.MustCompile(`[^A-Za-z0-9_]`)

// WriterConfig holds the tunables from the output.file config section
// (spec.md §4.4).
type WriterConfig struct {
	OutputDir       string
	FilePrefix      string
	InstanceID      string
	IntervalSeconds int
	MaxSizeBytes    int64
	FlushEveryN     int
	FlushIntervalMs int
	Stdout          bool
	StdoutWriter    io.Writer
}

// Writer appends serialized records to the active NDJSON file, rotating
// and finalizing per spec.md §4.4.
type Writer struct {
	cfg    WriterConfig
	clock  clock.Clock
	logger *zap.Logger

	file       *os.File
	buf        *bufio.Writer
	current    OutputFile
	eventsSinceFlush int
	lastFlush  time.Time

	stdout io.Writer

	droppedRecords int64
}

// NewWriter builds a Writer and, in file mode, recovers any leftover
// active files from a prior crash (spec.md §4.4 recovery scan).
func NewWriter(cfg WriterConfig, clk clock.Clock, logger *zap.Logger) (*Writer, error) {
	w := &Writer{cfg: cfg, clock: clk, logger: logger}

	if cfg.Stdout {
		w.stdout = cfg.StdoutWriter
		if w.stdout == nil {
			w.stdout = os.Stdout
		}
		return w, nil
	}

	if err := w.recover(); err != nil {
		return nil, err
	}
	if err := w.openNewFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// recover scans OutputDir on startup, finalizing any complete
// .ndjson.active file and truncating any incomplete trailing line
// before finalizing the rest (spec.md §4.4).
func (w *Writer) recover() error {
	entries, err := os.ReadDir(w.cfg.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: output dir %s does not exist", ErrFatal, w.cfg.OutputDir)
		}
		return fmt.Errorf("%w: reading output dir: %v", ErrFatal, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), activeSuffix) {
			continue
		}
		if !strings.HasPrefix(e.Name(), w.cfg.FilePrefix+"-") {
			continue
		}
		path := filepath.Join(w.cfg.OutputDir, e.Name())
		if err := w.recoverFile(path); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) recoverFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if len(data) > 0 && data[len(data)-1] != '\n' {
		if idx := strings.LastIndexByte(string(data), '\n'); idx >= 0 {
			data = data[:idx+1]
		} else {
			data = nil
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("truncate %s: %w", path, err)
		}
	}

	finalPath := strings.TrimSuffix(path, activeSuffix) + ndjsonSuffix
	if err := os.Rename(path, finalPath); err != nil {
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	if err := fsyncDir(w.cfg.OutputDir); err != nil && w.logger != nil {
		w.logger.Warn("fsync output dir after recovery failed", zap.Error(err))
	}
	if w.logger != nil {
		w.logger.Info("recovered active file from prior run", zap.String("path", finalPath))
	}
	return nil
}

func (w *Writer) activeFileName(createdAt time.Time) string {
	sanitized := sanitizeInstanceID.ReplaceAllString(w.cfg.InstanceID, "-")
	ts := createdAt.UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s-%s-%s%s", w.cfg.FilePrefix, sanitized, ts, activeSuffix)
}

func (w *Writer) openNewFile() error {
	now := w.clock.Now()
	name := w.activeFileName(now)
	path := filepath.Join(w.cfg.OutputDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		if os.IsPermission(err) || os.IsNotExist(err) {
			return fmt.Errorf("%w: open %s: %v", ErrFatal, path, err)
		}
		return fmt.Errorf("open %s: %w", path, err)
	}

	w.file = f
	w.buf = bufio.NewWriter(f)
	w.current = OutputFile{
		ActivePath: path,
		FinalPath:  strings.TrimSuffix(path, activeSuffix) + ndjsonSuffix,
		CreatedAt:  now,
	}
	w.lastFlush = now
	w.eventsSinceFlush = 0
	return nil
}

// WriteRecord serializes rec as one NDJSON line and appends it, then
// applies the flush and rotation policies (spec.md §4.4).
func (w *Writer) WriteRecord(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	if w.cfg.Stdout {
		_, err := w.stdout.Write(line)
		return err
	}

	if err := w.writeWithRetry(line); err != nil {
		return err
	}

	w.current.BytesWritten += int64(len(line))
	w.current.EventCount++
	w.eventsSinceFlush++

	if w.shouldFlush() {
		if err := w.flush(); err != nil {
			return err
		}
	}

	if w.shouldRotate() {
		return w.Rotate()
	}
	return nil
}

// writeWithRetry implements the transient write-error policy (spec.md
// §4.4, §7): retry once after 100ms, and on persistent failure finalize
// the file as-is and surface the error so the caller can reopen.
func (w *Writer) writeWithRetry(line []byte) error {
	_, err := w.buf.Write(line)
	if err == nil {
		return nil
	}
	if w.logger != nil {
		w.logger.Warn("transient write error, retrying", zap.Error(err))
	}
	time.Sleep(100 * time.Millisecond)

	_, err = w.buf.Write(line)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("write_error", zap.Error(err))
		}
		w.droppedRecords++
		if finalizeErr := w.finalizeAndReopenAfterFailure(); finalizeErr != nil {
			return fmt.Errorf("write failed (%v) and could not reopen: %w", err, finalizeErr)
		}
	}
	return err
}

func (w *Writer) finalizeAndReopenAfterFailure() error {
	_ = w.Rotate()
	time.Sleep(1 * time.Second)
	return w.openNewFile()
}

func (w *Writer) shouldFlush() bool {
	if w.cfg.FlushEveryN > 0 && w.eventsSinceFlush >= w.cfg.FlushEveryN {
		return true
	}
	if w.cfg.FlushIntervalMs > 0 {
		elapsed := w.clock.Now().Sub(w.lastFlush)
		if elapsed >= time.Duration(w.cfg.FlushIntervalMs)*time.Millisecond {
			return true
		}
	}
	return false
}

func (w *Writer) flush() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	w.lastFlush = w.clock.Now()
	w.eventsSinceFlush = 0
	return nil
}

func (w *Writer) shouldRotate() bool {
	if w.cfg.IntervalSeconds > 0 {
		if w.clock.Now().Sub(w.current.CreatedAt) >= time.Duration(w.cfg.IntervalSeconds)*time.Second {
			return true
		}
	}
	if w.cfg.MaxSizeBytes > 0 && w.current.BytesWritten >= w.cfg.MaxSizeBytes {
		return true
	}
	return false
}

// Rotate flushes, fsyncs, closes, atomically renames the active file to
// its finalized name, fsyncs the containing directory, then opens a new
// active file (spec.md §4.4 rotation procedure).
func (w *Writer) Rotate() error {
	if w.cfg.Stdout || w.file == nil {
		return nil
	}
	if err := w.finalizeActive(); err != nil {
		return err
	}
	return w.openNewFile()
}

// finalizeActive flushes, fsyncs, closes, and renames the active file to
// its finalized name, then fsyncs the containing directory.
func (w *Writer) finalizeActive() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("rotate flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("rotate fsync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("rotate close: %w", err)
	}

	if err := os.Rename(w.current.ActivePath, w.current.FinalPath); err != nil {
		return fmt.Errorf("rotate rename: %w", err)
	}
	if err := fsyncDir(w.cfg.OutputDir); err != nil && w.logger != nil {
		w.logger.Warn("fsync output dir after rotation failed", zap.Error(err))
	}
	if w.logger != nil {
		w.logger.Info("rotated output file",
			zap.String("path", w.current.FinalPath),
			zap.Int64("bytes", w.current.BytesWritten),
			zap.Int("events", w.current.EventCount))
	}

	w.file = nil
	w.buf = nil
	return nil
}

// Shutdown flushes and finalizes the active file, guaranteeing a
// trailing newline even if the drain deadline has already passed
// (spec.md §5).
func (w *Writer) Shutdown() error {
	if w.cfg.Stdout {
		return nil
	}
	if w.file == nil {
		return nil
	}
	return w.finalizeActive()
}

// DroppedRecords returns the count of records that could not be
// persisted due to a persistent write failure (spec.md §4.4).
func (w *Writer) DroppedRecords() int64 {
	return w.droppedRecords
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
