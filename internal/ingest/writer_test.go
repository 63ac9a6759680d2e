package ingest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JeremiahJRRoss/polaris-device-subclient/internal/clock"
)

func testRecord(id string) *StateChangeRecord {
	return &StateChangeRecord{EventType: EventStateChange, DeviceID: id, CurrentState: StateConnected}
}

func TestWriterScenarioS1(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2025, 2, 15, 18, 32, 1, 0, time.UTC))

	w, err := NewWriter(WriterConfig{
		OutputDir:       dir,
		FilePrefix:      "polaris-device-subclient",
		InstanceID:      "writer-01",
		IntervalSeconds: 3600,
		MaxSizeBytes:    100 * 1024 * 1024,
		FlushEveryN:     1,
	}, clk, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := w.WriteRecord(testRecord("d1")); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected exactly one output file, got %d", len(files))
	}
	name := files[0].Name()
	if strings.HasSuffix(name, activeSuffix) {
		t.Errorf("expected finalized file after shutdown, got %q", name)
	}
	if !strings.HasSuffix(name, ndjsonSuffix) {
		t.Errorf("expected .ndjson suffix, got %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"event_type":"state_change"`) {
		t.Errorf("expected state_change event_type, got %q", lines[0])
	}
}

func TestWriterActiveFileNameFormat(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2025, 2, 15, 18, 32, 1, 0, time.UTC))

	w, err := NewWriter(WriterConfig{
		OutputDir:  dir,
		FilePrefix: "polaris-device-subclient",
		InstanceID: "writer/weird id!",
	}, clk, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Shutdown()

	name := filepath.Base(w.current.ActivePath)
	if !strings.HasPrefix(name, "polaris-device-subclient-writer-weird-id-") {
		t.Errorf("unexpected sanitized instance id in filename: %q", name)
	}
	if !strings.HasSuffix(name, "20250215T183201Z.ndjson.active") {
		t.Errorf("unexpected timestamp in filename: %q", name)
	}
}

func TestWriterScenarioS5RotationBySize(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2025, 2, 15, 18, 32, 1, 0, time.UTC))

	w, err := NewWriter(WriterConfig{
		OutputDir:       dir,
		FilePrefix:      "polaris-device-subclient",
		InstanceID:      "writer-01",
		IntervalSeconds: 3600,
		MaxSizeBytes:    500,
		FlushEveryN:     1,
	}, clk, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Shutdown()

	for i := 0; i < 50; i++ {
		if err := w.WriteRecord(testRecord("d1")); err != nil {
			t.Fatalf("WriteRecord failed: %v", err)
		}
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected at least two files after rotation, got %d", len(files))
	}

	var finalized, active int
	for _, f := range files {
		if strings.HasSuffix(f.Name(), activeSuffix) {
			active++
		} else if strings.HasSuffix(f.Name(), ndjsonSuffix) {
			finalized++
			info, _ := f.Info()
			if info.Size() < 500 {
				t.Errorf("expected finalized file size >= 500, got %d", info.Size())
			}
		}
	}
	if finalized == 0 {
		t.Error("expected at least one finalized file")
	}
	if active != 1 {
		t.Errorf("expected exactly one active file, got %d", active)
	}
}

func TestWriterRecoveryFinalizesCompleteFile(t *testing.T) {
	dir := t.TempDir()
	staleName := "polaris-device-subclient-writer-01-20250101T000000Z.ndjson.active"
	stalePath := filepath.Join(dir, staleName)
	if err := os.WriteFile(stalePath, []byte(`{"event_type":"state_change"}`+"\n"), 0644); err != nil {
		t.Fatalf("setup WriteFile failed: %v", err)
	}

	clk := clock.NewFake(time.Date(2025, 2, 15, 18, 32, 1, 0, time.UTC))
	w, err := NewWriter(WriterConfig{
		OutputDir:  dir,
		FilePrefix: "polaris-device-subclient",
		InstanceID: "writer-01",
	}, clk, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Shutdown()

	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Error("expected stale .active file to be renamed away")
	}
	finalPath := strings.TrimSuffix(stalePath, activeSuffix) + ndjsonSuffix
	if _, err := os.Stat(finalPath); err != nil {
		t.Errorf("expected finalized file to exist: %v", err)
	}
}

func TestWriterRecoveryTruncatesIncompleteLine(t *testing.T) {
	dir := t.TempDir()
	staleName := "polaris-device-subclient-writer-01-20250101T000000Z.ndjson.active"
	stalePath := filepath.Join(dir, staleName)
	content := `{"event_type":"state_change","device_id":"d1"}` + "\n" + `{"event_type":"state_change","device_id":"d2"`
	if err := os.WriteFile(stalePath, []byte(content), 0644); err != nil {
		t.Fatalf("setup WriteFile failed: %v", err)
	}

	clk := clock.NewFake(time.Date(2025, 2, 15, 18, 32, 1, 0, time.UTC))
	w, err := NewWriter(WriterConfig{
		OutputDir:  dir,
		FilePrefix: "polaris-device-subclient",
		InstanceID: "writer-01",
	}, clk, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Shutdown()

	finalPath := strings.TrimSuffix(stalePath, activeSuffix) + ndjsonSuffix
	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.HasSuffix(data, []byte("d1\"}\n")) {
		t.Errorf("expected only the complete first line to survive, got %q", data)
	}
}

func TestWriterStdoutMode(t *testing.T) {
	var buf bytes.Buffer
	clk := clock.NewFake(time.Now())

	w, err := NewWriter(WriterConfig{Stdout: true, StdoutWriter: &buf}, clk, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := w.WriteRecord(testRecord("d1")); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if !strings.Contains(buf.String(), `"device_id":"d1"`) {
		t.Errorf("expected record in stdout buffer, got %q", buf.String())
	}
}
