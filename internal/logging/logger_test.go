package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var r map[string]any
		if err := json.Unmarshal(sc.Bytes(), &r); err == nil {
			out = append(out, r)
		}
	}
	return out
}

func TestInitWritesJSONToLogDir(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "info", Process: "schedule run"})
	defer Shutdown()

	Logger().Info("test_message", "key", "value")

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	records := readRecords(t, data)
	require.NotEmpty(t, records)
	assert.Equal(t, "test_message", records[0]["msg"])
	assert.Equal(t, "value", records[0]["key"])
	assert.Equal(t, "schedule run", records[0]["proc"])
	assert.Equal(t, float64(os.Getpid()), records[0]["pid"])
}

func TestInitWithoutDirOrDebugDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	assert.NotPanics(t, func() { Logger().Info("this goes nowhere") })
}

func TestForComponentCreatedBeforeInit(t *testing.T) {
	Shutdown()
	log := ForComponent(CompRestore)

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	log.Warn("discovery_timeout", slog.String("provider", "droid"))

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	records := readRecords(t, data)
	require.Len(t, records, 1)
	assert.Equal(t, CompRestore, records[0]["component"])
	assert.Equal(t, "droid", records[0]["provider"])
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("dropped")
	Logger().Warn("kept")

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	records := readRecords(t, data)
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0]["msg"])
}

func TestDumpRingBuffer(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	schedLog := ForComponent(CompSchedule)
	schedLog.Error("job_failed", slog.String("agent", "emp-0001"), slog.String("job", "nightly"))
	schedLog.Info("job_done", slog.String("agent", "emp-0002"))

	dump := filepath.Join(dir, "dumps", "job.debug")
	require.NoError(t, DumpRingBuffer(dump, "emp-0001"))
	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(data), "job_failed")
	assert.NotContains(t, string(data), "job_done")

	all := filepath.Join(dir, "dumps", "all.debug")
	require.NoError(t, DumpRingBuffer(all, ""))
	data, err = os.ReadFile(all)
	require.NoError(t, err)
	assert.Len(t, readRecords(t, data), 2)
}

func TestAggregatorSummarizes(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), time.Hour)
	agg.Start()

	agg.Record(CompStatus, "classify", slog.String("agent", "qa"), slog.String("state", "busy"))
	agg.Record(CompStatus, "classify", slog.String("agent", "dev"), slog.String("state", "idle"))
	agg.Record(CompStatus, "classify", slog.String("agent", "dev"))
	agg.Record(CompTmux, "send_chunk")
	agg.Stop()

	records := readRecords(t, buf.Bytes())
	require.Len(t, records, 2)
	assert.Equal(t, "status", records[0]["component"])
	assert.Equal(t, float64(3), records[0]["count"])
	assert.Equal(t, "dev=2,qa=1", records[0]["agents"])
	assert.Equal(t, "idle", records[0]["state"])
	assert.Equal(t, "tmux", records[1]["component"])
	assert.NotContains(t, records[1], "agents")
}

func TestRingBuffer(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		writes []string
		want   string
		count  int
	}{
		{"fits", 64, []string{"hello\n"}, "hello\n", 1},
		{"drops oldest whole", 10, []string{"aaaa\n", "bbbb\n", "cc\n"}, "bbbb\ncc\n", 2},
		{"oversized record keeps tail", 5, []string{"0123456789"}, "56789", 1},
		{"exact fit", 6, []string{"ab\n", "cd\n"}, "ab\ncd\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(tt.limit)
			for _, w := range tt.writes {
				n, err := rb.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, string(rb.Bytes()))
			assert.Equal(t, tt.count, rb.Len())
		})
	}
}

func TestRingBufferFilter(t *testing.T) {
	rb := NewRingBuffer(1024)
	_, _ = rb.Write([]byte(`{"agent":"dev","msg":"a"}` + "\n"))
	_, _ = rb.Write([]byte(`{"agent":"qa","msg":"b"}` + "\n"))
	_, _ = rb.Write([]byte(`{"session":"agent-dev","msg":"c"}` + "\n"))

	got := string(rb.Filter("dev"))
	assert.Contains(t, got, `"msg":"a"`)
	assert.Contains(t, got, `"msg":"c"`)
	assert.NotContains(t, got, `"msg":"b"`)
}

func TestBridgeWriter(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	bw := NewBridgeWriter(CompCLI)
	_, err := bw.Write([]byte("15:04:05.000000 [crontab] synced 3 entries\n"))
	require.NoError(t, err)
	_, err = bw.Write([]byte("plain line"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	records := readRecords(t, data)
	require.Len(t, records, 2)
	assert.Equal(t, CompSchedule, records[0]["component"])
	assert.Equal(t, "synced 3 entries", records[0]["msg"])
	assert.Equal(t, CompCLI, records[1]["component"])
}
