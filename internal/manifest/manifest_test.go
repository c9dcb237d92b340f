package manifest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskhub/internal/core"
)

func sampleDocument() *Document {
	doc := New(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	doc.Tasks = append(doc.Tasks,
		Entry{
			Snapshot: core.Snapshot{
				ID:       "a",
				Name:     "nightly backup",
				Type:     "file_transfer",
				Status:   "Idle",
				Config:   map[string]any{"source": "/data", "overwrite": true, "retries": float64(3)},
				Priority: 3,
			},
			Schedule: &ScheduleDef{Kind: "daily", Config: core.TriggerConfig{Time: "02:30"}, Enabled: true},
		},
		Entry{
			Snapshot: core.Snapshot{ID: "b", Name: "deploy hook", Type: "script", Config: map[string]any{}},
		},
	)
	return doc
}

func TestEncodeDecodeBothFormats(t *testing.T) {
	t.Parallel()

	for _, f := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(f), func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, sampleDocument(), f); err != nil {
				t.Fatalf("Encode: %v", err)
			}
			doc, err := Decode(&buf, f)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if doc.Version != Version || len(doc.Tasks) != 2 {
				t.Fatalf("doc = %+v", doc)
			}
			a := doc.Tasks[0]
			if a.ID != "a" || a.Type != "file_transfer" || a.Priority != 3 {
				t.Fatalf("entry = %+v", a)
			}
			if a.Config["retries"] != float64(3) || a.Config["overwrite"] != true {
				t.Fatalf("config = %#v", a.Config)
			}
			if a.Schedule == nil || a.Schedule.Kind != "daily" || a.Schedule.Config.Time != "02:30" || !a.Schedule.Enabled {
				t.Fatalf("schedule = %+v", a.Schedule)
			}
			if doc.Tasks[1].Schedule != nil {
				t.Fatal("unscheduled task decoded with a schedule")
			}
		})
	}
}

func TestJSONShapeIsFlat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Encode(&buf, sampleDocument(), FormatJSON); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"saved_at": "2024-05-01T08:00:00Z"`, `"type": "file_transfer"`, `"schedule": {`} {
		if !strings.Contains(out, want) {
			t.Fatalf("json missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, `"Snapshot"`) {
		t.Fatal("snapshot was not flattened")
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no type":        `{"tasks":[{"id":"a"}]}`,
		"duplicate id":   `{"tasks":[{"id":"a","type":"script"},{"id":"a","type":"git"}]}`,
		"bad kind":       `{"tasks":[{"type":"script","schedule":{"kind":"hourly"}}]}`,
		"bad daily time": `{"tasks":[{"type":"script","schedule":{"kind":"daily","config":{"time":"25:00"}}}]}`,
		"not json":       `tasks: []`,
	}
	for name, in := range cases {
		if _, err := Decode(strings.NewReader(in), FormatJSON); err == nil {
			t.Fatalf("%s: Decode succeeded", name)
		}
	}
}

func TestFormats(t *testing.T) {
	t.Parallel()

	if FormatFor("tasks.YML") != FormatYAML || FormatFor("tasks.json") != FormatJSON || FormatFor("tasks") != FormatJSON {
		t.Fatal("FormatFor picked the wrong format")
	}
	if f, err := ParseFormat("yml"); err != nil || f != FormatYAML {
		t.Fatalf("ParseFormat(yml) = %v, %v", f, err)
	}
	if _, err := ParseFormat("toml"); err == nil {
		t.Fatal("ParseFormat accepted toml")
	}
}

func TestWriteReadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := WriteFile(path, sampleDocument()); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	doc, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(doc.Tasks) != 2 || doc.Tasks[1].Name != "deploy hook" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestWatcherReappliesOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := WriteFile(path, sampleDocument()); err != nil {
		t.Fatal(err)
	}
	var applied atomic.Int32
	var lastCount atomic.Int32
	w := NewWatcher(path, func(_ context.Context, doc *Document) error {
		applied.Add(1)
		lastCount.Store(int32(len(doc.Tasks)))
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	doc := sampleDocument()
	doc.Tasks = doc.Tasks[:1]
	if err := os.WriteFile(path, mustEncode(t, doc), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for applied.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if applied.Load() < 2 || lastCount.Load() != 1 {
		t.Fatalf("applied=%d lastCount=%d", applied.Load(), lastCount.Load())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWatcherSkipsUnchangedContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.json")
	data := mustEncode(t, sampleDocument())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	var applied atomic.Int32
	w := NewWatcher(path, func(context.Context, *Document) error {
		applied.Add(1)
		return nil
	}, nil)
	if err := w.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.reload(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if applied.Load() != 1 {
		t.Fatalf("applied = %d, want 1", applied.Load())
	}
}

func mustEncode(t *testing.T, doc *Document) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := Encode(&buf, doc, FormatJSON); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
