// Package manifest reads and writes the portable description of every task
// and its schedule, as JSON or YAML.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskhub/internal/core"
)

// Version is written into every exported document.
const Version = "1.0"

// Format selects the document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml.
func ParseFormat(v string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported manifest format %q", v)
}

// FormatFor picks the format from a file extension, defaulting to JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ContentType is the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// Document is the whole manifest.
type Document struct {
	Version string  `json:"version" yaml:"version"`
	SavedAt string  `json:"saved_at" yaml:"saved_at"`
	Tasks   []Entry `json:"tasks" yaml:"tasks"`
}

// Entry is one task snapshot plus its optional schedule definition.
type Entry struct {
	core.Snapshot `yaml:",inline"`
	Schedule      *ScheduleDef `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// ScheduleDef describes a schedule without its runtime timing state.
type ScheduleDef struct {
	Kind    string             `json:"kind" yaml:"kind"`
	Config  core.TriggerConfig `json:"config" yaml:"config"`
	Enabled bool               `json:"enabled" yaml:"enabled"`
}

// New returns an empty document stamped with now.
func New(now time.Time) *Document {
	return &Document{Version: Version, SavedAt: core.FormatTime(now), Tasks: []Entry{}}
}

// Validate checks the fields Apply relies on.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Tasks))
	for i, e := range d.Tasks {
		if e.Type == "" {
			return fmt.Errorf("task %d: type is required", i)
		}
		if e.ID != "" {
			if seen[e.ID] {
				return fmt.Errorf("task %d: duplicate id %s", i, e.ID)
			}
			seen[e.ID] = true
		}
		if e.Schedule != nil {
			kind, err := core.ParseTriggerKind(e.Schedule.Kind)
			if err != nil {
				return fmt.Errorf("task %d: %w", i, err)
			}
			if err := core.ValidateTrigger(kind, e.Schedule.Config); err != nil {
				return fmt.Errorf("task %d: %w", i, err)
			}
		}
	}
	return nil
}

// Decode parses a document in format f.
func Decode(r io.Reader, f Format) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var doc Document
	switch f {
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s manifest: %w", f, err)
	}
	for i := range doc.Tasks {
		doc.Tasks[i].Config = normalize(doc.Tasks[i].Config)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode writes d in format f.
func Encode(w io.Writer, d *Document, f Format) error {
	switch f {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("encode yaml manifest: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("encode json manifest: %w", err)
		}
		return nil
	}
}

// ReadFile decodes the manifest at path using its extension.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(data), FormatFor(path))
}

// WriteFile encodes d to path atomically.
func WriteFile(path string, d *Document) error {
	var buf bytes.Buffer
	if err := Encode(&buf, d, FormatFor(path)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// normalize converts YAML integers to float64 so configs decoded from either
// format look the same to behaviors.
func normalize(cfg map[string]any) map[string]any {
	for k, v := range cfg {
		cfg[k] = normalizeValue(v)
	}
	return cfg
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case []any:
		for i := range x {
			x[i] = normalizeValue(x[i])
		}
		return x
	case map[string]any:
		return normalize(x)
	default:
		return v
	}
}
