// Package manifest reads batches of prompts that were built elsewhere. A
// manifest is either a YAML document with shared settings and a job list, or
// JSON Lines with one job per line.
package manifest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"basegraph.app/batchinfer/common/llm"
	"basegraph.app/batchinfer/internal/dispatch"
)

type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSONL Format = "jsonl"
)

var ErrEmptyPrompt = errors.New("manifest: empty prompt")

// Manifest is a batch of prompts plus the settings shared by all of them.
type Manifest struct {
	SystemPrompt string         `yaml:"system_prompt" json:"system_prompt"`
	SchemaName   string         `yaml:"schema_name" json:"schema_name"`
	Schema       map[string]any `yaml:"schema" json:"schema"`
	MaxTokens    int            `yaml:"max_tokens" json:"max_tokens"`
	Temperature  *float64       `yaml:"temperature" json:"temperature"`
	Entries      []Entry        `yaml:"jobs" json:"jobs"`
}

// Entry is one prompt. Index defaults to the entry's position.
type Entry struct {
	Index        *int              `yaml:"index" json:"index"`
	Prompt       string            `yaml:"prompt" json:"prompt"`
	SystemPrompt string            `yaml:"system_prompt" json:"system_prompt"`
	Metadata     map[string]string `yaml:"metadata" json:"metadata"`
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("manifest: unknown format for %q", path)
	}
}

// Load reads the manifest at path.
func Load(path string) (*Manifest, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	return Parse(f, format)
}

func Parse(r io.Reader, format Format) (*Manifest, error) {
	switch format {
	case FormatYAML:
		var m Manifest
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decoding yaml manifest: %w", err)
		}
		return &m, nil
	case FormatJSONL:
		return parseJSONL(r)
	default:
		return nil, fmt.Errorf("manifest: unknown format %q", format)
	}
}

func parseJSONL(r io.Reader) (*Manifest, error) {
	var m Manifest
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		m.Entries = append(m.Entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return &m, nil
}

// SchemaJSON returns the response schema, or nil when the manifest has none.
func (m *Manifest) SchemaJSON() (json.RawMessage, error) {
	if len(m.Schema) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m.Schema)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	return b, nil
}

// Jobs turns the entries into dispatcher jobs carrying ready-to-send requests.
func (m *Manifest) Jobs() ([]dispatch.Job[llm.Request], error) {
	schema, err := m.SchemaJSON()
	if err != nil {
		return nil, err
	}
	name := m.SchemaName
	if name == "" && schema != nil {
		name = "response"
	}

	jobs := make([]dispatch.Job[llm.Request], 0, len(m.Entries))
	for i, e := range m.Entries {
		index := i
		if e.Index != nil {
			index = *e.Index
		}
		if strings.TrimSpace(e.Prompt) == "" {
			return nil, fmt.Errorf("%w: job %d", ErrEmptyPrompt, index)
		}

		system := e.SystemPrompt
		if system == "" {
			system = m.SystemPrompt
		}
		req := llm.Request{
			SystemPrompt: system,
			UserPrompt:   e.Prompt,
			MaxTokens:    m.MaxTokens,
			Temperature:  m.Temperature,
		}
		if schema != nil {
			req.SchemaName = name
			req.Schema = schema
		}
		jobs = append(jobs, dispatch.Job[llm.Request]{
			Index:    index,
			Payload:  req,
			Metadata: e.Metadata,
		})
	}
	return jobs, nil
}
