// Package clusterfile loads cluster registry seed files and applies them to
// the registry.
//
// A seed file lists clusters by name:
//
//	clusters:
//	  - name: flink-cluster-1
//	    url: http://localhost:8081
//	    description: Primary Flink cluster
//	    active: true
//
// YAML (.yaml/.yml), TOML (.toml) and JSON (.json) are accepted; the format
// is chosen by extension.
package clusterfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

// ErrInvalidFile indicates the seed file failed validation.
var ErrInvalidFile = errors.New("invalid cluster file")

// Entry is one cluster in a seed file. Active defaults to true.
type Entry struct {
	Name        string `yaml:"name" toml:"name" json:"name"`
	URL         string `yaml:"url" toml:"url" json:"url"`
	Description string `yaml:"description,omitempty" toml:"description,omitempty" json:"description,omitempty"`
	Active      *bool  `yaml:"active,omitempty" toml:"active,omitempty" json:"active,omitempty"`
}

// IsActive reports the entry's active flag, defaulting to true.
func (e Entry) IsActive() bool {
	return e.Active == nil || *e.Active
}

// Cluster converts the entry into a registry descriptor.
func (e Entry) Cluster() snapshotstore.Cluster {
	return snapshotstore.Cluster{
		Name:        strings.TrimSpace(e.Name),
		URL:         strings.TrimRight(strings.TrimSpace(e.URL), "/"),
		Description: e.Description,
		IsActive:    e.IsActive(),
	}
}

// File is a parsed seed file.
type File struct {
	Clusters []Entry `yaml:"clusters" toml:"clusters" json:"clusters"`
}

// Defaults returns the two local development clusters the registry is
// seeded with when no file is given.
func Defaults() *File {
	return &File{Clusters: []Entry{
		{Name: "flink-cluster-1", URL: "http://localhost:8081", Description: "Primary Flink cluster"},
		{Name: "flink-cluster-2", URL: "http://localhost:8082", Description: "Secondary Flink cluster"},
	}}
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cluster file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading cluster file: %s", path)
		}
		return nil, fmt.Errorf("failed to read cluster file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader reads a seed file from r. The path is used for format
// detection and error messages.
func LoadFromReader(r io.Reader, path string) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a seed file from raw bytes.
func LoadFromBytes(data []byte, path string) (*File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("cluster file is empty: %w", ErrInvalidFile)
	}

	f, err := parse(data, path)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func parse(data []byte, path string) (*File, error) {
	var f File

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to parse JSON cluster file: %w", err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to parse TOML cluster file: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to parse YAML cluster file: %w", err)
		}
	}
	return &f, nil
}

// ValidationErrors collects every problem found in a seed file.
type ValidationErrors []string

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return "cluster file: " + e[0]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "cluster file has %d errors:", len(e))
	for _, msg := range e {
		b.WriteString("\n  - ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrInvalidFile
}

// Validate checks every entry and rejects duplicate names.
func (f *File) Validate() error {
	if len(f.Clusters) == 0 {
		return fmt.Errorf("cluster file lists no clusters: %w", ErrInvalidFile)
	}

	var errs ValidationErrors
	seen := make(map[string]int, len(f.Clusters))
	for i, e := range f.Clusters {
		c := e.Cluster()
		if err := snapshotstore.ValidateCluster(c); err != nil {
			errs = append(errs, fmt.Sprintf("clusters[%d]: %s", i, strings.TrimSuffix(err.Error(), ": "+snapshotstore.ErrValidation.Error())))
			continue
		}
		if prev, ok := seen[c.Name]; ok {
			errs = append(errs, fmt.Sprintf("clusters[%d]: duplicate name %q (first at clusters[%d])", i, c.Name, prev))
			continue
		}
		seen[c.Name] = i
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
