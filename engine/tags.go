package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/23skdu/quiver"
	"github.com/23skdu/quiver/internal/metrics"
)

const tagsDirName = "_refs/tags"

// TagContents pins a tag to a dataset version.
type TagContents struct {
	Version      uint64 `json:"version"`
	ManifestSize int    `json:"manifestSize"`
}

// Tags manages named references to dataset versions, stored as one JSON
// file per tag under <root>/_refs/tags.
type Tags struct {
	root       string
	logger     zerolog.Logger
	maxVersion func() int64
}

// NewTags creates a tag store rooted at a dataset directory. Stores
// created this way accept any positive version.
func NewTags(root string, logger *zerolog.Logger) *Tags {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Tags{root: root, logger: l}
}

// Tags returns a tag store rooted at dir and bound to this dataset:
// Create rejects versions beyond the dataset's current version.
func (d *Dataset) Tags(dir string) *Tags {
	t := NewTags(dir, &d.Logger)
	t.maxVersion = d.Version
	return t
}

func (t *Tags) tagPath(name string) string {
	return filepath.Join(t.root, tagsDirName, name+".json")
}

// List returns every tag with its contents, keyed by name.
func (t *Tags) List() (map[string]TagContents, error) {
	entries, err := os.ReadDir(filepath.Join(t.root, tagsDirName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]TagContents{}, nil
		}
		metrics.TagOperationsTotal.WithLabelValues("list", "error").Inc()
		return nil, err
	}

	out := make(map[string]TagContents, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		contents, err := t.Get(name)
		if err != nil {
			metrics.TagOperationsTotal.WithLabelValues("list", "error").Inc()
			return nil, err
		}
		out[name] = contents
	}
	metrics.TagOperationsTotal.WithLabelValues("list", "ok").Inc()
	return out, nil
}

// Names returns all tag names sorted.
func (t *Tags) Names() ([]string, error) {
	tags, err := t.List()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get returns the contents of one tag.
func (t *Tags) Get(name string) (TagContents, error) {
	if err := checkTagName(name); err != nil {
		return TagContents{}, err
	}
	data, err := os.ReadFile(t.tagPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TagContents{}, quiver.NewNotFoundError("tag", name)
		}
		return TagContents{}, err
	}
	var contents TagContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return TagContents{}, fmt.Errorf("parsing tag %q: %w", name, err)
	}
	return contents, nil
}

// Create writes a new tag. Creating a name that already exists fails,
// as does tagging version 0 or, for dataset-bound stores, a version the
// dataset has not reached.
func (t *Tags) Create(name string, contents TagContents) error {
	if err := checkTagName(name); err != nil {
		metrics.TagOperationsTotal.WithLabelValues("create", "error").Inc()
		return err
	}
	if contents.Version == 0 {
		metrics.TagOperationsTotal.WithLabelValues("create", "error").Inc()
		return quiver.NewInvalidArgumentError("version", "tag version must be positive")
	}
	if t.maxVersion != nil && contents.Version > uint64(t.maxVersion()) {
		metrics.TagOperationsTotal.WithLabelValues("create", "error").Inc()
		return quiver.NewInvalidArgumentError("version",
			fmt.Sprintf("version %d does not exist yet", contents.Version))
	}
	path := t.tagPath(name)
	if _, err := os.Stat(path); err == nil {
		metrics.TagOperationsTotal.WithLabelValues("create", "error").Inc()
		return quiver.NewAlreadyExistsError("tag", name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		metrics.TagOperationsTotal.WithLabelValues("create", "error").Inc()
		return err
	}

	data, err := json.Marshal(contents)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		metrics.TagOperationsTotal.WithLabelValues("create", "error").Inc()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		metrics.TagOperationsTotal.WithLabelValues("create", "error").Inc()
		return err
	}

	metrics.TagOperationsTotal.WithLabelValues("create", "ok").Inc()
	t.logger.Info().Str("tag", name).Uint64("version", contents.Version).Msg("created tag")
	return nil
}

// Delete removes a tag. Deleting a missing tag fails.
func (t *Tags) Delete(name string) error {
	if err := checkTagName(name); err != nil {
		metrics.TagOperationsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	path := t.tagPath(name)
	if _, err := os.Stat(path); err != nil {
		metrics.TagOperationsTotal.WithLabelValues("delete", "error").Inc()
		if errors.Is(err, fs.ErrNotExist) {
			return quiver.NewNotFoundError("tag", name)
		}
		return err
	}
	if err := os.Remove(path); err != nil {
		metrics.TagOperationsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	metrics.TagOperationsTotal.WithLabelValues("delete", "ok").Inc()
	t.logger.Info().Str("tag", name).Msg("deleted tag")
	return nil
}

// checkTagName enforces the git check-ref-format rules for a single-level
// ref, plus a ban on path separators since names become file names.
func checkTagName(name string) error {
	invalid := func(reason string) error {
		return quiver.NewInvalidArgumentError("tag",
			fmt.Sprintf("invalid tag name %q: %s", name, reason))
	}

	if name == "" {
		return invalid("must not be empty")
	}
	if name == "@" {
		return invalid("must not be the single character @")
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return invalid("must not begin or end with a dot")
	}
	if strings.Contains(name, "..") {
		return invalid("must not contain ..")
	}
	if strings.HasSuffix(name, ".lock") {
		return invalid("must not end with .lock")
	}
	if strings.Contains(name, "@{") {
		return invalid("must not contain @{")
	}
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			return invalid("must not contain control characters")
		case strings.ContainsRune(" ~^:?*[\\/", r):
			return invalid(fmt.Sprintf("must not contain %q", r))
		}
	}
	return nil
}
