package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/switchgate/internal/core"
)

// FileRepository serves flags from a static YAML or JSON document. Every
// write returns [ErrReadOnly] and no flag events are ever produced.
//
// The document shape is:
//
//	flags:
//	  - project: default   # optional
//	    key: new-checkout
//	    description: ...
//	    status: true
//	    rules:
//	      - segment:
//	          key: beta
//	          matching: all
//	          conditions: [...]
type FileRepository struct {
	path  string
	flags []Flag
	index map[string]map[string]int
}

type flagDocument struct {
	Flags []fileFlag `yaml:"flags"`
}

type fileFlag struct {
	Project     string      `yaml:"project"`
	Key         string      `yaml:"key"`
	Description string      `yaml:"description"`
	Status      bool        `yaml:"status"`
	Rules       []core.Rule `yaml:"rules"`
}

// NewFileRepository reads and parses the flag document at path.
func NewFileRepository(path string) (*FileRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}

	loadedAt := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		loadedAt = info.ModTime().UTC()
	}

	flags, err := ParseFlagDocument(data, loadedAt)
	if err != nil {
		return nil, fmt.Errorf("parse flag file %s: %w", path, err)
	}

	repo := &FileRepository{
		path:  path,
		flags: flags,
		index: make(map[string]map[string]int),
	}
	for i, flag := range flags {
		if repo.index[flag.ProjectID] == nil {
			repo.index[flag.ProjectID] = make(map[string]int)
		}
		repo.index[flag.ProjectID][flag.Key] = i
	}

	return repo, nil
}

// ParseFlagDocument decodes a YAML or JSON flag document. Flags without a
// project are assigned [DefaultProjectID]; duplicate keys within a project
// are rejected. Returned flags are ordered by project and key.
func ParseFlagDocument(data []byte, timestamp time.Time) ([]Flag, error) {
	var doc flagDocument
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode flag document: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Flags))
	flags := make([]Flag, 0, len(doc.Flags))
	for i, entry := range doc.Flags {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return nil, fmt.Errorf("flags[%d]: key is required", i)
		}

		projectID := strings.TrimSpace(entry.Project)
		if projectID == "" {
			projectID = DefaultProjectID
		}

		id := projectID + "/" + key
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("flags[%d]: duplicate flag %q in project %q", i, key, projectID)
		}
		seen[id] = struct{}{}

		var rules json.RawMessage
		if entry.Rules != nil {
			encoded, err := json.Marshal(entry.Rules)
			if err != nil {
				return nil, fmt.Errorf("flags[%d]: encode rules: %w", i, err)
			}
			rules = encoded
		}

		flags = append(flags, Flag{
			Key:         key,
			ProjectID:   projectID,
			Description: entry.Description,
			Status:      entry.Status,
			Rules:       rules,
			CreatedAt:   timestamp,
			UpdatedAt:   timestamp,
		})
	}

	slices.SortFunc(flags, func(a, b Flag) int {
		if c := strings.Compare(a.ProjectID, b.ProjectID); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	return flags, nil
}

// Path returns the file the repository was loaded from.
func (r *FileRepository) Path() string {
	return r.path
}

func (r *FileRepository) GetFlag(_ context.Context, projectID, key string) (Flag, error) {
	if idx, ok := r.index[projectID][key]; ok {
		return r.flags[idx], nil
	}
	return Flag{}, fmt.Errorf("get flag: %w", ErrNotFound)
}

func (r *FileRepository) ListFlags(context.Context) ([]Flag, error) {
	return slices.Clone(r.flags), nil
}

func (r *FileRepository) ListFlagsByProject(_ context.Context, projectID string) ([]Flag, error) {
	flags := make([]Flag, 0, len(r.index[projectID]))
	for _, flag := range r.flags {
		if flag.ProjectID == projectID {
			flags = append(flags, flag)
		}
	}
	return flags, nil
}

func (r *FileRepository) CreateFlag(context.Context, Flag) (Flag, error) {
	return Flag{}, fmt.Errorf("create flag: %w", ErrReadOnly)
}

func (r *FileRepository) UpdateFlag(context.Context, Flag) (Flag, error) {
	return Flag{}, fmt.Errorf("update flag: %w", ErrReadOnly)
}

func (r *FileRepository) DeleteFlag(context.Context, string, string) error {
	return fmt.Errorf("delete flag: %w", ErrReadOnly)
}

func (r *FileRepository) PublishFlagEvent(context.Context, FlagEvent) (FlagEvent, error) {
	return FlagEvent{}, fmt.Errorf("publish flag event: %w", ErrReadOnly)
}

func (r *FileRepository) ListEventsSince(context.Context, string, int64) ([]FlagEvent, error) {
	return []FlagEvent{}, nil
}

func (r *FileRepository) ListEventsSinceForKey(context.Context, string, int64, string) ([]FlagEvent, error) {
	return []FlagEvent{}, nil
}
