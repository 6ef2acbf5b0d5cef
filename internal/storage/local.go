package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ignite/mailflow/internal/service/ingestion"
)

// LocalArchive writes one JSON document per entry below a directory. It is
// meant for development and single host installs.
type LocalArchive struct {
	root string
}

// NewLocalArchive creates root if needed.
func NewLocalArchive(root string) (*LocalArchive, error) {
	if root == "" {
		root = "./data"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	return &LocalArchive{root: root}, nil
}

type localDoc struct {
	Archived
	Payload []byte `json:"payload"`
}

func (l *LocalArchive) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimSuffix(key, ".bin")+".json"))
}

func (l *LocalArchive) PutDeadLetter(_ context.Context, e *ingestion.DeadLetterEntry) error {
	key := payloadKey(e)
	doc := localDoc{Archived: Archived{DeadLetterEntry: *e, PayloadKey: key}, Payload: e.Payload}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// List walks the archive. Entries are returned oldest first.
func (l *LocalArchive) List(_ context.Context, kind string, from, to time.Time) ([]Archived, error) {
	var out []Archived
	err := filepath.WalkDir(filepath.Join(l.root, "deadletters"), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".json" {
			return nil
		}
		doc, err := l.read(p)
		if err != nil {
			return err
		}
		if doc.Kind != kind || doc.FailedAt.Before(from) || doc.FailedAt.After(to) {
			return nil
		}
		doc.Payload = nil
		out = append(out, doc.Archived)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

func (l *LocalArchive) read(p string) (*localDoc, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var doc localDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return &doc, nil
}

func (l *LocalArchive) Payload(_ context.Context, key string) ([]byte, error) {
	doc, err := l.read(l.path(key))
	if err != nil {
		return nil, err
	}
	return doc.Payload, nil
}
