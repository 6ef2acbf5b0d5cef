// Package storage archives dead-lettered ingestion tasks outside the
// primary database, either on the local filesystem or in S3 with a
// DynamoDB index.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/mailflow/internal/service/ingestion"
)

// Archive types.
const (
	TypeNone  = "none"
	TypeLocal = "local"
	TypeAWS   = "aws"
)

// Config selects and configures an archive backend.
type Config struct {
	Type      string `yaml:"type"`
	LocalPath string `yaml:"local_path"`
	Bucket    string `yaml:"bucket"`
	Table     string `yaml:"table"`
	Region    string `yaml:"region"`
	Profile   string `yaml:"profile"`
	// Retention sets the DynamoDB TTL of index items.
	Retention time.Duration `yaml:"retention"`
}

// Archived is an index entry for an archived dead letter. The payload is
// fetched separately through PayloadKey.
type Archived struct {
	ingestion.DeadLetterEntry
	PayloadKey string `json:"payload_key"`
}

// Archive is a dead letter sink that can be searched later.
type Archive interface {
	ingestion.DeadLetterSink
	List(ctx context.Context, kind string, from, to time.Time) ([]Archived, error)
	Payload(ctx context.Context, key string) ([]byte, error)
}

// New builds the archive named by cfg.Type. An empty type or "none"
// returns a nil Archive.
func New(ctx context.Context, cfg Config) (Archive, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeLocal:
		a, err := NewLocalArchive(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		return a, nil
	case TypeAWS:
		a, err := NewAWSArchive(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown dead letter archive type %q", cfg.Type)
	}
}

// payloadKey places payloads under a date prefix so buckets can expire
// them with lifecycle rules.
func payloadKey(e *ingestion.DeadLetterEntry) string {
	return fmt.Sprintf("deadletters/%s/%s/%s.bin", e.FailedAt.UTC().Format("2006/01/02"), e.Kind, e.TaskID)
}

// sortTimeFormat is fixed width so that sort keys order lexically.
const sortTimeFormat = "2006-01-02T15:04:05.000000000Z"

func sortKey(e *ingestion.DeadLetterEntry) string {
	return e.FailedAt.UTC().Format(sortTimeFormat) + "#" + e.TaskID
}
