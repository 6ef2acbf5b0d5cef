package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailflow/internal/service/ingestion"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

// fakeDynamo evaluates the PK/SK BETWEEN query used by the archive and
// pages one item at a time.
type fakeDynamo struct {
	mu    sync.Mutex
	items []map[string]types.AttributeValue
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := str(in.ExpressionAttributeValues[":pk"])
	from := str(in.ExpressionAttributeValues[":from"])
	to := str(in.ExpressionAttributeValues[":to"])
	var match []map[string]types.AttributeValue
	for _, it := range f.items {
		sk := str(it["SK"])
		if str(it["PK"]) == pk && sk >= from && sk <= to {
			match = append(match, it)
		}
	}
	sort.Slice(match, func(i, j int) bool { return str(match[i]["SK"]) < str(match[j]["SK"]) })

	start := 0
	if in.ExclusiveStartKey != nil {
		after := str(in.ExclusiveStartKey["SK"])
		for start < len(match) && str(match[start]["SK"]) <= after {
			start++
		}
	}
	if start >= len(match) {
		return &dynamodb.QueryOutput{}, nil
	}
	out := &dynamodb.QueryOutput{Items: match[start : start+1]}
	if start+1 < len(match) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": match[start]["PK"], "SK": match[start]["SK"]}
	}
	return out, nil
}

func entry(kind, taskID string, failedAt time.Time) *ingestion.DeadLetterEntry {
	return &ingestion.DeadLetterEntry{
		TaskID:         taskID,
		Kind:           kind,
		Payload:        []byte("payload of " + taskID),
		Attempts:       80,
		FirstAttemptAt: failedAt.Add(-14 * 24 * time.Hour),
		FailedAt:       failedAt,
		LastError:      "connection refused",
	}
}

func TestAWSArchive_PutListPayload(t *testing.T) {
	ctx := context.Background()
	s3c := &fakeS3{objects: map[string][]byte{}}
	db := &fakeDynamo{}
	a := NewAWSArchiveWithClients(s3c, db, Config{Bucket: "archive", Table: "deadletters", Retention: 24 * time.Hour})
	a.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.PutDeadLetter(ctx, entry("dsn", "t1", t0)))
	require.NoError(t, a.PutDeadLetter(ctx, entry("dsn", "t2", t0.Add(time.Hour))))
	require.NoError(t, a.PutDeadLetter(ctx, entry("arf", "t3", t0.Add(time.Hour))))
	require.NoError(t, a.PutDeadLetter(ctx, entry("dsn", "t4", t0.Add(48*time.Hour))))

	assert.Contains(t, s3c.objects, "archive/deadletters/2024/05/01/dsn/t1.bin")
	ttl, ok := db.items[0]["TTL"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, "1700086400", ttl.Value)
	_, hasPayload := db.items[0]["Payload"]
	assert.False(t, hasPayload, "payload lives in S3 only")

	got, err := a.List(ctx, "dsn", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.Equal(t, "t2", got[1].TaskID)
	assert.Equal(t, 80, got[0].Attempts)
	assert.True(t, got[0].FailedAt.Equal(t0))
	assert.Equal(t, "connection refused", got[0].LastError)

	body, err := a.Payload(ctx, got[1].PayloadKey)
	require.NoError(t, err)
	assert.Equal(t, "payload of t2", string(body))
}

func TestLocalArchive_PutListPayload(t *testing.T) {
	ctx := context.Background()
	a, err := NewLocalArchive(t.TempDir())
	require.NoError(t, err)

	empty, err := a.List(ctx, "dsn", time.Time{}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, empty)

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.PutDeadLetter(ctx, entry("dsn", "t2", t0.Add(time.Hour))))
	require.NoError(t, a.PutDeadLetter(ctx, entry("dsn", "t1", t0)))
	require.NoError(t, a.PutDeadLetter(ctx, entry("pmta", "t3", t0)))

	got, err := a.List(ctx, "dsn", t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.Nil(t, got[0].Payload)
	assert.True(t, strings.HasSuffix(got[0].PayloadKey, "t1.bin"))

	body, err := a.Payload(ctx, got[0].PayloadKey)
	require.NoError(t, err)
	assert.Equal(t, "payload of t1", string(body))
}

func TestNew_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = New(ctx, Config{Type: TypeLocal, LocalPath: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalArchive{}, a)

	_, err = New(ctx, Config{Type: TypeAWS})
	assert.Error(t, err, "bucket and table are required")

	_, err = New(ctx, Config{Type: "ftp"})
	assert.Error(t, err)
}
