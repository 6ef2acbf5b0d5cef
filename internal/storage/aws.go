package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/service/ingestion"
)

// S3API is the subset of *s3.Client used by AWSArchive.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// DynamoAPI is the subset of *dynamodb.Client used by AWSArchive.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AWSArchive stores payloads in S3 and an index item per entry in
// DynamoDB, partitioned by task kind and sorted by failure time.
type AWSArchive struct {
	s3        S3API
	dynamoDB  DynamoAPI
	bucket    string
	tableName string
	retention time.Duration
	now       func() time.Time
}

// NewAWSArchive loads the default AWS config chain for cfg.Region and
// cfg.Profile.
func NewAWSArchive(ctx context.Context, cfg Config) (*AWSArchive, error) {
	if cfg.Bucket == "" || cfg.Table == "" {
		return nil, fmt.Errorf("aws archive needs bucket and table")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewAWSArchiveWithClients(s3.NewFromConfig(awsCfg), dynamodb.NewFromConfig(awsCfg), cfg), nil
}

// NewAWSArchiveWithClients builds an archive on existing clients.
func NewAWSArchiveWithClients(s3c S3API, db DynamoAPI, cfg Config) *AWSArchive {
	return &AWSArchive{
		s3:        s3c,
		dynamoDB:  db,
		bucket:    cfg.Bucket,
		tableName: cfg.Table,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

func partitionKey(kind string) string { return "DEADLETTER#" + kind }

// PutDeadLetter uploads the payload and then writes the index item.
func (a *AWSArchive) PutDeadLetter(ctx context.Context, e *ingestion.DeadLetterEntry) error {
	key := payloadKey(e)
	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(e.Payload),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}

	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: partitionKey(e.Kind)}
	item["SK"] = &types.AttributeValueMemberS{Value: sortKey(e)}
	item["payload_key"] = &types.AttributeValueMemberS{Value: key}
	if a.retention > 0 {
		item["TTL"] = &types.AttributeValueMemberN{Value: fmt.Sprint(a.now().Add(a.retention).Unix())}
	}

	_, err = a.dynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	logger.Debug("dead letter archived", "task_id", e.TaskID, "key", key)
	return nil
}

// List returns index entries of kind that failed within [from, to].
func (a *AWSArchive) List(ctx context.Context, kind string, from, to time.Time) ([]Archived, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(a.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: partitionKey(kind)},
			":from": &types.AttributeValueMemberS{Value: from.UTC().Format(sortTimeFormat)},
			// '~' sorts after the task id separator.
			":to": &types.AttributeValueMemberS{Value: to.UTC().Format(sortTimeFormat) + "~"},
		},
	}
	var out []Archived
	for {
		result, err := a.dynamoDB.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("querying DynamoDB: %w", err)
		}
		for _, item := range result.Items {
			var entry Archived
			if err := attributevalue.UnmarshalMap(item, &entry.DeadLetterEntry); err != nil {
				logger.Warn("skipping unreadable archive item", "error", err)
				continue
			}
			if v, ok := item["payload_key"].(*types.AttributeValueMemberS); ok {
				entry.PayloadKey = v.Value
			}
			out = append(out, entry)
		}
		if len(result.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

// Payload downloads an archived payload.
func (a *AWSArchive) Payload(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer obj.Body.Close()
	return io.ReadAll(obj.Body)
}
