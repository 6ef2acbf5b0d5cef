// Package sqsq is an Amazon SQS backed queue.TaskQueue and queue.Consumer.
//
// Each priority may map to its own queue URL; priorities without one share
// the default URL. SQS caps DelaySeconds at 15 minutes, so longer retry
// delays are carried in a not_before attribute and the message hops through
// the queue in 15 minute steps until it is due.
package sqsq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/queue"
)

// MaxDelay is the longest DelaySeconds SQS accepts.
const MaxDelay = 15 * time.Minute

const notBeforeAttr = "not_before"

// API is the subset of *sqs.Client used by the queue.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Config tunes a Queue.
type Config struct {
	// URL is the default queue.
	URL string
	// PriorityURLs overrides URL per priority.
	PriorityURLs map[queue.Priority]string
	// WaitTime is the long poll applied to the lowest priority queue.
	WaitTime time.Duration
	// VisibilityTimeout overrides the queue's default when set.
	VisibilityTimeout time.Duration
}

// Queue implements queue.TaskQueue and queue.Consumer over SQS.
type Queue struct {
	api    API
	cfg    Config
	urls   []string
	closed atomic.Bool
	now    func() time.Time
}

var (
	_ queue.TaskQueue = (*Queue)(nil)
	_ queue.Consumer  = (*Queue)(nil)
)

// New creates a Queue. At least one URL must be configured.
func New(api API, cfg Config) (*Queue, error) {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20 * time.Second
	}
	q := &Queue{api: api, cfg: cfg, now: time.Now}
	seen := map[string]bool{}
	for _, p := range queue.Priorities {
		u := q.urlFor(p)
		if u == "" {
			return nil, fmt.Errorf("sqs queue: no URL for priority %d", p)
		}
		if !seen[u] {
			seen[u] = true
			q.urls = append(q.urls, u)
		}
	}
	return q, nil
}

func (q *Queue) urlFor(p queue.Priority) string {
	if u := q.cfg.PriorityURLs[p]; u != "" {
		return u
	}
	return q.cfg.URL
}

// Enqueue sends t. Delays beyond MaxDelay are recorded in not_before.
func (q *Queue) Enqueue(ctx context.Context, t queue.Task, opts queue.Options) error {
	if q.closed.Load() {
		return queue.ErrClosed
	}
	t = t.Apply(opts)
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	var notBefore time.Time
	if opts.RetryDelay > MaxDelay {
		notBefore = q.now().Add(opts.RetryDelay)
	}
	return q.send(ctx, q.urlFor(t.Priority), string(body), opts.RetryDelay, notBefore)
}

func (q *Queue) send(ctx context.Context, url, body string, delay time.Duration, notBefore time.Time) error {
	if delay > MaxDelay {
		delay = MaxDelay
	}
	in := &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(body),
		DelaySeconds: int32(delay / time.Second),
	}
	if !notBefore.IsZero() {
		in.MessageAttributes = map[string]types.MessageAttributeValue{
			notBeforeAttr: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(notBefore.UnixMilli(), 10)),
			},
		}
	}
	if _, err := q.api.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

// Receive polls the queues highest priority first. Only the last queue is
// long polled. It returns (nil, nil) when nothing arrived.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	if q.closed.Load() {
		return nil, queue.ErrClosed
	}
	for i, url := range q.urls {
		in := &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(url),
			MaxNumberOfMessages:   1,
			MessageAttributeNames: []string{notBeforeAttr},
		}
		if i == len(q.urls)-1 {
			in.WaitTimeSeconds = int32(q.cfg.WaitTime / time.Second)
		}
		if q.cfg.VisibilityTimeout > 0 {
			in.VisibilityTimeout = int32(q.cfg.VisibilityTimeout / time.Second)
		}
		out, err := q.api.ReceiveMessage(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("sqs receive: %w", err)
		}
		for _, msg := range out.Messages {
			d, err := q.deliver(ctx, url, msg)
			if err != nil || d != nil {
				return d, err
			}
		}
	}
	return nil, nil
}

// deliver decodes msg. Messages that are not yet due hop forward and yield
// no delivery.
func (q *Queue) deliver(ctx context.Context, url string, msg types.Message) (*queue.Delivery, error) {
	receipt := url + "\n" + aws.ToString(msg.ReceiptHandle)
	body := aws.ToString(msg.Body)

	if attr, ok := msg.MessageAttributes[notBeforeAttr]; ok {
		ms, err := strconv.ParseInt(aws.ToString(attr.StringValue), 10, 64)
		if err == nil {
			notBefore := time.UnixMilli(ms)
			if remaining := notBefore.Sub(q.now()); remaining > 0 {
				hop := notBefore
				if remaining <= MaxDelay {
					hop = time.Time{}
				}
				if err := q.send(ctx, url, body, remaining, hop); err != nil {
					return nil, err
				}
				return nil, q.Ack(ctx, &queue.Delivery{Receipt: receipt})
			}
		}
	}

	var t queue.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		logger.Error("dropping undecodable task", "queue", url, "message_id", aws.ToString(msg.MessageId), "error", err)
		return nil, q.Ack(ctx, &queue.Delivery{Receipt: receipt})
	}
	return &queue.Delivery{Task: t, Receipt: receipt}, nil
}

func splitReceipt(receipt string) (url, handle string, err error) {
	url, handle, ok := strings.Cut(receipt, "\n")
	if !ok || url == "" || handle == "" {
		return "", "", fmt.Errorf("sqs queue: malformed receipt")
	}
	return url, handle, nil
}

// Ack deletes the message.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	url, handle, err := splitReceipt(d.Receipt)
	if err != nil {
		return err
	}
	_, err = q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete task %s: %w", d.Task.ID, err)
	}
	return nil
}

// Nack makes the message visible again immediately.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery) error {
	url, handle, err := splitReceipt(d.Receipt)
	if err != nil {
		return err
	}
	_, err = q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("sqs nack task %s: %w", d.Task.ID, err)
	}
	return nil
}

// Close makes further Enqueue and Receive calls fail with queue.ErrClosed.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
