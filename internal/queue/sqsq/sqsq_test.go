package sqsq

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailflow/internal/queue"
)

type fakeMessage struct {
	id        string
	body      string
	attrs     map[string]types.MessageAttributeValue
	visibleAt time.Time
	handle    string
}

// fakeSQS keeps messages per URL and honours delays and visibility.
type fakeSQS struct {
	mu       sync.Mutex
	now      time.Time
	queues   map[string][]*fakeMessage
	seq      int
	sends    []*sqs.SendMessageInput
	receives []*sqs.ReceiveMessageInput
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), queues: map[string][]*fakeMessage{}}
}

func (f *fakeSQS) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeSQS) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeSQS) depth(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[url])
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.DelaySeconds > 900 {
		return nil, errors.New("InvalidParameterValue: DelaySeconds")
	}
	f.seq++
	url := aws.ToString(in.QueueUrl)
	f.queues[url] = append(f.queues[url], &fakeMessage{
		id:        strconv.Itoa(f.seq),
		body:      aws.ToString(in.MessageBody),
		attrs:     in.MessageAttributes,
		visibleAt: f.now.Add(time.Duration(in.DelaySeconds) * time.Second),
	})
	f.sends = append(f.sends, in)
	return &sqs.SendMessageOutput{MessageId: aws.String(strconv.Itoa(f.seq))}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives = append(f.receives, in)
	for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
		if m.visibleAt.After(f.now) {
			continue
		}
		f.seq++
		m.handle = "h" + strconv.Itoa(f.seq)
		m.visibleAt = f.now.Add(30 * time.Second)
		return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
			MessageId:         aws.String(m.id),
			Body:              aws.String(m.body),
			ReceiptHandle:     aws.String(m.handle),
			MessageAttributes: m.attrs,
		}}}, nil
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(in.QueueUrl)
	msgs := f.queues[url]
	for i, m := range msgs {
		if m.handle == aws.ToString(in.ReceiptHandle) {
			f.queues[url] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.queues[aws.ToString(in.QueueUrl)] {
		if m.handle == aws.ToString(in.ReceiptHandle) {
			m.visibleAt = f.now.Add(time.Duration(in.VisibilityTimeout) * time.Second)
		}
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

const (
	defaultURL = "https://sqs.local/000/mailflow"
	highURL    = "https://sqs.local/000/mailflow-high"
)

func newQueue(t *testing.T, cfg Config) (*Queue, *fakeSQS) {
	t.Helper()
	api := newFakeSQS()
	q, err := New(api, cfg)
	require.NoError(t, err)
	q.now = api.clock
	return q, api
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(newFakeSQS(), Config{})
	assert.Error(t, err)
}

func TestQueue_RoundTrip(t *testing.T) {
	ctx := context.Background()
	q, api := newQueue(t, Config{URL: defaultURL})

	task := queue.NewTask("dsn", []byte("raw"), "return-x@example.com")
	require.NoError(t, q.Enqueue(ctx, task, queue.Options{MaxRetries: 3}))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, task.ID, d.Task.ID)
	assert.Equal(t, 3, d.Task.MaxAttempts)

	require.NoError(t, q.Ack(ctx, d))
	assert.Zero(t, api.depth(defaultURL))

	require.Len(t, api.receives, 1)
	assert.Equal(t, int32(20), api.receives[0].WaitTimeSeconds, "single queue is long polled")
}

func TestQueue_NackMakesVisible(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, Config{URL: defaultURL})

	require.NoError(t, q.Enqueue(ctx, queue.NewTask("arf", nil, ""), queue.Options{}))
	d, err := q.Receive(ctx)
	require.NoError(t, err)

	none, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, q.Nack(ctx, d))
	again, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, d.Task.ID, again.Task.ID)
}

func TestQueue_PriorityURLs(t *testing.T) {
	ctx := context.Background()
	q, api := newQueue(t, Config{URL: defaultURL, PriorityURLs: map[queue.Priority]string{queue.PriorityHigh: highURL}})

	normal := queue.NewTask("pmta", nil, "")
	high := queue.NewTask("status", nil, "")
	require.NoError(t, q.Enqueue(ctx, normal, queue.Options{}))
	require.NoError(t, q.Enqueue(ctx, high, queue.Options{Priority: queue.PriorityHigh}))
	assert.Equal(t, 1, api.depth(highURL))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.Task.ID)
	assert.Equal(t, int32(0), api.receives[0].WaitTimeSeconds, "higher priority queues are short polled")

	second, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, normal.ID, second.Task.ID)
}

func TestQueue_ShortDelayUsesDelaySeconds(t *testing.T) {
	ctx := context.Background()
	q, api := newQueue(t, Config{URL: defaultURL})

	require.NoError(t, q.Enqueue(ctx, queue.NewTask("dsn", nil, ""), queue.Options{RetryDelay: 2 * time.Minute}))
	require.Len(t, api.sends, 1)
	assert.Equal(t, int32(120), api.sends[0].DelaySeconds)
	assert.Empty(t, api.sends[0].MessageAttributes)
}

func TestQueue_LongDelayHops(t *testing.T) {
	ctx := context.Background()
	q, api := newQueue(t, Config{URL: defaultURL})

	task := queue.NewTask("dsn", nil, "")
	require.NoError(t, q.Enqueue(ctx, task, queue.Options{RetryDelay: 40 * time.Minute}))
	assert.Equal(t, int32(900), api.sends[0].DelaySeconds)
	assert.Contains(t, api.sends[0].MessageAttributes, notBeforeAttr)

	// First hop: 25 minutes remain.
	api.advance(15 * time.Minute)
	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
	require.Len(t, api.sends, 2)
	assert.Equal(t, int32(900), api.sends[1].DelaySeconds)
	assert.Contains(t, api.sends[1].MessageAttributes, notBeforeAttr)
	assert.Equal(t, 1, api.depth(defaultURL))

	// Second hop: 10 minutes remain, so no further attribute.
	api.advance(15 * time.Minute)
	d, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
	require.Len(t, api.sends, 3)
	assert.Equal(t, int32(600), api.sends[2].DelaySeconds)
	assert.Empty(t, api.sends[2].MessageAttributes)

	api.advance(10 * time.Minute)
	d, err = q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, task.ID, d.Task.ID)
}

func TestQueue_UndecodableMessageDeleted(t *testing.T) {
	ctx := context.Background()
	q, api := newQueue(t, Config{URL: defaultURL})

	_, err := api.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: aws.String(defaultURL), MessageBody: aws.String("{nope")})
	require.NoError(t, err)

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, api.depth(defaultURL))
}

func TestQueue_MalformedReceipt(t *testing.T) {
	q, _ := newQueue(t, Config{URL: defaultURL})
	assert.Error(t, q.Ack(context.Background(), &queue.Delivery{Receipt: "nohandle"}))
}

func TestQueue_Closed(t *testing.T) {
	q, _ := newQueue(t, Config{URL: defaultURL})
	require.NoError(t, q.Close())
	_, err := q.Receive(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}
