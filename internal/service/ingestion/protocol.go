package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/feedback"
	"github.com/ignite/mailflow/internal/pkg/logger"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/service/aggregation"
	"github.com/ignite/mailflow/internal/service/mailstate"
	"github.com/ignite/mailflow/internal/service/suppression"
)

// Task kinds understood by the protocol.
const (
	TaskDSN         = "dsn"
	TaskARF         = "arf"
	TaskUnsubscribe = "unsubscribe"
	TaskSMTPReply   = "smtp"
	TaskPMTA        = "pmta"
	// TaskStatus carries a JSON encoded domain.StatusUpdate.
	TaskStatus = "status"
)

// Deps are the collaborators of a Protocol.
type Deps struct {
	Parser      *feedback.Parser
	Machine     *mailstate.Machine
	Suppression *suppression.Service
	Aggregator  *aggregation.Service
	Scopes      aggregation.ScopeResolver
	Queue       queue.TaskQueue
	DeadLetters DeadLetterSink
	Retry       RetryPolicy
	Metrics     Metrics
}

// Protocol handles ingestion tasks. It is safe for concurrent use.
type Protocol struct {
	Deps
	now func() time.Time
}

// NewProtocol creates a Protocol. Retry defaults to DefaultRetryPolicy.
func NewProtocol(d Deps) *Protocol {
	if d.Retry == (RetryPolicy{}) {
		d.Retry = DefaultRetryPolicy()
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	return &Protocol{Deps: d, now: time.Now}
}

// Submit enqueues a new task for a raw feedback artifact.
func (p *Protocol) Submit(ctx context.Context, kind string, payload []byte, envelopeTo string, priority queue.Priority) (queue.Task, error) {
	if !knownKind(kind) {
		return queue.Task{}, fmt.Errorf("%w: %q", ErrUnknownTask, kind)
	}
	t := queue.NewTask(kind, payload, envelopeTo)
	t.Priority = priority
	if err := p.Queue.Enqueue(ctx, t, queue.Options{MaxRetries: p.Retry.MaxAttempts}); err != nil {
		return queue.Task{}, fmt.Errorf("enqueue %s task: %w", kind, err)
	}
	return t, nil
}

// SubmitStatus enqueues an already parsed status update.
func (p *Protocol) SubmitStatus(ctx context.Context, u domain.StatusUpdate) (queue.Task, error) {
	payload, err := json.Marshal(u)
	if err != nil {
		return queue.Task{}, err
	}
	return p.Submit(ctx, TaskStatus, payload, "", queue.PriorityHigh)
}

func knownKind(kind string) bool {
	switch kind {
	case TaskDSN, TaskARF, TaskUnsubscribe, TaskSMTPReply, TaskPMTA, TaskStatus:
		return true
	}
	return false
}

// Handle processes one task to a final Outcome. Transient failures are
// re-enqueued with backoff or dead-lettered here. A non-nil error means
// the outcome itself could not be recorded; the caller must then leave
// the delivery to be redelivered.
func (p *Protocol) Handle(ctx context.Context, t queue.Task) (outcome Outcome, err error) {
	start := p.now()
	if t.FirstAttemptAt.IsZero() {
		t.FirstAttemptAt = start.UTC()
	}
	t.Attempt++
	log := logger.With("task", t.Kind, "task_id", t.ID, "attempt", t.Attempt)

	defer func() {
		p.Metrics.TaskFinished(t.Kind, outcome, p.now().Sub(start))
	}()

	procErr := p.safeProcess(ctx, t)
	outcome = classify(procErr)

	switch outcome {
	case Done:
		return Done, nil
	case Rejected:
		log.Info("task rejected", "reason", procErr)
		return Rejected, nil
	}

	t.LastError = procErr.Error()
	if errors.Is(procErr, suppression.ErrNoMatchingPolicy) {
		log.Error("bounce policy misconfiguration", "error", procErr)
	}

	delay, ok := p.Retry.Next(t.Attempt, t.FirstAttemptAt, p.now(), t.MaxAttempts)
	if !ok {
		return p.deadLetter(ctx, t, log)
	}
	log.Warn("task failed, retrying", "error", procErr, "delay", delay)
	if err := p.Queue.Enqueue(ctx, t, queue.Options{RetryDelay: delay, Priority: t.Priority}); err != nil {
		return Retry, fmt.Errorf("re-enqueue task %s: %w", t.ID, err)
	}
	return Retry, nil
}

func (p *Protocol) deadLetter(ctx context.Context, t queue.Task, log *logger.Logger) (Outcome, error) {
	entry := &DeadLetterEntry{
		TaskID:         t.ID,
		Kind:           t.Kind,
		Payload:        t.Payload,
		EnvelopeTo:     t.EnvelopeTo,
		Attempts:       t.Attempt,
		FirstAttemptAt: t.FirstAttemptAt,
		FailedAt:       p.now().UTC(),
		LastError:      t.LastError,
	}
	if p.DeadLetters == nil {
		log.Error("retry budget exhausted, no dead letter sink", "error", t.LastError)
		return DeadLetter, nil
	}
	if err := p.DeadLetters.PutDeadLetter(ctx, entry); err != nil {
		return DeadLetter, fmt.Errorf("dead letter task %s: %w", t.ID, err)
	}
	log.Error("task dead-lettered", "error", t.LastError)
	return DeadLetter, nil
}

// safeProcess turns a panic into a transient error so that it follows the
// retry budget instead of killing the worker.
func (p *Protocol) safeProcess(ctx context.Context, t queue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing task", "task_id", t.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Process(ctx, t)
}

// Process parses and applies one task without retry handling.
func (p *Protocol) Process(ctx context.Context, t queue.Task) error {
	events, err := p.parse(t)
	if err != nil {
		if feedback.IsRejection(err) {
			var pe *feedback.ParseError
			errors.As(err, &pe)
			p.Metrics.ParseRejected(string(pe.Source))
		}
		return err
	}

	// All events of a task are attempted. A transient failure wins over
	// rejections so the task is retried; applying is idempotent.
	var rejected, transient error
	for _, ev := range events {
		err := p.apply(ctx, ev)
		switch classify(err) {
		case Done:
		case Rejected:
			if rejected == nil {
				rejected = err
			}
			logger.Info("event rejected", "task_id", t.ID, "identifier", ev.Identifier, "reason", err)
		default:
			if transient == nil {
				transient = err
			}
		}
	}
	if transient != nil {
		return transient
	}
	if len(events) == 1 {
		return rejected
	}
	return nil
}

func (p *Protocol) parse(t queue.Task) ([]*feedback.Event, error) {
	var (
		ev  *feedback.Event
		err error
	)
	switch t.Kind {
	case TaskDSN:
		ev, err = p.Parser.ParseDSN(t.Payload, t.EnvelopeTo)
	case TaskARF:
		ev, err = p.Parser.ParseARF(t.Payload, t.EnvelopeTo)
	case TaskUnsubscribe:
		ev, err = p.Parser.ParseUnsubscribe(t.Payload, t.EnvelopeTo)
	case TaskSMTPReply:
		var reply feedback.SMTPReply
		if err := json.Unmarshal(t.Payload, &reply); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
		}
		ev, err = p.Parser.ParseSMTPReply(reply)
	case TaskStatus:
		var u domain.StatusUpdate
		if err := json.Unmarshal(t.Payload, &u); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
		}
		if !u.Status.Valid() || u.Identifier == "" {
			return nil, fmt.Errorf("%w: status update %q for %q", ErrMalformedTask, u.Status, u.Identifier)
		}
		ev = &feedback.Event{Kind: feedback.KindStatus, Identifier: u.Identifier, Timestamp: u.Timestamp, Update: u}
	case TaskPMTA:
		events, rejections, err := p.Parser.ParseAccounting(bytes.NewReader(t.Payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
		}
		for _, r := range rejections {
			logger.Debug("accounting record rejected", "task_id", t.ID, "reason", r)
			p.Metrics.ParseRejected(string(feedback.SourcePMTA))
		}
		return events, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, t.Kind)
	}
	if err != nil {
		return nil, err
	}
	return []*feedback.Event{ev}, nil
}

func (p *Protocol) apply(ctx context.Context, ev *feedback.Event) error {
	switch ev.Kind {
	case feedback.KindStatus:
		return p.applyStatus(ctx, ev)
	case feedback.KindFeedbackLoop:
		return p.recordSuppression(ctx, ev, domain.OriginFeedbackLoop)
	case feedback.KindUnsubscribe:
		return p.recordSuppression(ctx, ev, domain.OriginMail)
	}
	return fmt.Errorf("%w: event kind %q", ErrMalformedTask, ev.Kind)
}

func (p *Protocol) applyStatus(ctx context.Context, ev *feedback.Event) error {
	res, err := p.Machine.ApplyStatus(ctx, ev.Update)
	if err != nil {
		return err
	}
	p.Metrics.StatusApplied(ev.Update.Status)

	if ev.Recipient != "" && ev.Recipient != domain.NormalizeAddress(res.Mail.Recipient) {
		logger.Warn("feedback recipient does not match mail",
			"identifier", ev.Identifier,
			"email", ev.Recipient,
			"mail_email", res.Mail.Recipient)
	}

	// Effects run after the status write committed, in the order returned.
	for _, effect := range res.Effects {
		switch effect {
		case mailstate.EffectEvaluateSuppression:
			suppressed, err := p.Suppression.CreateSuppressionIfNeeded(ctx, res.Mail, ev.Update.ToMailStatus())
			if err != nil {
				return fmt.Errorf("evaluate suppression for %s: %w", ev.Identifier, err)
			}
			if suppressed {
				p.Metrics.SuppressionRecorded(domain.OriginBounce)
			}
		case mailstate.EffectRecheckAggregate:
			completed, err := p.Aggregator.OnMailReachedFinalState(ctx, res.Mail)
			if err != nil {
				return fmt.Errorf("recheck aggregate for %s: %w", ev.Identifier, err)
			}
			if completed {
				p.Metrics.MessageCompleted()
			}
		}
	}
	return nil
}

func (p *Protocol) recordSuppression(ctx context.Context, ev *feedback.Event, origin domain.SuppressionOrigin) error {
	mail, err := p.Machine.GetMail(ctx, ev.Identifier)
	if err != nil {
		return err
	}
	scope, err := p.Scopes.ScopeOf(ctx, *mail)
	if err != nil {
		return err
	}
	var change suppression.Change
	if origin == domain.OriginFeedbackLoop {
		change, err = p.Suppression.RecordFeedbackLoop(ctx, mail.Identifier, mail.Recipient, scope)
	} else {
		change, err = p.Suppression.RecordUnsubscribe(ctx, mail.Identifier, mail.Recipient, scope)
	}
	if err != nil {
		return err
	}
	if change != suppression.Unchanged {
		p.Metrics.SuppressionRecorded(origin)
	}
	return nil
}

// Replay re-enqueues a dead letter with a fresh retry budget and removes it
// from the store.
func (p *Protocol) Replay(ctx context.Context, store DeadLetterStore, id int64) (queue.Task, error) {
	entry, err := store.GetDeadLetter(ctx, id)
	if err != nil {
		return queue.Task{}, err
	}
	t := entry.Task()
	if err := p.Queue.Enqueue(ctx, t, queue.Options{MaxRetries: p.Retry.MaxAttempts, Priority: queue.PriorityNormal}); err != nil {
		return queue.Task{}, fmt.Errorf("replay dead letter %d: %w", id, err)
	}
	if err := store.DeleteDeadLetter(ctx, id); err != nil {
		return t, fmt.Errorf("delete replayed dead letter %d: %w", id, err)
	}
	logger.Info("dead letter replayed", "task_id", t.ID, "task", t.Kind)
	return t, nil
}

func logTaskError(msg, taskID, kind string, err error) {
	logger.Warn(msg, "task_id", taskID, "task", kind, "error", err)
}
