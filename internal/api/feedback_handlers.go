package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/feedback"
	"github.com/ignite/mailflow/internal/pkg/httputil"
	"github.com/ignite/mailflow/internal/queue"
	"github.com/ignite/mailflow/internal/service/ingestion"
)

// feedbackKinds maps the intake path segment onto a task kind.
var feedbackKinds = map[string]string{
	"dsn":         ingestion.TaskDSN,
	"arf":         ingestion.TaskARF,
	"unsubscribe": ingestion.TaskUnsubscribe,
	"pmta":        ingestion.TaskPMTA,
}

// taskAccepted is the body of every 202 answer.
type taskAccepted struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
}

func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "body too large")
			return nil, false
		}
		httputil.BadRequest(w, "read error")
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		httputil.BadRequest(w, "empty body")
		return nil, false
	}
	return body, true
}

func priorityOf(r *http.Request) queue.Priority {
	switch strings.ToLower(r.URL.Query().Get("priority")) {
	case "high":
		return queue.PriorityHigh
	case "low":
		return queue.PriorityLow
	default:
		return queue.PriorityNormal
	}
}

// HandleFeedback queues a raw DSN, ARF report, unsubscribe mail or PMTA
// accounting file. The envelope recipient, needed to route unsubscribe
// mails, comes from the X-Envelope-To header or the envelope_to query
// parameter.
//
//	POST /v1/feedback/{dsn|arf|unsubscribe|pmta}
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	kind, ok := feedbackKinds[chi.URLParam(r, "source")]
	if !ok {
		httputil.NotFound(w, "unknown feedback source")
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	envelopeTo := r.Header.Get("X-Envelope-To")
	if envelopeTo == "" {
		envelopeTo = r.URL.Query().Get("envelope_to")
	}
	if kind == ingestion.TaskUnsubscribe && envelopeTo == "" {
		httputil.BadRequest(w, "unsubscribe feedback needs the envelope recipient")
		return
	}

	task, err := h.Submitter.Submit(r.Context(), kind, body, envelopeTo, priorityOf(r))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Accepted(w, taskAccepted{TaskID: task.ID, Kind: task.Kind})
}

// HandleSMTPReply queues one delivery attempt outcome reported by a
// sending worker.
//
//	POST /v1/feedback/smtp
func (h *Handlers) HandleSMTPReply(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var reply feedback.SMTPReply
	if err := json.Unmarshal(body, &reply); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if reply.Identifier == "" {
		httputil.BadRequest(w, "identifier is required")
		return
	}
	task, err := h.Submitter.Submit(r.Context(), ingestion.TaskSMTPReply, body, "", priorityOf(r))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Accepted(w, taskAccepted{TaskID: task.ID, Kind: task.Kind})
}

// HandleStatus queues an already normalized status update.
//
//	POST /v1/statuses
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	var u domain.StatusUpdate
	if !httputil.Decode(w, r, &u) {
		return
	}
	if u.Identifier == "" || u.Status == "" {
		httputil.BadRequest(w, "identifier and status are required")
		return
	}
	if _, _, err := domain.SplitIdentifier(u.Identifier); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	task, err := h.Submitter.SubmitStatus(r.Context(), u)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Accepted(w, taskAccepted{TaskID: task.ID, Kind: task.Kind})
}
