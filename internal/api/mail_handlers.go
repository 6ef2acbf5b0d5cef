package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/httputil"
	"github.com/ignite/mailflow/internal/service/aggregation"
	"github.com/ignite/mailflow/internal/service/mailstate"
)

// mailView is a mail with its full status log.
type mailView struct {
	*domain.Mail
	History []domain.MailStatus `json:"history"`
}

// GetMail returns a mail's current state and its status history.
//
//	GET /v1/mails/{identifier}
func (h *Handlers) GetMail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identifier")
	m, err := h.Mails.GetMail(r.Context(), id)
	if err != nil {
		if errors.Is(err, mailstate.ErrMailNotFound) {
			httputil.NotFound(w, "mail not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	history, err := h.Mails.History(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if history == nil {
		history = []domain.MailStatus{}
	}
	httputil.OK(w, mailView{Mail: m, History: history})
}

// GetMessage returns a message and its per-status mail counts.
//
//	GET /v1/messages/{id}
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Messages.Summarize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeMessageError(w, err)
		return
	}
	httputil.OK(w, sum)
}

// StartSending moves an approved message to sending.
//
//	POST /v1/messages/{id}/start
func (h *Handlers) StartSending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Messages.StartSending(r.Context(), id); err != nil {
		writeMessageError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"id": id, "status": string(domain.MessageSending)})
}

// Recheck re-evaluates whether a sending message has completed.
//
//	POST /v1/messages/{id}/recheck
func (h *Handlers) Recheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	done, err := h.Messages.Recheck(r.Context(), id)
	if err != nil {
		writeMessageError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"id": id, "completed": done})
}

func writeMessageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, aggregation.ErrMessageNotFound), errors.Is(err, aggregation.ErrBatchNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, aggregation.ErrInvalidState):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

type attachRequest struct {
	Recipients []string `json:"recipients"`
}

type attachResponse struct {
	Created []*domain.Mail `json:"created"`
}

// attachRecipients creates mails for a message or mail batch.
//
//	POST /v1/messages/{id}/recipients
//	POST /v1/batches/{id}/recipients
func (h *Handlers) attachRecipients(kind domain.SourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
		var req attachRequest
		if !httputil.Decode(w, r, &req) {
			return
		}
		if len(req.Recipients) == 0 {
			httputil.BadRequest(w, "recipients is required")
			return
		}
		for _, rcpt := range req.Recipients {
			if !strings.Contains(rcpt, "@") {
				httputil.BadRequest(w, "invalid recipient "+rcpt)
				return
			}
		}

		parent := mailstate.Parent{ID: chi.URLParam(r, "id"), Kind: kind}
		created, err := h.Recipients.AttachRecipients(r.Context(), parent, req.Recipients)
		if err != nil {
			switch {
			case errors.Is(err, mailstate.ErrLockBusy):
				httputil.ErrorCode(w, http.StatusConflict, "lock_busy", err.Error())
			case errors.Is(err, aggregation.ErrMessageNotFound), errors.Is(err, aggregation.ErrBatchNotFound):
				httputil.NotFound(w, err.Error())
			default:
				httputil.InternalError(w, err)
			}
			return
		}
		if created == nil {
			created = []*domain.Mail{}
		}
		httputil.JSON(w, http.StatusCreated, attachResponse{Created: created})
	}
}

// ListSuppressions returns every suppression entry for an address.
//
//	GET /v1/suppressions/{address}
func (h *Handlers) ListSuppressions(w http.ResponseWriter, r *http.Request) {
	addr := domain.NormalizeAddress(chi.URLParam(r, "address"))
	if addr == "" {
		httputil.BadRequest(w, "address is required")
		return
	}
	entries, err := h.Suppressions.Entries(r.Context(), addr)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.SuppressionEntry{}
	}
	httputil.OK(w, map[string]any{"address": addr, "entries": entries})
}
