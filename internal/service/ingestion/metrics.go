package ingestion

import (
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// Metrics receives pipeline observations.
type Metrics interface {
	TaskFinished(kind string, outcome Outcome, elapsed time.Duration)
	StatusApplied(status domain.Status)
	SuppressionRecorded(origin domain.SuppressionOrigin)
	MessageCompleted()
	ParseRejected(source string)
}

type nopMetrics struct{}

func (nopMetrics) TaskFinished(string, Outcome, time.Duration) {}
func (nopMetrics) StatusApplied(domain.Status) {}
func (nopMetrics) SuppressionRecorded(domain.SuppressionOrigin) {}
func (nopMetrics) MessageCompleted() {}
func (nopMetrics) ParseRejected(string) {}
