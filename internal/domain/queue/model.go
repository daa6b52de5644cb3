// Package queue defines the durable job queue entities. Jobs live in the
// relational store so enqueueing can share a transaction with domain writes.
package queue

import (
	"encoding/json"
	"time"
)

// Status tracks a job through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// Job types handled by the workers.
const (
	TypeProviderSync     = "provider_sync"
	TypeProviderRequest  = "provider_request"
	TypeBalanceSync      = "balance_sync"
	TypeMetadataSync     = "metadata_sync"
	TypeAggregateRefresh = "aggregate_refresh"
	TypeReconcile        = "reconcile"
	TypeCleanup          = "cleanup"
	TypeWebhookDelivery  = "webhook_delivery"
	TypeWebhookProcess   = "webhook_process"
	TypeSearchReindex    = "search_reindex"
	TypeOutboxPurge      = "outbox_purge"
	TypeMasterTick       = "master_tick"
)

// Registered queue names. Scheduled queues get their cron jobs at worker
// startup; the rest are fed by the API and the outbox dispatcher.
const (
	QueueProviderSync         = "provider-sync"
	QueueScheduledSync        = "scheduled-sync"
	QueueLifecycleCleanup     = "lifecycle-cleanup"
	QueuePaymentReconcile     = "payment-reconcile"
	QueueNotificationDelivery = "notification-delivery"
	QueueWebhookProcessing    = "webhook-processing"
	QueueMasterWorker         = "master-worker"
)

// Job is one durable unit of work. A job is claimed with a row lock, run,
// and either completed or retried until MaxAttempts is spent.
type Job struct {
	ID      int64
	Queue   string
	Type    string
	Payload json.RawMessage
	Status  Status
	// Priority orders claims within a queue; lower runs first.
	Priority    int
	Attempts    int
	MaxAttempts int
	// DedupKey collapses duplicate submissions while a matching job is
	// still pending or running.
	DedupKey string
	// CorrelationID ties the job back to the request or event that
	// produced it, for tracing across retries.
	CorrelationID string
	RunAt         time.Time
	LockedBy      string
	LockedAt      *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Exhausted reports whether the job has spent its retry budget.
func (j Job) Exhausted() bool { return j.Attempts >= j.MaxAttempts }
