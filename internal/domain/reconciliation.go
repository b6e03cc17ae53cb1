package domain

import "time"

type TaskKind string

const (
	TaskLedgerCommit  TaskKind = "ledger_commit"
	TaskLedgerRelease TaskKind = "ledger_release"
	TaskRefund        TaskKind = "refund"
)

type TaskStatus string

const (
	TaskOpen     TaskStatus = "open"
	TaskResolved TaskStatus = "resolved"
)

// ReconciliationTask is operator work left behind by a partial failure.
type ReconciliationTask struct {
	ID               string
	Kind             TaskKind
	ReservationID    string
	HoldID           string
	PaymentReference string
	Amount           Money
	LastError        string
	Status           TaskStatus
	Attempts         int
	CreatedAt        time.Time
	ResolvedAt       *time.Time
}
