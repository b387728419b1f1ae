package domain

// SubscriptionStatus is the lifecycle state of a billing relationship.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// OrderStatus tracks one payment event from confirmation to service delivery.
type OrderStatus string

const (
	OrderPendingProvisioning OrderStatus = "pending_provisioning"
	OrderProvisioned         OrderStatus = "provisioned"
	OrderRefunded            OrderStatus = "refunded"
	OrderFailed              OrderStatus = "failed"
)

// TransactionStatus is the state of a gateway payment transaction record.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "pending"
	TransactionSuccess  TransactionStatus = "success"
	TransactionFailed   TransactionStatus = "failed"
	TransactionRefunded TransactionStatus = "refunded"
)

// PlanChangeStatus is the workflow state of a plan change.
// Lifecycle: Pending/Scheduled -> terminal {Completed, Failed, Cancelled}.
// A change never re-enters Pending.
type PlanChangeStatus string

const (
	PlanChangePending   PlanChangeStatus = "pending"
	PlanChangeScheduled PlanChangeStatus = "scheduled"
	PlanChangeCompleted PlanChangeStatus = "completed"
	PlanChangeFailed    PlanChangeStatus = "failed"
	PlanChangeCancelled PlanChangeStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s PlanChangeStatus) Terminal() bool {
	switch s {
	case PlanChangeCompleted, PlanChangeFailed, PlanChangeCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a change in this status may still be cancelled.
func (s PlanChangeStatus) Cancellable() bool {
	return s == PlanChangePending || s == PlanChangeScheduled
}

// PlanChangeType distinguishes upgrades from downgrades.
// Derived from price comparison, never set by callers.
type PlanChangeType string

const (
	PlanChangeUpgrade   PlanChangeType = "upgrade"
	PlanChangeDowngrade PlanChangeType = "downgrade"
)

// PlanChangeExecution is when a change takes effect.
type PlanChangeExecution string

const (
	ExecutionImmediate PlanChangeExecution = "immediate"
	ExecutionScheduled PlanChangeExecution = "scheduled"
)
