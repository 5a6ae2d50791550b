package escrow

import "time"

// Job is one escrow agreement between a client and a provider. It mirrors the
// jobs table. The identity triple (client, provider, payment split) is fixed
// at creation; only the three flags ever change.
type Job struct {
	ID             int64
	ClientID       string
	ProviderID     string
	TotalPayment   int64
	InitialPayment int64
	InitialPaid    bool
	Completed      bool
	FinalPaid      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FinalPayment is the second tranche, derived from the fixed split.
func (j Job) FinalPayment() int64 {
	return j.TotalPayment - j.InitialPayment
}

// PartyRole is the role a caller holds on a particular job.
type PartyRole string

const (
	PartyClient   PartyRole = "client"
	PartyProvider PartyRole = "provider"
	PartyNone     PartyRole = ""
)

// RoleOf derives the caller's role from the job's stored party identities.
func RoleOf(callerID string, job Job) PartyRole {
	switch callerID {
	case job.ClientID:
		return PartyClient
	case job.ProviderID:
		return PartyProvider
	default:
		return PartyNone
	}
}

// Timeline event types appended on successful operations, in commit order
// per job.
const (
	EventJobCreated             = "JOB_CREATED"
	EventInitialPaymentReleased = "INITIAL_PAYMENT_RELEASED"
	EventJobCompleted           = "JOB_COMPLETED"
	EventFinalPaymentReleased   = "FINAL_PAYMENT_RELEASED"
	EventRefundIssued           = "REFUND_ISSUED"
)

// Outbox topics mirroring the timeline events for external consumers.
const (
	TopicJobCreated      = "job.created"
	TopicInitialReleased = "job.initial_released"
	TopicJobCompleted    = "job.completed"
	TopicFinalReleased   = "job.final_released"
	TopicRefundIssued    = "job.refunded"
)

// TimelineEvent captures an immutable notification for a job.
type TimelineEvent struct {
	ID      int64
	JobID   int64
	Seq     int
	Type    string
	ActorID *string
	Payload []byte
	TS      time.Time
}
