package audit

import "time"

// Entry is one notification from a job's timeline, exposed to the job's
// parties for audit and logging.
type Entry struct {
	ID      int64
	JobID   int64
	Seq     int
	Type    string
	ActorID *string
	Payload []byte
	TS      time.Time
}
