package model

// Status is the delivery state of a message as tracked locally.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusSending      Status = "sending"
	StatusRetryPending Status = "retry_pending"
	StatusFailed       Status = "failed"
	StatusSent         Status = "sent"
)

// Message is a chat message as the engine sees it: either a server-shaped
// record or a locally authored one awaiting delivery.
type Message struct {
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	Body        string `json:"body"`
	MessageType string `json:"message_type"`
	FromMe      bool   `json:"from_me,omitempty"`
	Status      Status `json:"status"`
	Timestamp   int64  `json:"timestamp"` // unix milli

	// Queued marks a message that only exists locally so far. The UI uses
	// it to render a pending/sending/failed affordance.
	Queued bool `json:"queued,omitempty"`
}

// QueuedMessage is an outbound message awaiting delivery, with its retry
// bookkeeping. Exactly one in-flight send attempt owns it while Status is
// "sending".
type QueuedMessage struct {
	Message
	RetryCount int    `json:"retry_count"`
	QueuedAt   int64  `json:"queued_at"` // unix milli
	Seq        int64  `json:"seq"`       // tie-breaker for same-millisecond enqueues
	LastError  string `json:"last_error,omitempty"`
}
