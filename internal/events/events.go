package events

import "context"

// Streams
const (
	StreamAudit  = "events:audit"
	StreamExport = "events:export"
)

// Event types
const (
	EventAuditRecordAppended = "audit_record_appended"
	EventExportRequested     = "export_requested"
	EventExportCompleted     = "export_completed"
	EventExportFailed        = "export_failed"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Publisher is the post-append notification hook. It is deliberately
// decoupled from the append path: a publish failure never rolls back or
// fails a committed audit record.
type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// NopPublisher drops events. Used where no broker is wired, and by tests.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, stream string, event Event) error { return nil }
