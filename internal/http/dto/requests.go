package dto

import "encoding/json"

type SubmitAuditRequest struct {
	Action        string          `json:"action"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
}

type VerifyChainRequest struct {
	StartSequence int64  `json:"start_sequence"`
	EndSequence   int64  `json:"end_sequence,omitempty"` // 0 means up to the head
	AnchorHash    string `json:"anchor_hash,omitempty"`
}

type CreateExportRequest struct {
	Format     string `json:"format"` // csv / jsonl
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Action     string `json:"action,omitempty"`
	From       string `json:"from,omitempty"` // RFC3339
	To         string `json:"to,omitempty"`   // RFC3339
}
