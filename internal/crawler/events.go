package crawler

import "time"

// Message type names used on the bus.
const (
	MessageDocumentRequested           = "DocumentRequested"
	MessageDocumentCreated             = "DocumentCreated"
	MessageDocumentDeadLetter          = "DocumentDeadLetter"
	MessageDocumentProcessingCompleted = "DocumentProcessingCompleted"
	MessageTriggerTierSourcing         = "TriggerTierSourcing"
)

// DocumentRequested asks the pipeline to fetch and classify a document.
type DocumentRequested struct {
	ID                         string             `json:"id"`
	ParentID                   string             `json:"parent_id,omitempty"`
	URI                        string             `json:"uri"`
	Sport                      Sport              `json:"sport"`
	SeasonYear                 *int               `json:"season_year,omitempty"`
	DocumentType               DocumentType       `json:"document_type"`
	SourceDataProvider         SourceDataProvider `json:"source_data_provider"`
	CorrelationID              string             `json:"correlation_id"`
	CausationID                string             `json:"causation_id"`
	AttemptCount               int                `json:"attempt_count"`
	IncludeLinkedDocumentTypes []DocumentType     `json:"include_linked_document_types,omitempty"`
	Shape                      ResourceShape      `json:"shape,omitempty"`
	NotifyOnCompletion         bool               `json:"notify_on_completion,omitempty"`
	ResourceIndexID            string             `json:"resource_index_id,omitempty"`
	Tier                       int                `json:"tier,omitempty"`
}

// MessageType implements bus.Message.
func (DocumentRequested) MessageType() string { return MessageDocumentRequested }

// DocumentCreated hands a fetched Hybrid or Leaf document to the
// type-specific content processor. DocumentJSON is empty when the payload
// was too large to inline; consumers then load it by BlobURI or URL hash.
type DocumentCreated struct {
	ID                 string             `json:"id"`
	ParentID           string             `json:"parent_id,omitempty"`
	CanonicalID        string             `json:"canonical_id"`
	URI                string             `json:"uri"`
	SourceRef          string             `json:"source_ref"`
	Sport              Sport              `json:"sport"`
	SeasonYear         *int               `json:"season_year,omitempty"`
	DocumentType       DocumentType       `json:"document_type"`
	SourceDataProvider SourceDataProvider `json:"source_data_provider"`
	CorrelationID      string             `json:"correlation_id"`
	CausationID        string             `json:"causation_id"`
	AttemptCount       int                `json:"attempt_count"`
	Shape              ResourceShape      `json:"shape"`
	BlobURI            string             `json:"blob_uri,omitempty"`
	DocumentJSON       string             `json:"document_json,omitempty"`
}

// MessageType implements bus.Message.
func (DocumentCreated) MessageType() string { return MessageDocumentCreated }

// DocumentDeadLetter reports a request that exhausted its retry budget.
// It exists for alerting only; nothing consumes it to recover.
type DocumentDeadLetter struct {
	ID                 string             `json:"id"`
	ParentID           string             `json:"parent_id,omitempty"`
	URI                string             `json:"uri"`
	Sport              Sport              `json:"sport"`
	SeasonYear         *int               `json:"season_year,omitempty"`
	DocumentType       DocumentType       `json:"document_type"`
	SourceDataProvider SourceDataProvider `json:"source_data_provider"`
	CorrelationID      string             `json:"correlation_id"`
	CausationID        string             `json:"causation_id"`
	AttemptCount       int                `json:"attempt_count"`
	Reason             string             `json:"reason"`
	FailedAt           time.Time          `json:"failed_at"`
}

// MessageType implements bus.Message.
func (DocumentDeadLetter) MessageType() string { return MessageDocumentDeadLetter }

// DocumentProcessingCompleted signals that a requested document finished.
// ChildIDs lists the URL hashes of the notifying requests it fanned out, so
// the run knows what else must finish before the tier is drained.
// DeadLettered marks a document that finished by exhausting its retries.
type DocumentProcessingCompleted struct {
	CorrelationID string       `json:"correlation_id"`
	DocumentType  DocumentType `json:"document_type"`
	URLHash       string       `json:"url_hash"`
	Tier          int          `json:"tier"`
	ChildIDs      []string     `json:"child_ids,omitempty"`
	DeadLettered  bool         `json:"dead_lettered,omitempty"`
	CompletedUTC  time.Time    `json:"completed_utc"`
	Sport         Sport        `json:"sport"`
	SeasonYear    *int         `json:"season_year,omitempty"`
}

// MessageType implements bus.Message.
func (DocumentProcessingCompleted) MessageType() string { return MessageDocumentProcessingCompleted }

// TriggerTierSourcing asks the tier consumer to source one backfill tier.
type TriggerTierSourcing struct {
	CorrelationID      string             `json:"correlation_id"`
	Tier               int                `json:"tier"`
	TierName           string             `json:"tier_name"`
	DocumentType       DocumentType       `json:"document_type"`
	Sport              Sport              `json:"sport"`
	SeasonYear         int                `json:"season_year"`
	SourceDataProvider SourceDataProvider `json:"source_data_provider"`
}

// MessageType implements bus.Message.
func (TriggerTierSourcing) MessageType() string { return MessageTriggerTierSourcing }

// DeadLetterFrom builds the dead-letter event for an exhausted request.
func DeadLetterFrom(req DocumentRequested, reason string, at time.Time) DocumentDeadLetter {
	return DocumentDeadLetter{
		ID:                 req.ID,
		ParentID:           req.ParentID,
		URI:                req.URI,
		Sport:              req.Sport,
		SeasonYear:         req.SeasonYear,
		DocumentType:       req.DocumentType,
		SourceDataProvider: req.SourceDataProvider,
		CorrelationID:      req.CorrelationID,
		CausationID:        req.CausationID,
		AttemptCount:       req.AttemptCount,
		Reason:             reason,
		FailedAt:           at,
	}
}
