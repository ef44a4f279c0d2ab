package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, carried in the context through a request.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the bulk import run ID
	FieldJobID = "job_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldModel is the embedding model key
	FieldModel = "model"

	// FieldMediaID is the media item ID
	FieldMediaID = "media_id"

	// FieldSource is the import source identifier
	FieldSource = "source"
)

// Metric fields, attached per log entry for aggregation.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the HTTP status or operation status
	FieldStatus = "status"

	// FieldOutcome is the provider call outcome (ok, not_configured, unsupported_input, provider_failure)
	FieldOutcome = "outcome"
)
