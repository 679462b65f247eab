package logging

// Field names shared by all components so log queries stay stable.
const (
	FieldComponent    = "component"
	FieldSession      = "session_id"
	FieldQuery        = "query"
	FieldPage         = "page"
	FieldGeneration   = "generation"
	FieldKind         = "kind"
	FieldItems        = "items"
	FieldEnded        = "is_ended"
	FieldStatus       = "status"
	FieldErrorClass   = "error_class"
	FieldAttempt      = "attempt"
	FieldDuration     = "duration"
	FieldCacheKey     = "cache_key"
	FieldRemaining    = "requests_remaining"
	FieldWaitDuration = "wait_duration"
)
