// Package apperr defines the structured error taxonomy carried on
// terminal run failures. Errors are persisted as JSON so downstream
// tooling can tell "fix your configuration" from "safe to retry".
package apperr

import "encoding/json"

// Category groups error codes by how they should be handled.
type Category string

const (
	CategoryConfig  Category = "config"
	CategoryParse   Category = "parse"
	CategorySchema  Category = "schema"
	CategoryNetwork Category = "network"
	CategoryDB      Category = "db"
	CategoryRaw     Category = "raw"
	CategoryUnknown Category = "unknown"
)

// Code identifies a specific failure mode.
type Code string

const (
	CodeSourceNotFound           Code = "CONFIG_SOURCE_NOT_FOUND"
	CodeCredentialNotFound       Code = "CONFIG_CREDENTIAL_NOT_FOUND"
	CodeInvalidConfig            Code = "CONFIG_INVALID_REQUEST"
	CodeCollectorNotConfigured   Code = "CONFIG_COLLECTOR_NOT_CONFIGURED"
	CodeCollectorExecFailed      Code = "COLLECTOR_EXEC_FAILED"
	CodeCollectorTimeout         Code = "COLLECTOR_TIMEOUT"
	CodeCollectorExitNonzero     Code = "COLLECTOR_EXIT_NONZERO"
	CodeCollectorInvalidJSON     Code = "COLLECTOR_OUTPUT_INVALID_JSON"
	CodeSchemaVersionUnsupported Code = "COLLECTOR_SCHEMA_VERSION_UNSUPPORTED"
	CodeSchemaValidationFailed   Code = "SCHEMA_VALIDATION_FAILED"
	CodeInventoryIncomplete      Code = "INVENTORY_INCOMPLETE"
	CodeRawPersistFailed         Code = "RAW_PERSIST_FAILED"
	CodeDBWriteFailed            Code = "DB_WRITE_FAILED"
	CodeWorkerCrash              Code = "WORKER_CRASH"
	CodeRunRecycled              Code = "RUN_RECYCLED"
	CodeInternal                 Code = "INTERNAL_ERROR"
)

// Error is the structured pipeline error attached to terminal run failures.
// Context must already be redacted; raw credentials never belong here.
type Error struct {
	Code      Code           `json:"code"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"redacted_context,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New creates an Error with no context.
func New(code Code, category Category, message string, retryable bool) *Error {
	return &Error{Code: code, Category: category, Message: message, Retryable: retryable}
}

// WithContext returns a copy of e with the given redacted context merged in.
func (e *Error) WithContext(ctx map[string]any) *Error {
	out := *e
	out.Context = make(map[string]any, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		out.Context[k] = v
	}
	for k, v := range ctx {
		out.Context[k] = v
	}
	return &out
}

// MarshalList serializes errors the way runs persist them: always a JSON
// array, never null.
func MarshalList(errs ...*Error) []byte {
	if len(errs) == 0 {
		b, _ := json.Marshal([]*Error{})
		return b
	}
	b, _ := json.Marshal(errs)
	return b
}
