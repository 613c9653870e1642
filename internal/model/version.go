package model

// Version constants for the engine and schema.
const (
	// SchemaVersion is the canonical value schema version.
	SchemaVersion = "1"

	// EngineVersion is the canon engine version.
	EngineVersion = "0.1.0"
)
