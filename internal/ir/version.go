package ir

// Version constants for the persisted layout and the tool.
const (
	// SchemaVersion is the on-disk layout version recorded in the database.
	SchemaVersion = 1

	// ToolVersion is the convo release version.
	ToolVersion = "0.1.0"
)
