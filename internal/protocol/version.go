package protocol

// Version constants for the envelope and the coordination layer.
const (
	// Version is the envelope protocol version written into responses.
	Version = "0.1"

	// CoordinatorVersion is the version of this coordination layer.
	CoordinatorVersion = "0.1.0"
)
