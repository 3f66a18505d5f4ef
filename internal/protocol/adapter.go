package protocol

import "openfms/netcore/internal/frame"

// Adapter translates between a device protocol and the standard message
// format.
type Adapter interface {
	// Protocol returns the protocol identifier.
	Protocol() string

	// Format frames the protocol on a byte stream.
	Format() frame.Format

	// Decode translates one complete frame to a standard message.
	Decode(packet []byte) (*StandardMessage, error)

	// Encode translates a command to a frame.
	Encode(cmd StandardCommand) ([]byte, error)

	// IsHeartbeat checks if packet is a heartbeat.
	IsHeartbeat(packet []byte) bool

	// Ack returns the reply the device expects for packet, or nil.
	Ack(packet []byte) ([]byte, error)
}

// Acknowledger is implemented by adapters whose devices acknowledge
// commands, so a command can be awaited.
type Acknowledger interface {
	// Acknowledges reports whether msg acknowledges the command frame request.
	Acknowledges(request []byte, msg *StandardMessage) bool
}

// Detector identifies the protocol from the first bytes of a frame.
type Detector interface {
	Match(header []byte) (Adapter, bool)
}
