package tswriter

import "errors"

// Error categories. Propagation policy: FatalSetup and ProducerBlockedTooLong
// surface to the caller; CommandChannelError and ProtocolDrift are logged
// events, never returned; ConsumerBlockedTooLong is neither returned nor
// logged, since the consumer waits on an empty ring indefinitely.
var (
	// ErrFatalSetup covers ring allocation failure, sink creation failure,
	// or consumer goroutine start failure.
	ErrFatalSetup = errors.New("tswriter: fatal setup error")

	// ErrProducerBlockedTooLong is returned by reserveWrite (and so by
	// WritePacket/WriteEOF) when the ring stayed full for more than PacingConfig.ParentGiveUpAfter polls.
	// The consumer is assumed dead.
	ErrProducerBlockedTooLong = errors.New("tswriter: ring full too long, consumer presumed dead")

	// ErrSinkWriteFailure is returned by every sink's Send on a write error.
	// The pacer treats it as fatal for non-UDP sinks; for a UDP sink it logs
	// the failure, drops the payload and continues.
	ErrSinkWriteFailure = errors.New("tswriter: sink write failure")

	// ErrConfigError is returned by ConfigFromEnv/Validate for nonsensical options.
	ErrConfigError = errors.New("tswriter: invalid configuration")

	// ErrInvalidPacket is returned by WritePacket when the packet does not
	// start with the TS sync byte 0x47.
	ErrInvalidPacket = errors.New("tswriter: packet missing sync byte 0x47")

	// ErrSinkClosed is returned by WritePacket once WriteEOF has committed
	// the EOF sentinel.
	ErrSinkClosed = errors.New("tswriter: writer closed")
)
