package lifecycle

import "errors"

var (
	// ErrUnknownNetwork is returned when a relayer's network_id has no
	// registered ChainRuntime; a startup wiring bug, not a request error.
	ErrUnknownNetwork = errors.New("lifecycle: no chain runtime registered for network")
	// ErrUnsupportedChainType guards against a ChainRuntime whose Type
	// doesn't match any of the three dispatch arms.
	ErrUnsupportedChainType = errors.New("lifecycle: unsupported chain type")
)
