package node

import "fmt"

// ResultCode is the discriminated result every public Node operation
// returns (spec.md §4.1).
type ResultCode int

const (
	OK ResultCode = iota
	NetworkNotFound
	FatalOOM
	FatalDataStoreFailed
	FatalInternal
	InvalidArgument
)

func (r ResultCode) String() string {
	switch r {
	case OK:
		return "OK"
	case NetworkNotFound:
		return "NETWORK_NOT_FOUND"
	case FatalOOM:
		return "FATAL_OOM"
	case FatalDataStoreFailed:
		return "FATAL_DATA_STORE_FAILED"
	case FatalInternal:
		return "FATAL_INTERNAL"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return fmt.Sprintf("ResultCode(%d)", int(r))
	}
}

// NCErrorCode enumerates the embedded-controller error codes spec.md §6
// lists alongside the core ResultCode set.
type NCErrorCode int

const (
	NCObjectNotFound NCErrorCode = iota
	NCInternalServerError
	NCAccessDenied
)
