// Package errs defines the stable error taxonomy exposed to clients and
// mesh peers (spec §6, "Error taxonomy"). Concrete numeric values are part
// of the wire protocol and must never be renumbered once shipped.
package errs

// Code is a u16 error code carried in a reply Packet's ErrorCode field.
// Zero means success; every other value names a specific, stable failure
// mode understood by both clients and mesh peers.
type Code uint16

const (
	// Success indicates the request completed normally.
	Success Code = 0

	// RequestTimeout indicates the Request Cache's sweeper reclaimed the
	// entry before a reply arrived.
	RequestTimeout Code = 1

	// StageNotFound indicates the addressed stage_id has no live Stage.
	StageNotFound Code = 2

	// StageAlreadyExists indicates a create_stage raced another creator
	// and lost.
	StageAlreadyExists Code = 3

	// InvalidStageType indicates the requested stage_type has no
	// registered factory.
	InvalidStageType Code = 4

	// StageCreationFailed indicates the user's on_create hook returned an
	// error.
	StageCreationFailed Code = 5

	// AuthenticationFailed indicates on_authenticate returned false.
	AuthenticationFailed Code = 6

	// InvalidAccountID indicates on_authenticate returned true without
	// setting account_id; the session's authentication fails.
	InvalidAccountID Code = 7

	// JoinStageRejected indicates on_join_stage rejected the actor.
	JoinStageRejected Code = 8

	// InternalError is the catch-all for unexpected failures that must
	// not leak implementation detail to the wire.
	InternalError Code = 9
)

// String renders the code's stable name.
func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case RequestTimeout:
		return "request_timeout"
	case StageNotFound:
		return "stage_not_found"
	case StageAlreadyExists:
		return "stage_already_exists"
	case InvalidStageType:
		return "invalid_stage_type"
	case StageCreationFailed:
		return "stage_creation_failed"
	case AuthenticationFailed:
		return "authentication_failed"
	case InvalidAccountID:
		return "invalid_account_id"
	case JoinStageRejected:
		return "join_stage_rejected"
	case InternalError:
		return "internal_error"
	default:
		return "unknown_error_code"
	}
}
