package errors

// Code is the general class of an Error. It decides logging severity and the
// HTTP status an error is reported with.
type Code string

const (
	ErrBadRequest Code = "bad-request"
	// ErrCommunication is used for failed communication with external services
	// like the MQTT broker.
	ErrCommunication Code = "communication"
	// ErrConflict is used when an operation lost against a competing one, like a
	// claim that hit a full territory.
	ErrConflict Code = "conflict"
	ErrFatal    Code = "fatal"
	// ErrForbidden is used when the requester is known but not allowed to perform
	// the operation.
	ErrForbidden Code = "forbidden"
	ErrInternal  Code = "internal"
	// ErrLocked is used when the target map is locked for claiming.
	ErrLocked            Code = "locked"
	ErrNotFound          Code = "not-found"
	ErrProtocolViolation Code = "protocol-violation"
	ErrUnexpected        Code = "unexpected"
)

// Kind describes the concrete reason for an Error within its Code.
type Kind string

const (
	// KindAlreadyClaimed is used when an admin assigns an identity to a territory
	// it already holds.
	KindAlreadyClaimed Kind = "already-claimed"
	// KindCapacityExceeded is used when a territory is at its max player count.
	KindCapacityExceeded Kind = "capacity-exceeded"
	// KindContestedLimitExceeded is used when a claim would create a new contested
	// territory although the map is at its contested-spot limit.
	KindContestedLimitExceeded Kind = "contested-limit-exceeded"
	KindDB                     Kind = "db"
	KindDBRollback             Kind = "db-rollback"
	KindDecodeJSON             Kind = "parse-request-body-as-json"
	KindEncodeJSON             Kind = "encode-json"
	// KindForbiddenMessage is used when the websocket protocol is being violated
	// due to a message with unknown or currently forbidden type.
	KindForbiddenMessage Kind = "forbidden-message"
	// KindInviteInvalid is used for invite codes that are unknown, already used or
	// expired. The human-readable reason is found in the message.
	KindInviteInvalid Kind = "invite-invalid"
	KindMalformedID   Kind = "malformed-id"
	// KindMapLocked is used when claims are attempted on a locked map.
	KindMapLocked Kind = "map-locked"
	// KindNotClaimed is used when a revoke targets an identity/territory pair
	// without an active claim.
	KindNotClaimed Kind = "not-claimed"
	// KindNotEligible is used when an identity is not part of the eligible-player
	// set of a map.
	KindNotEligible Kind = "not-eligible"
	// KindRowsAffectedNotSupported is used when the database driver cannot report
	// affected rows.
	KindRowsAffectedNotSupported Kind = "rows-affected-not-supported"
	KindResourceNotFound         Kind = "resource-not-found"
	KindShouldNotHappen          Kind = "should-not-happen"
	// KindTeamLeaderRequired is used when a non-leader attempts a claim on a map
	// in team mode.
	KindTeamLeaderRequired Kind = "team-leader-required"
	KindUnexpected         Kind = "unexpected"
	// KindWrongRowsAffected is used when a statement affected a different row
	// count than expected.
	KindWrongRowsAffected Kind = "wrong-rows-affected"
)
