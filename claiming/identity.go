package claiming

import (
	"fmt"
	"strings"
)

// IdentityKind tags the kind of a claiming Identity.
type IdentityKind string

const (
	// IdentityKindUser is a real account holder.
	IdentityKindUser IdentityKind = "user"
	// IdentityKindInvite is an anonymous claimant authorized by a single-use
	// invite code.
	IdentityKindInvite IdentityKind = "invite"
)

// inviteKeyPrefix prefixes invite identity keys at the persistence edge so
// that they can never collide with real user ids.
const inviteKeyPrefix = "invite:"

// Identity is a claiming identity: either a real user or an anonymous invite
// claimant. Eligibility and team-leader logic switch on the kind, never on
// string inspection of ids.
type Identity struct {
	kind IdentityKind
	// userID is set for IdentityKindUser.
	userID string
	// inviteCode is set for IdentityKindInvite.
	inviteCode string
	// displayName is set for IdentityKindInvite.
	displayName string
}

// UserIdentity creates an Identity for the real user with the given id.
func UserIdentity(userID string) Identity {
	return Identity{
		kind:   IdentityKindUser,
		userID: userID,
	}
}

// InviteIdentity creates a synthetic Identity tied to the given invite code.
func InviteIdentity(code string, displayName string) Identity {
	return Identity{
		kind:        IdentityKindInvite,
		inviteCode:  code,
		displayName: displayName,
	}
}

// Kind returns the kind of the Identity.
func (identity Identity) Kind() IdentityKind {
	return identity.kind
}

// UserID returns the user id of an IdentityKindUser Identity.
func (identity Identity) UserID() string {
	return identity.userID
}

// InviteCode returns the invite code of an IdentityKindInvite Identity.
func (identity Identity) InviteCode() string {
	return identity.inviteCode
}

// DisplayName returns the display name of an IdentityKindInvite Identity.
func (identity Identity) DisplayName() string {
	return identity.displayName
}

// Key returns the identity key that is stored in claim rows. User identities
// map to their plain user id, invite identities to a prefixed key.
func (identity Identity) Key() string {
	if identity.kind == IdentityKindInvite {
		return fmt.Sprintf("%s%s", inviteKeyPrefix, identity.inviteCode)
	}
	return identity.userID
}

// IsInviteKey reports whether the given stored identity key belongs to an
// invite claimant and returns the invite code if so.
func IsInviteKey(key string) (string, bool) {
	if strings.HasPrefix(key, inviteKeyPrefix) {
		return strings.TrimPrefix(key, inviteKeyPrefix), true
	}
	return "", false
}
