// Package claiming implements the transactional claim engine that grants,
// transfers and revokes territory ownership while enforcing capacity and
// contested-spot invariants.
package claiming

import (
	"context"
	"fmt"
	"time"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/gobuffalo/nulls"
	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"
)

// Broadcaster pushes authoritative territory state to all subscribers of a
// map's room after a committed mutation. Implementations must not block the
// claim path and must swallow their own errors.
type Broadcaster interface {
	// PublishTerritory re-reads and pushes the current state of the given
	// territory to the map's subscribers.
	PublishTerritory(mapID string, territoryID string)
	// PublishMap tells all subscribers of the given map to refetch it.
	PublishMap(mapID string)
}

// Store provides the persistence operations the Engine needs. Implemented by
// store.Mall.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	TerritoryByID(ctx context.Context, territoryID string) (store.Territory, error)
	TerritoryByIDForUpdate(ctx context.Context, tx pgx.Tx, territoryID string) (store.Territory, error)
	MapSettingsByIDForUpdate(ctx context.Context, tx pgx.Tx, mapID string) (store.MapSettings, error)
	TerritoryShapeByID(ctx context.Context, shapeID string) (store.TerritoryShape, error)
	EligiblePlayerByIdentity(ctx context.Context, tx pgx.Tx, mapID string, userID string) (store.EligiblePlayer, error)
	IsTournamentTeamLeader(ctx context.Context, tx pgx.Tx, tournamentID string, userID string) (bool, error)
	ActiveClaimsByIdentity(ctx context.Context, tx pgx.Tx, mapID string, identityKey string) ([]store.TerritoryClaim, error)
	ActiveClaimCount(ctx context.Context, tx pgx.Tx, territoryID string) (int, error)
	ContestedTerritoryCount(ctx context.Context, tx pgx.Tx, mapID string) (int, error)
	InsertClaim(ctx context.Context, tx pgx.Tx, claim store.TerritoryClaim) (store.TerritoryClaim, error)
	RevokeClaim(ctx context.Context, tx pgx.Tx, claimID string, revokedAt time.Time) error
	UpdateTerritoryProjection(ctx context.Context, tx pgx.Tx, territoryID string,
		color nulls.String, claimedAt nulls.Time) error
	InviteCodeByCodeForUpdate(ctx context.Context, tx pgx.Tx, code string) (store.InviteCode, error)
	MarkInviteCodeUsed(ctx context.Context, tx pgx.Tx, code string, territoryID string, usedAt time.Time) error
}

// defaultClaimColor is used when a territory has no shape to take the default
// color from.
const defaultClaimColor = "#3388ff"

// Engine is the claim state machine. Every mutation of territories and claim
// rows goes through one of its methods and runs as a single transaction.
// First transaction to commit wins; losers observe capacity or contested-limit
// violations.
type Engine struct {
	logger      *zap.Logger
	mall        Store
	broadcaster Broadcaster
}

// NewEngine creates a new Engine. The Broadcaster is an explicit dependency so
// the engine never reaches for a global connection handle.
func NewEngine(logger *zap.Logger, mall Store, broadcaster Broadcaster) *Engine {
	return &Engine{
		logger:      logger,
		mall:        mall,
		broadcaster: broadcaster,
	}
}

// claimParams bundle the knobs shared by the user, admin and invite claim
// paths.
type claimParams struct {
	territoryID string
	identity    Identity
	// bypassGates skips the eligibility, team-leader and map-lock checks for
	// admin overrides.
	bypassGates bool
	// rejectHeld fails with KindAlreadyClaimed when the identity already holds
	// the target territory.
	rejectHeld bool
	// assignedBy is the admin acting on behalf of the identity.
	assignedBy nulls.String
}

// Claim grants ownership of the territory to the identity. A prior active
// claim of the identity on the same map is vacated in the same transaction
// before the target's capacity is evaluated.
func (e *Engine) Claim(ctx context.Context, territoryID string, identity Identity) (store.TerritoryClaim, error) {
	return e.claim(ctx, claimParams{
		territoryID: territoryID,
		identity:    identity,
	})
}

// AdminAssign grants ownership like Claim but skips the eligibility,
// team-leader and map-lock gates. Fails with KindAlreadyClaimed when the
// identity already holds the territory.
func (e *Engine) AdminAssign(ctx context.Context, territoryID string, identity Identity, actingAdmin string) (store.TerritoryClaim, error) {
	return e.claim(ctx, claimParams{
		territoryID: territoryID,
		identity:    identity,
		bypassGates: true,
		rejectHeld:  true,
		assignedBy:  nulls.NewString(actingAdmin),
	})
}

func (e *Engine) claim(ctx context.Context, params claimParams) (store.TerritoryClaim, error) {
	var claim store.TerritoryClaim
	var mapID string
	var vacatedTerritoryIDs []string
	err := e.mall.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// Resolve the map of the target territory without locking. A territory
		// never moves between maps so the unlocked read is safe.
		peek, err := e.mall.TerritoryByID(ctx, params.territoryID)
		if err != nil {
			return errors.Wrap(err, "territory by id", nil)
		}
		// The map settings row is locked before any territory row. Every write
		// path of the engine takes locks in this order. Vacating writes rows
		// the transaction never explicitly locked, so a second lock order
		// would allow two claims on the same map to deadlock.
		settings, err := e.mall.MapSettingsByIDForUpdate(ctx, tx, peek.MapID)
		if err != nil {
			return errors.Wrap(err, "map settings by id for update", nil)
		}
		territory, err := e.mall.TerritoryByIDForUpdate(ctx, tx, params.territoryID)
		if err != nil {
			return errors.Wrap(err, "territory by id for update", nil)
		}
		if !territory.IsActive {
			return errors.NewResourceNotFoundError(fmt.Sprintf("territory %s not found", territory.ID),
				errors.Details{"territoryID": territory.ID})
		}
		mapID = territory.MapID
		if !params.bypassGates {
			err = e.checkClaimGates(ctx, tx, settings, params.identity)
			if err != nil {
				return errors.Wrap(err, "check claim gates", nil)
			}
		}
		identityKey := params.identity.Key()
		// Vacate the identity's prior claims on this map before evaluating the
		// target's capacity. Order matters for re-claims of the same territory.
		priorClaims, err := e.mall.ActiveClaimsByIdentity(ctx, tx, territory.MapID, identityKey)
		if err != nil {
			return errors.Wrap(err, "active claims by identity", nil)
		}
		if params.rejectHeld {
			for _, prior := range priorClaims {
				if prior.TerritoryID == territory.ID {
					return errors.Error{
						Code:    errors.ErrBadRequest,
						Kind:    errors.KindAlreadyClaimed,
						Message: fmt.Sprintf("identity %s already holds territory %s", identityKey, territory.ID),
						Details: errors.Details{"territoryID": territory.ID, "identity": identityKey},
					}
				}
			}
		}
		now := time.Now()
		vacatedTerritoryIDs, err = e.vacate(ctx, tx, priorClaims, params.assignedBy, now)
		if err != nil {
			return errors.Wrap(err, "vacate prior claims", nil)
		}
		// Occupy the target.
		claim, err = e.occupy(ctx, tx, territory, settings, params, now)
		if err != nil {
			return errors.Wrap(err, "occupy territory", nil)
		}
		return nil
	})
	if err != nil {
		return store.TerritoryClaim{}, err
	}
	e.publishTerritories(mapID, append(vacatedTerritoryIDs, params.territoryID))
	return claim, nil
}

// checkClaimGates validates map lock, eligibility and team-leader restrictions
// for a non-admin claim.
func (e *Engine) checkClaimGates(ctx context.Context, tx pgx.Tx, settings store.MapSettings, identity Identity) error {
	if settings.IsLocked {
		return errors.Error{
			Code:    errors.ErrLocked,
			Kind:    errors.KindMapLocked,
			Message: fmt.Sprintf("map %s is locked for claiming", settings.ID),
			Details: errors.Details{"mapID": settings.ID},
		}
	}
	// Invite identities are authorized by their invite code instead of the
	// eligible-player set.
	if identity.Kind() == IdentityKindInvite {
		return nil
	}
	player, err := e.mall.EligiblePlayerByIdentity(ctx, tx, settings.ID, identity.UserID())
	if err != nil {
		if richErr, _ := errors.Cast(err); richErr.Code == errors.ErrNotFound {
			return errors.Error{
				Code:    errors.ErrForbidden,
				Kind:    errors.KindNotEligible,
				Message: fmt.Sprintf("identity %s is not eligible on map %s", identity.UserID(), settings.ID),
				Details: errors.Details{"mapID": settings.ID, "userID": identity.UserID()},
			}
		}
		return errors.Wrap(err, "eligible player by identity", nil)
	}
	if !settings.TeamMode {
		return nil
	}
	// Team mode: only the team leader claims for the team.
	if player.IsTeamLeader {
		return nil
	}
	if settings.TournamentID.Valid {
		isLeader, err := e.mall.IsTournamentTeamLeader(ctx, tx, settings.TournamentID.String, identity.UserID())
		if err != nil {
			return errors.Wrap(err, "is tournament team leader", nil)
		}
		if isLeader {
			return nil
		}
	}
	return errors.Error{
		Code:    errors.ErrForbidden,
		Kind:    errors.KindTeamLeaderRequired,
		Message: fmt.Sprintf("map %s is in team mode and identity %s is not a team leader", settings.ID, identity.UserID()),
		Details: errors.Details{"mapID": settings.ID, "userID": identity.UserID()},
	}
}

// vacate revokes the given active claims and resets the projection of each
// territory that is left without claimants. Returns the ids of all vacated
// territories.
func (e *Engine) vacate(ctx context.Context, tx pgx.Tx, priorClaims []store.TerritoryClaim,
	assignedBy nulls.String, now time.Time) ([]string, error) {
	vacated := make([]string, 0, len(priorClaims))
	for _, prior := range priorClaims {
		err := e.mall.RevokeClaim(ctx, tx, prior.ID, now)
		if err != nil {
			return nil, errors.Wrap(err, "revoke prior claim", errors.Details{"claimID": prior.ID})
		}
		_, err = e.mall.InsertClaim(ctx, tx, store.TerritoryClaim{
			TerritoryID: prior.TerritoryID,
			UserID:      prior.UserID,
			ClaimType:   store.ClaimTypeRevoke,
			Reason:      nulls.NewString("claimed another territory"),
			AssignedBy:  assignedBy,
			ClaimedAt:   now,
			RevokedAt:   nulls.NewTime(now),
		})
		if err != nil {
			return nil, errors.Wrap(err, "insert revoke log row", errors.Details{"territoryID": prior.TerritoryID})
		}
		remaining, err := e.mall.ActiveClaimCount(ctx, tx, prior.TerritoryID)
		if err != nil {
			return nil, errors.Wrap(err, "active claim count of vacated territory", nil)
		}
		if remaining == 0 {
			err = e.mall.UpdateTerritoryProjection(ctx, tx, prior.TerritoryID, nulls.String{}, nulls.Time{})
			if err != nil {
				return nil, errors.Wrap(err, "reset projection of vacated territory", nil)
			}
		}
		vacated = append(vacated, prior.TerritoryID)
	}
	return vacated, nil
}

// occupy performs the capacity and contested-limit checks on the locked target
// territory and appends the claim row. Both checks read counts under the same
// transaction that writes the claim.
func (e *Engine) occupy(ctx context.Context, tx pgx.Tx, territory store.Territory,
	settings store.MapSettings, params claimParams, now time.Time) (store.TerritoryClaim, error) {
	activeCount, err := e.mall.ActiveClaimCount(ctx, tx, territory.ID)
	if err != nil {
		return store.TerritoryClaim{}, errors.Wrap(err, "active claim count", nil)
	}
	maxPlayers := settings.MaxPlayersPerSpot
	if territory.MaxPlayers.Valid {
		maxPlayers = territory.MaxPlayers.Int
	}
	if activeCount >= maxPlayers {
		return store.TerritoryClaim{}, errors.Error{
			Code:    errors.ErrConflict,
			Kind:    errors.KindCapacityExceeded,
			Message: fmt.Sprintf("territory %s is already at its capacity of %d", territory.ID, maxPlayers),
			Details: errors.Details{
				"territoryID": territory.ID,
				"maxPlayers":  maxPlayers,
				"activeCount": activeCount,
			},
		}
	}
	// The claim makes the territory newly contested when it raises the claimant
	// count from one to two.
	if activeCount == 1 {
		contested, err := e.mall.ContestedTerritoryCount(ctx, tx, territory.MapID)
		if err != nil {
			return store.TerritoryClaim{}, errors.Wrap(err, "contested territory count", nil)
		}
		if contested >= settings.MaxContestedSpots {
			return store.TerritoryClaim{}, errors.Error{
				Code:    errors.ErrConflict,
				Kind:    errors.KindContestedLimitExceeded,
				Message: fmt.Sprintf("map %s is already at its contested-spot limit of %d", territory.MapID, settings.MaxContestedSpots),
				Details: errors.Details{
					"mapID":             territory.MapID,
					"maxContestedSpots": settings.MaxContestedSpots,
					"contested":         contested,
				},
			}
		}
	}
	claim, err := e.mall.InsertClaim(ctx, tx, store.TerritoryClaim{
		TerritoryID: territory.ID,
		UserID:      params.identity.Key(),
		ClaimType:   store.ClaimTypeClaim,
		AssignedBy:  params.assignedBy,
		ClaimedAt:   now,
	})
	if err != nil {
		return store.TerritoryClaim{}, errors.Wrap(err, "insert claim log row", nil)
	}
	color, err := e.claimColor(ctx, territory)
	if err != nil {
		return store.TerritoryClaim{}, errors.Wrap(err, "claim color", nil)
	}
	err = e.mall.UpdateTerritoryProjection(ctx, tx, territory.ID, nulls.NewString(color), nulls.NewTime(now))
	if err != nil {
		return store.TerritoryClaim{}, errors.Wrap(err, "update projection of claimed territory", nil)
	}
	return claim, nil
}

// claimColor resolves the color a claimed territory takes: the default color
// of its shape, or a fixed fallback for territories without shapes.
func (e *Engine) claimColor(ctx context.Context, territory store.Territory) (string, error) {
	if !territory.ShapeID.Valid {
		return defaultClaimColor, nil
	}
	shape, err := e.mall.TerritoryShapeByID(ctx, territory.ShapeID.String)
	if err != nil {
		return "", errors.Wrap(err, "territory shape by id", errors.Details{"shapeID": territory.ShapeID.String})
	}
	return shape.DefaultColor, nil
}

// RevokeOptions are optional parameters for Revoke.
type RevokeOptions struct {
	// ActingAdmin is the admin revoking on behalf of the identity.
	ActingAdmin nulls.String
	// Reason optionally describes why the claim was revoked.
	Reason nulls.String
}

// Revoke releases the identity's active claim on the territory. Fails with
// KindNotClaimed and performs no mutation when no active claim exists.
func (e *Engine) Revoke(ctx context.Context, territoryID string, identity Identity, opts RevokeOptions) error {
	var mapID string
	err := e.mall.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		peek, err := e.mall.TerritoryByID(ctx, territoryID)
		if err != nil {
			return errors.Wrap(err, "territory by id", nil)
		}
		// Same map-first lock order as claim so revocations cannot deadlock
		// with a concurrent claim vacating this territory.
		_, err = e.mall.MapSettingsByIDForUpdate(ctx, tx, peek.MapID)
		if err != nil {
			return errors.Wrap(err, "map settings by id for update", nil)
		}
		territory, err := e.mall.TerritoryByIDForUpdate(ctx, tx, territoryID)
		if err != nil {
			return errors.Wrap(err, "territory by id for update", nil)
		}
		mapID = territory.MapID
		identityKey := identity.Key()
		activeClaims, err := e.mall.ActiveClaimsByIdentity(ctx, tx, territory.MapID, identityKey)
		if err != nil {
			return errors.Wrap(err, "active claims by identity", nil)
		}
		var held *store.TerritoryClaim
		for i := range activeClaims {
			if activeClaims[i].TerritoryID == territory.ID {
				held = &activeClaims[i]
				break
			}
		}
		if held == nil {
			return errors.Error{
				Code:    errors.ErrBadRequest,
				Kind:    errors.KindNotClaimed,
				Message: fmt.Sprintf("identity %s has no active claim on territory %s", identityKey, territory.ID),
				Details: errors.Details{"territoryID": territory.ID, "identity": identityKey},
			}
		}
		now := time.Now()
		err = e.mall.RevokeClaim(ctx, tx, held.ID, now)
		if err != nil {
			return errors.Wrap(err, "revoke claim", errors.Details{"claimID": held.ID})
		}
		_, err = e.mall.InsertClaim(ctx, tx, store.TerritoryClaim{
			TerritoryID: territory.ID,
			UserID:      identityKey,
			ClaimType:   store.ClaimTypeRevoke,
			Reason:      opts.Reason,
			AssignedBy:  opts.ActingAdmin,
			ClaimedAt:   now,
			RevokedAt:   nulls.NewTime(now),
		})
		if err != nil {
			return errors.Wrap(err, "insert revoke log row", nil)
		}
		remaining, err := e.mall.ActiveClaimCount(ctx, tx, territory.ID)
		if err != nil {
			return errors.Wrap(err, "active claim count", nil)
		}
		if remaining == 0 {
			err = e.mall.UpdateTerritoryProjection(ctx, tx, territory.ID, nulls.String{}, nulls.Time{})
			if err != nil {
				return errors.Wrap(err, "reset projection", nil)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.publishTerritories(mapID, []string{territoryID})
	return nil
}

// AdminUnassign revokes like Revoke but records the acting admin.
func (e *Engine) AdminUnassign(ctx context.Context, territoryID string, identity Identity, actingAdmin string) error {
	return e.Revoke(ctx, territoryID, identity, RevokeOptions{
		ActingAdmin: nulls.NewString(actingAdmin),
		Reason:      nulls.NewString("removed by admin"),
	})
}

// ClaimWithInvite validates the invite code and performs the claim with a
// synthetic identity tied to the invite. The invite is consumed in the same
// transaction as the claim it authorizes. Invite claimants have no prior
// territory to vacate.
func (e *Engine) ClaimWithInvite(ctx context.Context, code string, territoryID string) (store.TerritoryClaim, store.InviteCode, error) {
	var claim store.TerritoryClaim
	var invite store.InviteCode
	var mapID string
	err := e.mall.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		// Lock the invite row so concurrent attempts with the same code serialize.
		invite, err = e.mall.InviteCodeByCodeForUpdate(ctx, tx, code)
		if err != nil {
			if richErr, _ := errors.Cast(err); richErr.Code == errors.ErrNotFound {
				return errors.NewInviteInvalidError("invite code not found", errors.Details{"code": code})
			}
			return errors.Wrap(err, "invite code by code for update", nil)
		}
		err = invite.ValidateAt(time.Now())
		if err != nil {
			return errors.Wrap(err, "validate invite", nil)
		}
		// The invite pins the map, so its settings row can be locked before the
		// territory row. Same lock order as claim.
		settings, err := e.mall.MapSettingsByIDForUpdate(ctx, tx, invite.MapID)
		if err != nil {
			return errors.Wrap(err, "map settings by id for update", nil)
		}
		territory, err := e.mall.TerritoryByIDForUpdate(ctx, tx, territoryID)
		if err != nil {
			return errors.Wrap(err, "territory by id for update", nil)
		}
		if !territory.IsActive {
			return errors.NewResourceNotFoundError(fmt.Sprintf("territory %s not found", territory.ID),
				errors.Details{"territoryID": territory.ID})
		}
		if territory.MapID != invite.MapID {
			return errors.NewInviteInvalidError("invite code not valid for this map",
				errors.Details{"code": code, "inviteMapID": invite.MapID, "territoryMapID": territory.MapID})
		}
		mapID = territory.MapID
		if settings.IsLocked {
			return errors.Error{
				Code:    errors.ErrLocked,
				Kind:    errors.KindMapLocked,
				Message: fmt.Sprintf("map %s is locked for claiming", settings.ID),
				Details: errors.Details{"mapID": settings.ID},
			}
		}
		now := time.Now()
		identity := InviteIdentity(invite.Code, invite.DisplayName)
		claim, err = e.occupy(ctx, tx, territory, settings, claimParams{
			territoryID: territory.ID,
			identity:    identity,
		}, now)
		if err != nil {
			return errors.Wrap(err, "occupy territory", nil)
		}
		err = e.mall.MarkInviteCodeUsed(ctx, tx, invite.Code, territory.ID, now)
		if err != nil {
			return errors.Wrap(err, "mark invite code used", nil)
		}
		invite.IsUsed = true
		invite.UsedAt = nulls.NewTime(now)
		invite.TerritoryID = nulls.NewString(territory.ID)
		return nil
	})
	if err != nil {
		return store.TerritoryClaim{}, store.InviteCode{}, err
	}
	e.publishTerritories(mapID, []string{territoryID})
	return claim, invite, nil
}

// publishTerritories notifies subscribers about all given territories.
// Broadcasting runs strictly after commit and never affects the claim result.
func (e *Engine) publishTerritories(mapID string, territoryIDs []string) {
	seen := make(map[string]struct{}, len(territoryIDs))
	for _, territoryID := range territoryIDs {
		if _, ok := seen[territoryID]; ok {
			continue
		}
		seen[territoryID] = struct{}{}
		e.broadcaster.PublishTerritory(mapID, territoryID)
	}
}
