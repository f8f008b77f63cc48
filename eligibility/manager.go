// Package eligibility manages which identities may claim on a map as well as
// the lifecycle of single-use invite codes.
package eligibility

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dropmaphq/dropmap-server/claiming"
	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/gobuffalo/nulls"
	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"
)

// inviteCodeBytes is the entropy of generated invite codes.
const inviteCodeBytes = 16

// Store provides the persistence operations the Manager needs. Implemented by
// store.Mall.
type Store interface {
	MapSettingsByID(ctx context.Context, mapID string) (store.MapSettings, error)
	EligiblePlayerByIdentity(ctx context.Context, tx pgx.Tx, mapID string, userID string) (store.EligiblePlayer, error)
	EligiblePlayersByMap(ctx context.Context, mapID string) ([]store.EligiblePlayer, error)
	AddEligiblePlayer(ctx context.Context, player store.EligiblePlayer) (store.EligiblePlayer, error)
	RemoveEligiblePlayer(ctx context.Context, mapID string, userID string) error
	IsTournamentTeamLeader(ctx context.Context, tx pgx.Tx, tournamentID string, userID string) (bool, error)
	CreateInviteCode(ctx context.Context, invite store.InviteCode) (store.InviteCode, error)
	InviteCodeByCode(ctx context.Context, code string) (store.InviteCode, error)
	InviteCodesByMap(ctx context.Context, mapID string) ([]store.InviteCode, error)
	DeleteInviteCode(ctx context.Context, code string) error
	PaidRegistrants(ctx context.Context, tournamentID string) ([]store.TournamentRegistrant, error)
}

// Manager implements eligibility checks and the invite-code lifecycle.
type Manager struct {
	logger *zap.Logger
	mall   Store
}

// NewManager creates a new Manager.
func NewManager(logger *zap.Logger, mall Store) *Manager {
	return &Manager{
		logger: logger,
		mall:   mall,
	}
}

// IsEligible reports whether the identity may claim territories on the map.
// Admins are always eligible. Invite identities carry their authorization in
// the invite code and are checked by the claim engine instead.
func (m *Manager) IsEligible(ctx context.Context, mapID string, identity claiming.Identity, isAdmin bool) (bool, error) {
	if isAdmin {
		return true, nil
	}
	if identity.Kind() == claiming.IdentityKindInvite {
		return false, nil
	}
	_, err := m.mall.EligiblePlayerByIdentity(ctx, nil, mapID, identity.UserID())
	if err != nil {
		if e, _ := errors.Cast(err); e.Code == errors.ErrNotFound {
			return false, nil
		}
		return false, errors.Wrap(err, "eligible player by identity", nil)
	}
	return true, nil
}

// IsTeamLeader reports whether the identity may claim for its team on a
// team-mode map: either as leader of a tournament team or as the virtual
// leader flagged in the eligible-player set.
func (m *Manager) IsTeamLeader(ctx context.Context, mapID string, tournamentID nulls.String, identity claiming.Identity) (bool, error) {
	if identity.Kind() != claiming.IdentityKindUser {
		return false, nil
	}
	player, err := m.mall.EligiblePlayerByIdentity(ctx, nil, mapID, identity.UserID())
	if err == nil && player.IsTeamLeader {
		return true, nil
	}
	if err != nil {
		if e, _ := errors.Cast(err); e.Code != errors.ErrNotFound {
			return false, errors.Wrap(err, "eligible player by identity", nil)
		}
	}
	if !tournamentID.Valid {
		return false, nil
	}
	isLeader, err := m.mall.IsTournamentTeamLeader(ctx, nil, tournamentID.String, identity.UserID())
	if err != nil {
		return false, errors.Wrap(err, "is tournament team leader", nil)
	}
	return isLeader, nil
}

// AddPlayer adds the identity to the eligible set of the map.
func (m *Manager) AddPlayer(ctx context.Context, player store.EligiblePlayer) (store.EligiblePlayer, error) {
	if player.SourceType == "" {
		player.SourceType = store.SourceTypeManual
	}
	added, err := m.mall.AddEligiblePlayer(ctx, player)
	if err != nil {
		return store.EligiblePlayer{}, errors.Wrap(err, "add eligible player", nil)
	}
	m.logger.Debug("eligible player added",
		zap.String("map_id", added.MapID),
		zap.String("user_id", added.UserID),
		zap.String("source_type", added.SourceType))
	return added, nil
}

// RemovePlayer removes the identity from the eligible set of the map.
func (m *Manager) RemovePlayer(ctx context.Context, mapID string, userID string) error {
	err := m.mall.RemoveEligiblePlayer(ctx, mapID, userID)
	if err != nil {
		return errors.Wrap(err, "remove eligible player", nil)
	}
	return nil
}

// PlayersByMap retrieves the eligible set of the map.
func (m *Manager) PlayersByMap(ctx context.Context, mapID string) ([]store.EligiblePlayer, error) {
	players, err := m.mall.EligiblePlayersByMap(ctx, mapID)
	if err != nil {
		return nil, errors.Wrap(err, "eligible players by map", nil)
	}
	return players, nil
}

// CreateInvite issues a new single-use invite code for the map that expires
// after the given amount of days.
func (m *Manager) CreateInvite(ctx context.Context, mapID string, displayName string, ttlDays int, createdBy string) (store.InviteCode, error) {
	if displayName == "" {
		return store.InviteCode{}, errors.NewBadRequestError(errors.KindUnexpected,
			"display name must not be empty", nil)
	}
	if ttlDays <= 0 {
		return store.InviteCode{}, errors.NewBadRequestError(errors.KindUnexpected,
			fmt.Sprintf("ttl days must be positive but was %d", ttlDays),
			errors.Details{"ttlDays": ttlDays})
	}
	// Assure the map exists before issuing a code for it.
	_, err := m.mall.MapSettingsByID(ctx, mapID)
	if err != nil {
		return store.InviteCode{}, errors.Wrap(err, "map settings by id", nil)
	}
	code, err := generateInviteCode()
	if err != nil {
		return store.InviteCode{}, errors.Wrap(err, "generate invite code", nil)
	}
	invite, err := m.mall.CreateInviteCode(ctx, store.InviteCode{
		Code:        code,
		MapID:       mapID,
		DisplayName: displayName,
		ExpiresAt:   time.Now().AddDate(0, 0, ttlDays),
		CreatedBy:   nulls.NewString(createdBy),
	})
	if err != nil {
		return store.InviteCode{}, errors.Wrap(err, "create invite code", nil)
	}
	m.logger.Debug("invite code created",
		zap.String("map_id", mapID),
		zap.Time("expires_at", invite.ExpiresAt))
	return invite, nil
}

// ValidateInvite checks whether the invite with the given code can still
// authorize a claim and returns it unconsumed. Consumption happens inside the
// claim transaction, never here.
func (m *Manager) ValidateInvite(ctx context.Context, code string) (store.InviteCode, error) {
	invite, err := m.mall.InviteCodeByCode(ctx, code)
	if err != nil {
		if e, _ := errors.Cast(err); e.Code == errors.ErrNotFound {
			return store.InviteCode{}, errors.NewInviteInvalidError("invite code not found",
				errors.Details{"code": code})
		}
		return store.InviteCode{}, errors.Wrap(err, "invite code by code", nil)
	}
	err = invite.ValidateAt(time.Now())
	if err != nil {
		return store.InviteCode{}, errors.Wrap(err, "validate invite", nil)
	}
	return invite, nil
}

// InvitesByMap retrieves all invite codes of the map, newest first.
func (m *Manager) InvitesByMap(ctx context.Context, mapID string) ([]store.InviteCode, error) {
	invites, err := m.mall.InviteCodesByMap(ctx, mapID)
	if err != nil {
		return nil, errors.Wrap(err, "invite codes by map", nil)
	}
	return invites, nil
}

// DeleteInvite deletes an unused invite code.
func (m *Manager) DeleteInvite(ctx context.Context, code string) error {
	err := m.mall.DeleteInviteCode(ctx, code)
	if err != nil {
		return errors.Wrap(err, "delete invite code", nil)
	}
	return nil
}

// ImportFilter narrows a tournament import to certain registrants.
type ImportFilter struct {
	// Positions only imports registrants with one of the given finishing
	// positions.
	Positions []int
	// TopN only imports the best n registrants by finishing position.
	TopN nulls.Int
}

func (f ImportFilter) matches(registrant store.TournamentRegistrant, rank int) bool {
	if len(f.Positions) > 0 {
		if !registrant.FinalPosition.Valid {
			return false
		}
		found := false
		for _, position := range f.Positions {
			if registrant.FinalPosition.Int == position {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TopN.Valid && rank >= f.TopN.Int {
		return false
	}
	return true
}

// ImportFromTournament copies all paid registrants of the tournament that
// match the filter into the eligible set of the map. Registrants that are
// already eligible are skipped. Returns the number of imported players.
func (m *Manager) ImportFromTournament(ctx context.Context, mapID string, tournamentID string,
	filter ImportFilter, addedBy string) (int, error) {
	registrants, err := m.mall.PaidRegistrants(ctx, tournamentID)
	if err != nil {
		return 0, errors.Wrap(err, "paid registrants", nil)
	}
	imported := 0
	for rank, registrant := range registrants {
		if !filter.matches(registrant, rank) {
			continue
		}
		// Skip duplicates.
		_, err := m.mall.EligiblePlayerByIdentity(ctx, nil, mapID, registrant.UserID)
		if err == nil {
			continue
		}
		if e, _ := errors.Cast(err); e.Code != errors.ErrNotFound {
			return imported, errors.Wrap(err, "eligible player by identity", nil)
		}
		_, err = m.mall.AddEligiblePlayer(ctx, store.EligiblePlayer{
			MapID:        mapID,
			UserID:       registrant.UserID,
			DisplayName:  registrant.DisplayName,
			TeamID:       registrant.TeamID,
			IsTeamLeader: registrant.IsTeamLeader,
			SourceType:   store.SourceTypeTournamentImport,
			AddedBy:      nulls.NewString(addedBy),
		})
		if err != nil {
			return imported, errors.Wrap(err, "add eligible player",
				errors.Details{"userID": registrant.UserID})
		}
		imported++
	}
	m.logger.Debug("tournament import completed",
		zap.String("map_id", mapID),
		zap.String("tournament_id", tournamentID),
		zap.Int("imported", imported))
	return imported, nil
}

// generateInviteCode creates a random unguessable invite code.
func generateInviteCode() (string, error) {
	raw := make([]byte, inviteCodeBytes)
	_, err := rand.Read(raw)
	if err != nil {
		return "", errors.NewInternalErrorFromErr(err, "read random bytes", nil)
	}
	return hex.EncodeToString(raw), nil
}
