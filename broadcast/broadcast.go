// Package broadcast builds the public territory views and pushes them to all
// map subscribers after claim state changed.
package broadcast

import (
	"context"
	"time"

	"github.com/dropmaphq/dropmap-server/claiming"
	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/messages"
	"github.com/dropmaphq/dropmap-server/portal"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"
)

// publishTimeout bounds reading the territory state for a single update.
const publishTimeout = 5 * time.Second

// Store provides the persistence operations needed for building territory
// views. Implemented by store.Mall.
type Store interface {
	TerritoryByID(ctx context.Context, territoryID string) (store.Territory, error)
	TerritoriesByMap(ctx context.Context, mapID string) ([]store.Territory, error)
	ActiveClaimsByTerritory(ctx context.Context, tx pgx.Tx, territoryID string) ([]store.TerritoryClaim, error)
	EligiblePlayerByIdentity(ctx context.Context, tx pgx.Tx, mapID string, userID string) (store.EligiblePlayer, error)
	InviteCodeByCode(ctx context.Context, code string) (store.InviteCode, error)
}

// Hub sends raw messages to all subscribers of a map.
type Hub interface {
	BroadcastToMap(mapID string, message []byte)
}

// NetBroadcaster reads the authoritative territory state after a change and
// fans it out via the websocket hub and optionally mirrors it to MQTT.
// Failures are logged and never propagate into the claim path.
type NetBroadcaster struct {
	logger *zap.Logger
	mall   Store
	hub    Hub
	// portal optionally mirrors updates to MQTT. May be nil.
	portal portal.Portal
}

// NewNetBroadcaster creates a new NetBroadcaster. The portal may be nil in
// which case updates are only sent via the hub.
func NewNetBroadcaster(logger *zap.Logger, mall Store, hub Hub, mqttPortal portal.Portal) *NetBroadcaster {
	return &NetBroadcaster{
		logger: logger,
		mall:   mall,
		hub:    hub,
		portal: mqttPortal,
	}
}

// PublishTerritory pushes the current state of the territory to all map
// subscribers.
func (b *NetBroadcaster) PublishTerritory(mapID string, territoryID string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	view, err := b.territoryView(ctx, mapID, territoryID)
	if err != nil {
		errors.Log(b.logger, errors.Wrap(err, "build territory view", errors.Details{
			"mapID":       mapID,
			"territoryID": territoryID,
		}))
		return
	}
	update := messages.MessageTerritoryUpdate{
		MapID:       mapID,
		TerritoryID: territoryID,
		Territory:   view,
		Timestamp:   time.Now(),
	}
	raw, err := messages.Compose(messages.MessageTypeTerritoryUpdate, update)
	if err != nil {
		errors.Log(b.logger, errors.Wrap(err, "compose territory update", nil))
		return
	}
	b.hub.BroadcastToMap(mapID, raw)
	if b.portal != nil {
		b.portal.Publish(ctx, portal.TerritoryTopic(mapID, territoryID), update)
	}
}

// PublishMap signals all map subscribers that the map changed structurally and
// needs to be refetched.
func (b *NetBroadcaster) PublishMap(mapID string) {
	update := messages.MessageMapUpdate{
		MapID:     mapID,
		Timestamp: time.Now(),
	}
	raw, err := messages.Compose(messages.MessageTypeMapUpdate, update)
	if err != nil {
		errors.Log(b.logger, errors.Wrap(err, "compose map update", nil))
		return
	}
	b.hub.BroadcastToMap(mapID, raw)
	if b.portal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		b.portal.Publish(ctx, portal.MapTopic(mapID), update)
	}
}

// MapView builds the public views of all active territories of the map
// including their active claims.
func (b *NetBroadcaster) MapView(ctx context.Context, mapID string) ([]messages.Territory, error) {
	territories, err := b.mall.TerritoriesByMap(ctx, mapID)
	if err != nil {
		return nil, errors.Wrap(err, "territories by map", nil)
	}
	views := make([]messages.Territory, 0, len(territories))
	for _, territory := range territories {
		view, err := b.territoryView(ctx, mapID, territory.ID)
		if err != nil {
			return nil, errors.Wrap(err, "territory view",
				errors.Details{"territoryID": territory.ID})
		}
		views = append(views, view)
	}
	return views, nil
}

// territoryView builds the public view of the territory including all active
// claims with resolved display names.
func (b *NetBroadcaster) territoryView(ctx context.Context, mapID string, territoryID string) (messages.Territory, error) {
	territory, err := b.mall.TerritoryByID(ctx, territoryID)
	if err != nil {
		return messages.Territory{}, errors.Wrap(err, "territory by id", nil)
	}
	claims, err := b.mall.ActiveClaimsByTerritory(ctx, nil, territoryID)
	if err != nil {
		return messages.Territory{}, errors.Wrap(err, "active claims by territory", nil)
	}
	activeClaims := make([]messages.ActiveClaim, 0, len(claims))
	for _, claim := range claims {
		activeClaims = append(activeClaims, messages.ActiveClaim{
			ID:          claim.ID,
			UserID:      claim.UserID,
			DisplayName: b.displayName(ctx, mapID, claim.UserID),
			ClaimedAt:   claim.ClaimedAt,
		})
	}
	return messages.Territory{
		ID:         territory.ID,
		MapID:      territory.MapID,
		Name:       territory.Name,
		Color:      territory.Color,
		MaxPlayers: territory.MaxPlayers,
		ClaimedAt:  territory.ClaimedAt,
		Claims:     activeClaims,
	}, nil
}

// displayName resolves how the identity behind the given key should be shown
// on the map. Falls back to the raw key when no resolution is possible.
func (b *NetBroadcaster) displayName(ctx context.Context, mapID string, identityKey string) string {
	if code, ok := claiming.IsInviteKey(identityKey); ok {
		invite, err := b.mall.InviteCodeByCode(ctx, code)
		if err != nil {
			errors.Log(b.logger, errors.Wrap(err, "invite code by code", nil))
			return identityKey
		}
		return invite.DisplayName
	}
	player, err := b.mall.EligiblePlayerByIdentity(ctx, nil, mapID, identityKey)
	if err != nil {
		if e, _ := errors.Cast(err); e.Code != errors.ErrNotFound {
			errors.Log(b.logger, errors.Wrap(err, "eligible player by identity", nil))
		}
		return identityKey
	}
	return player.DisplayName
}
