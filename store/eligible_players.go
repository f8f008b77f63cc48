package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/doug-martin/goqu/v9"
	"github.com/gobuffalo/nulls"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	nativeerrors "errors"
)

// Eligible player source types.
const (
	// SourceTypeManual marks players added by hand.
	SourceTypeManual = "manual"
	// SourceTypeTournamentImport marks players copied from paid tournament
	// registrants.
	SourceTypeTournamentImport = "tournament_import"
	// SourceTypeInvite marks synthetic players created through invite codes.
	SourceTypeInvite = "invite"
)

// EligiblePlayer is an identity that is permitted to claim on a map.
type EligiblePlayer struct {
	// MapID is the map the player may claim on.
	MapID string
	// UserID is the identity key of the player.
	UserID string
	// DisplayName is how the player is shown on the map.
	DisplayName string
	// TeamID optionally groups the player into a team.
	TeamID nulls.String
	// IsTeamLeader marks the sole identity allowed to claim for the team on
	// team-mode maps.
	IsTeamLeader bool
	// SourceType describes how the player entered the eligible set.
	SourceType string
	// AddedBy is the admin that added the player.
	AddedBy nulls.String
	// AddedAt is when the player was added.
	AddedAt time.Time
}

var eligiblePlayerColumns = []interface{}{
	goqu.C("map_id"),
	goqu.C("user_id"),
	goqu.C("display_name"),
	goqu.C("team_id"),
	goqu.C("is_team_leader"),
	goqu.C("source_type"),
	goqu.C("added_by"),
	goqu.C("added_at"),
}

func scanEligiblePlayer(row rowScanner, q string) (EligiblePlayer, error) {
	var player EligiblePlayer
	err := row.Scan(&player.MapID,
		&player.UserID,
		&player.DisplayName,
		&player.TeamID,
		&player.IsTeamLeader,
		&player.SourceType,
		&player.AddedBy,
		&player.AddedAt)
	if err != nil {
		return EligiblePlayer{}, errors.NewScanDBRowError(err, "scan eligible player row", q)
	}
	return player, nil
}

// AddEligiblePlayer adds the given player to the eligible set of its map. A
// duplicate (map, user) pair results in an ErrBadRequest error.
func (m *Mall) AddEligiblePlayer(ctx context.Context, player EligiblePlayer) (EligiblePlayer, error) {
	player.AddedAt = time.Now()
	q, _, err := m.dialect.Insert(goqu.T("dropmap_eligible_players")).Rows(goqu.Record{
		"map_id":         player.MapID,
		"user_id":        player.UserID,
		"display_name":   player.DisplayName,
		"team_id":        player.TeamID,
		"is_team_leader": player.IsTeamLeader,
		"source_type":    player.SourceType,
		"added_by":       player.AddedBy,
		"added_at":       player.AddedAt,
	}).ToSQL()
	if err != nil {
		return EligiblePlayer{}, errors.NewQueryToSQLError(err, errors.Details{"mapID": player.MapID, "userID": player.UserID})
	}
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		// Map unique violations to bad-request.
		var pgErr *pgconn.PgError
		if nativeerrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return EligiblePlayer{}, errors.NewBadRequestError(errors.KindUnexpected,
				fmt.Sprintf("player %s already eligible on map %s", player.UserID, player.MapID),
				errors.Details{"mapID": player.MapID, "userID": player.UserID})
		}
		return EligiblePlayer{}, errors.NewExecQueryError(err, "exec add eligible player query", q)
	}
	return player, nil
}

// EligiblePlayerByIdentity retrieves the EligiblePlayer with the given
// identity key on the given map. Runs within the given transaction or
// standalone when tx is nil.
func (m *Mall) EligiblePlayerByIdentity(ctx context.Context, tx pgx.Tx, mapID string, userID string) (EligiblePlayer, error) {
	q, _, err := m.dialect.From(goqu.T("dropmap_eligible_players")).
		Select(eligiblePlayerColumns...).
		Where(goqu.C("map_id").Eq(mapID),
			goqu.C("user_id").Eq(userID)).ToSQL()
	if err != nil {
		return EligiblePlayer{}, errors.NewQueryToSQLError(err, errors.Details{"mapID": mapID, "userID": userID})
	}
	rows, err := m.runner(tx).Query(ctx, q)
	if err != nil {
		return EligiblePlayer{}, errors.NewExecQueryError(err, "exec eligible player query", q)
	}
	defer rows.Close()
	if !rows.Next() {
		return EligiblePlayer{}, errors.NewResourceNotFoundError(
			fmt.Sprintf("player %s not eligible on map %s", userID, mapID),
			errors.Details{"mapID": mapID, "userID": userID})
	}
	return scanEligiblePlayer(rows, q)
}

// EligiblePlayersByMap retrieves all eligible players of the given map ordered
// by display name.
func (m *Mall) EligiblePlayersByMap(ctx context.Context, mapID string) ([]EligiblePlayer, error) {
	q, _, err := m.dialect.From(goqu.T("dropmap_eligible_players")).
		Select(eligiblePlayerColumns...).
		Where(goqu.C("map_id").Eq(mapID)).
		Order(goqu.C("display_name").Asc()).ToSQL()
	if err != nil {
		return nil, errors.NewQueryToSQLError(err, errors.Details{"mapID": mapID})
	}
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "exec eligible players query", q)
	}
	defer rows.Close()
	players := make([]EligiblePlayer, 0)
	for rows.Next() {
		player, err := scanEligiblePlayer(rows, q)
		if err != nil {
			return nil, errors.Wrap(err, "scan eligible player", nil)
		}
		players = append(players, player)
	}
	return players, nil
}

// RemoveEligiblePlayer removes the given identity from the eligible set of the
// given map.
func (m *Mall) RemoveEligiblePlayer(ctx context.Context, mapID string, userID string) error {
	q, _, err := m.dialect.Delete(goqu.T("dropmap_eligible_players")).
		Where(goqu.C("map_id").Eq(mapID),
			goqu.C("user_id").Eq(userID)).ToSQL()
	if err != nil {
		return errors.NewQueryToSQLError(err, errors.Details{"mapID": mapID, "userID": userID})
	}
	result, err := m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec remove eligible player query", q)
	}
	err = assureOneRowAffectedForNotFound(result,
		fmt.Sprintf("player %s not eligible on map %s", userID, mapID),
		"dropmap_eligible_players", userID, q)
	if err != nil {
		return errors.Wrap(err, "assure found", nil)
	}
	return nil
}
