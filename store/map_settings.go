package store

import (
	"context"
	"fmt"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/gobuffalo/nulls"
	"github.com/jackc/pgx/v4"
)

// MapSettings hold the claiming rules of a drop map. The map id doubles as the
// settings id.
type MapSettings struct {
	// ID identifies the map.
	ID string
	// Name is the human-readable map name.
	Name string
	// TournamentID optionally ties the map to a tournament. Required for team
	// mode.
	TournamentID nulls.String
	// IsLocked forbids all non-admin claiming while set.
	IsLocked bool
	// MaxPlayersPerSpot is the claim capacity of territories without their own
	// max players.
	MaxPlayersPerSpot int
	// MaxContestedSpots is the map-wide limit of territories with more than one
	// active claimant.
	MaxContestedSpots int
	// TeamMode restricts claiming to team leaders.
	TeamMode bool
}

var mapSettingsColumns = []interface{}{
	goqu.C("id"),
	goqu.C("name"),
	goqu.C("tournament_id"),
	goqu.C("is_locked"),
	goqu.C("max_players_per_spot"),
	goqu.C("max_contested_spots"),
	goqu.C("team_mode"),
}

func scanMapSettings(row rowScanner, q string) (MapSettings, error) {
	var settings MapSettings
	err := row.Scan(&settings.ID,
		&settings.Name,
		&settings.TournamentID,
		&settings.IsLocked,
		&settings.MaxPlayersPerSpot,
		&settings.MaxContestedSpots,
		&settings.TeamMode)
	if err != nil {
		return MapSettings{}, errors.NewScanDBRowError(err, "scan map settings row", q)
	}
	return settings, nil
}

// MapSettingsByID retrieves the MapSettings of the given map.
func (m *Mall) MapSettingsByID(ctx context.Context, mapID string) (MapSettings, error) {
	return m.mapSettingsByID(ctx, nil, mapID, false)
}

// MapSettingsByIDForUpdate retrieves the MapSettings of the given map within
// the given transaction and locks the row until the transaction ends. The lock
// serializes the map-wide contested-spot check across territories.
func (m *Mall) MapSettingsByIDForUpdate(ctx context.Context, tx pgx.Tx, mapID string) (MapSettings, error) {
	return m.mapSettingsByID(ctx, tx, mapID, true)
}

func (m *Mall) mapSettingsByID(ctx context.Context, tx pgx.Tx, mapID string, forUpdate bool) (MapSettings, error) {
	sel := m.dialect.From(goqu.T("map_settings")).
		Select(mapSettingsColumns...).
		Where(goqu.C("id").Eq(mapID))
	if forUpdate {
		sel = sel.ForUpdate(exp.Wait)
	}
	q, _, err := sel.ToSQL()
	if err != nil {
		return MapSettings{}, errors.NewQueryToSQLError(err, errors.Details{"mapID": mapID})
	}
	rows, err := m.runner(tx).Query(ctx, q)
	if err != nil {
		return MapSettings{}, errors.NewExecQueryError(err, "exec map settings query", q)
	}
	defer rows.Close()
	if !rows.Next() {
		return MapSettings{}, errors.NewResourceNotFoundError(fmt.Sprintf("map %s not found", mapID),
			errors.Details{"mapID": mapID})
	}
	return scanMapSettings(rows, q)
}

// CreateMapSettings creates the given MapSettings.
func (m *Mall) CreateMapSettings(ctx context.Context, settings MapSettings) (MapSettings, error) {
	q, _, err := m.dialect.Insert(goqu.T("map_settings")).Rows(goqu.Record{
		"id":                   settings.ID,
		"name":                 settings.Name,
		"tournament_id":        settings.TournamentID,
		"is_locked":            settings.IsLocked,
		"max_players_per_spot": settings.MaxPlayersPerSpot,
		"max_contested_spots":  settings.MaxContestedSpots,
		"team_mode":            settings.TeamMode,
	}).ToSQL()
	if err != nil {
		return MapSettings{}, errors.NewQueryToSQLError(err, errors.Details{"mapID": settings.ID})
	}
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return MapSettings{}, errors.NewExecQueryError(err, "exec create map settings query", q)
	}
	return settings, nil
}

// SetMapLocked sets the locked flag of the given map.
func (m *Mall) SetMapLocked(ctx context.Context, mapID string, isLocked bool) error {
	q, _, err := m.dialect.Update(goqu.T("map_settings")).
		Set(goqu.Record{
			"is_locked": isLocked,
		}).
		Where(goqu.C("id").Eq(mapID)).ToSQL()
	if err != nil {
		return errors.NewQueryToSQLError(err, errors.Details{"mapID": mapID})
	}
	result, err := m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec set map locked query", q)
	}
	err = assureOneRowAffectedForNotFound(result, fmt.Sprintf("map %s not found", mapID),
		"map_settings", mapID, q)
	if err != nil {
		return errors.Wrap(err, "assure found", nil)
	}
	return nil
}

// IsTournamentTeamLeader checks whether the given user leads a team of the
// given tournament. Runs within the given transaction or standalone when tx is
// nil.
func (m *Mall) IsTournamentTeamLeader(ctx context.Context, tx pgx.Tx, tournamentID string, userID string) (bool, error) {
	q, _, err := m.dialect.From(goqu.T("tournament_teams")).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C("tournament_id").Eq(tournamentID),
			goqu.C("leader_id").Eq(userID)).ToSQL()
	if err != nil {
		return false, errors.NewQueryToSQLError(err, errors.Details{"tournamentID": tournamentID, "userID": userID})
	}
	rows, err := m.runner(tx).Query(ctx, q)
	if err != nil {
		return false, errors.NewExecQueryError(err, "exec team leader query", q)
	}
	defer rows.Close()
	if !rows.Next() {
		return false, errors.NewInternalError("team leader query returned no rows", errors.Details{"query": q})
	}
	var count int
	err = rows.Scan(&count)
	if err != nil {
		return false, errors.NewScanDBRowError(err, "scan team leader count", q)
	}
	return count > 0, nil
}
