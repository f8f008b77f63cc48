package store

import (
	"context"
	"fmt"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/gobuffalo/nulls"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

// Territory is a live, claimable territory instance on a map. Color and
// ClaimedAt are materialized projections of the claim log and are only written
// inside the same transaction as the claim rows they reflect.
type Territory struct {
	// ID identifies the territory.
	ID string
	// MapID is the map (settings) the territory belongs to.
	MapID string
	// ShapeID optionally references the shape the territory was instantiated
	// from.
	ShapeID nulls.String
	// Name is the human-readable territory name.
	Name string
	// Color is the current fill color. Unset while unclaimed.
	Color nulls.String
	// MaxPlayers overrides the map's max players per spot if set.
	MaxPlayers nulls.Int
	// IsActive is unset when the territory was soft-deleted.
	IsActive bool
	// ClaimedAt is when the territory last transitioned to claimed.
	ClaimedAt nulls.Time
}

var territoryColumns = []interface{}{
	goqu.C("id"),
	goqu.C("map_id"),
	goqu.C("shape_id"),
	goqu.C("name"),
	goqu.C("color"),
	goqu.C("max_players"),
	goqu.C("is_active"),
	goqu.C("claimed_at"),
}

func scanTerritory(row rowScanner, q string) (Territory, error) {
	var territory Territory
	err := row.Scan(&territory.ID,
		&territory.MapID,
		&territory.ShapeID,
		&territory.Name,
		&territory.Color,
		&territory.MaxPlayers,
		&territory.IsActive,
		&territory.ClaimedAt)
	if err != nil {
		return Territory{}, errors.NewScanDBRowError(err, "scan territory row", q)
	}
	return territory, nil
}

// CreateTerritory creates the given Territory and returns it with its assigned
// id.
func (m *Mall) CreateTerritory(ctx context.Context, territory Territory) (Territory, error) {
	territory.ID = uuid.New().String()
	territory.IsActive = true
	q, _, err := m.dialect.Insert(goqu.T("territories")).Rows(goqu.Record{
		"id":          territory.ID,
		"map_id":      territory.MapID,
		"shape_id":    territory.ShapeID,
		"name":        territory.Name,
		"color":       territory.Color,
		"max_players": territory.MaxPlayers,
		"is_active":   territory.IsActive,
		"claimed_at":  territory.ClaimedAt,
	}).ToSQL()
	if err != nil {
		return Territory{}, errors.NewQueryToSQLError(err, errors.Details{"territoryName": territory.Name})
	}
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return Territory{}, errors.NewExecQueryError(err, "exec create territory query", q)
	}
	return territory, nil
}

// TerritoryByID retrieves a Territory by its id.
func (m *Mall) TerritoryByID(ctx context.Context, territoryID string) (Territory, error) {
	return m.territoryByID(ctx, nil, territoryID, false)
}

// TerritoryByIDForUpdate retrieves a Territory by its id within the given
// transaction and locks its row until the transaction ends. Competing claims
// on the same territory serialize on this lock.
func (m *Mall) TerritoryByIDForUpdate(ctx context.Context, tx pgx.Tx, territoryID string) (Territory, error) {
	return m.territoryByID(ctx, tx, territoryID, true)
}

func (m *Mall) territoryByID(ctx context.Context, tx pgx.Tx, territoryID string, forUpdate bool) (Territory, error) {
	sel := m.dialect.From(goqu.T("territories")).
		Select(territoryColumns...).
		Where(goqu.C("id").Eq(territoryID))
	if forUpdate {
		sel = sel.ForUpdate(exp.Wait)
	}
	q, _, err := sel.ToSQL()
	if err != nil {
		return Territory{}, errors.NewQueryToSQLError(err, errors.Details{"territoryID": territoryID})
	}
	rows, err := m.runner(tx).Query(ctx, q)
	if err != nil {
		return Territory{}, errors.NewExecQueryError(err, "exec territory query", q)
	}
	defer rows.Close()
	if !rows.Next() {
		return Territory{}, errors.NewResourceNotFoundError(fmt.Sprintf("territory %s not found", territoryID),
			errors.Details{"territoryID": territoryID})
	}
	return scanTerritory(rows, q)
}

// TerritoriesByMap retrieves all active territories of the given map ordered
// by name.
func (m *Mall) TerritoriesByMap(ctx context.Context, mapID string) ([]Territory, error) {
	q, _, err := m.dialect.From(goqu.T("territories")).
		Select(territoryColumns...).
		Where(goqu.C("map_id").Eq(mapID),
			goqu.C("is_active").IsTrue()).
		Order(goqu.C("name").Asc()).ToSQL()
	if err != nil {
		return nil, errors.NewQueryToSQLError(err, errors.Details{"mapID": mapID})
	}
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "exec territories query", q)
	}
	defer rows.Close()
	territories := make([]Territory, 0)
	for rows.Next() {
		territory, err := scanTerritory(rows, q)
		if err != nil {
			return nil, errors.Wrap(err, "scan territory", nil)
		}
		territories = append(territories, territory)
	}
	return territories, nil
}

// UpdateTerritoryProjection sets the materialized claim projection (color and
// claimed-at) of the given territory. Must only be called inside the
// transaction that also writes the claim log.
func (m *Mall) UpdateTerritoryProjection(ctx context.Context, tx pgx.Tx, territoryID string,
	color nulls.String, claimedAt nulls.Time) error {
	q, _, err := m.dialect.Update(goqu.T("territories")).
		Set(goqu.Record{
			"color":      color,
			"claimed_at": claimedAt,
		}).
		Where(goqu.C("id").Eq(territoryID)).ToSQL()
	if err != nil {
		return errors.NewQueryToSQLError(err, errors.Details{"territoryID": territoryID})
	}
	result, err := tx.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec update territory projection query", q)
	}
	err = assureOneRowAffectedForNotFound(result, fmt.Sprintf("territory %s not found", territoryID),
		"territories", territoryID, q)
	if err != nil {
		return errors.Wrap(err, "assure found", nil)
	}
	return nil
}

// SetTerritoryActive sets the active flag of the given territory. Soft
// deletion keeps the claim log intact.
func (m *Mall) SetTerritoryActive(ctx context.Context, territoryID string, isActive bool) error {
	q, _, err := m.dialect.Update(goqu.T("territories")).
		Set(goqu.Record{
			"is_active": isActive,
		}).
		Where(goqu.C("id").Eq(territoryID)).ToSQL()
	if err != nil {
		return errors.NewQueryToSQLError(err, errors.Details{"territoryID": territoryID})
	}
	result, err := m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec set territory active query", q)
	}
	err = assureOneRowAffectedForNotFound(result, fmt.Sprintf("territory %s not found", territoryID),
		"territories", territoryID, q)
	if err != nil {
		return errors.Wrap(err, "assure found", nil)
	}
	return nil
}
