package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/doug-martin/goqu/v9"
	"github.com/gobuffalo/nulls"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

// Claim types.
const (
	// ClaimTypeClaim marks a row that grants ownership.
	ClaimTypeClaim = "claim"
	// ClaimTypeRevoke marks an audit row for a released claim.
	ClaimTypeRevoke = "revoke"
)

// TerritoryClaim is an append-only claim log row. Rows are never mutated
// except for stamping RevokedAt. Current ownership is all rows with
// ClaimTypeClaim and unset RevokedAt.
type TerritoryClaim struct {
	// ID identifies the claim row.
	ID string
	// TerritoryID is the claimed territory.
	TerritoryID string
	// UserID is the claiming identity key.
	UserID string
	// ClaimType is ClaimTypeClaim or ClaimTypeRevoke.
	ClaimType string
	// Reason optionally describes why a claim was revoked.
	Reason nulls.String
	// AssignedBy is the admin that granted or revoked the claim on behalf of the
	// identity.
	AssignedBy nulls.String
	// ClaimedAt is when the row was created.
	ClaimedAt time.Time
	// RevokedAt is set when the claim was released.
	RevokedAt nulls.Time
}

var claimColumns = []interface{}{
	goqu.C("id"),
	goqu.C("territory_id"),
	goqu.C("user_id"),
	goqu.C("claim_type"),
	goqu.C("reason"),
	goqu.C("assigned_by"),
	goqu.C("claimed_at"),
	goqu.C("revoked_at"),
}

func scanClaim(row rowScanner, q string) (TerritoryClaim, error) {
	var claim TerritoryClaim
	err := row.Scan(&claim.ID,
		&claim.TerritoryID,
		&claim.UserID,
		&claim.ClaimType,
		&claim.Reason,
		&claim.AssignedBy,
		&claim.ClaimedAt,
		&claim.RevokedAt)
	if err != nil {
		return TerritoryClaim{}, errors.NewScanDBRowError(err, "scan claim row", q)
	}
	return claim, nil
}

// InsertClaim appends the given claim log row within the given transaction and
// returns it with its assigned id.
func (m *Mall) InsertClaim(ctx context.Context, tx pgx.Tx, claim TerritoryClaim) (TerritoryClaim, error) {
	claim.ID = uuid.New().String()
	q, _, err := m.dialect.Insert(goqu.T("territory_claims")).Rows(goqu.Record{
		"id":           claim.ID,
		"territory_id": claim.TerritoryID,
		"user_id":      claim.UserID,
		"claim_type":   claim.ClaimType,
		"reason":       claim.Reason,
		"assigned_by":  claim.AssignedBy,
		"claimed_at":   claim.ClaimedAt,
		"revoked_at":   claim.RevokedAt,
	}).ToSQL()
	if err != nil {
		return TerritoryClaim{}, errors.NewQueryToSQLError(err, errors.Details{"territoryID": claim.TerritoryID})
	}
	_, err = tx.Exec(ctx, q)
	if err != nil {
		return TerritoryClaim{}, errors.NewExecQueryError(err, "exec insert claim query", q)
	}
	return claim, nil
}

// RevokeClaim stamps the revoked-at timestamp on the given active claim row
// within the given transaction.
func (m *Mall) RevokeClaim(ctx context.Context, tx pgx.Tx, claimID string, revokedAt time.Time) error {
	q, _, err := m.dialect.Update(goqu.T("territory_claims")).
		Set(goqu.Record{
			"revoked_at": revokedAt,
		}).
		Where(goqu.C("id").Eq(claimID),
			goqu.C("revoked_at").IsNull()).ToSQL()
	if err != nil {
		return errors.NewQueryToSQLError(err, errors.Details{"claimID": claimID})
	}
	result, err := tx.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec revoke claim query", q)
	}
	err = assureOneRowAffectedForNotFound(result, fmt.Sprintf("active claim %s not found", claimID),
		"territory_claims", claimID, q)
	if err != nil {
		return errors.Wrap(err, "assure found", nil)
	}
	return nil
}

// ActiveClaimsByTerritory retrieves all active claims of the given territory
// ordered by claim time. Runs in the given transaction or standalone when tx
// is nil.
func (m *Mall) ActiveClaimsByTerritory(ctx context.Context, tx pgx.Tx, territoryID string) ([]TerritoryClaim, error) {
	q, _, err := m.dialect.From(goqu.T("territory_claims")).
		Select(claimColumns...).
		Where(goqu.C("territory_id").Eq(territoryID),
			goqu.C("claim_type").Eq(ClaimTypeClaim),
			goqu.C("revoked_at").IsNull()).
		Order(goqu.C("claimed_at").Asc()).ToSQL()
	if err != nil {
		return nil, errors.NewQueryToSQLError(err, errors.Details{"territoryID": territoryID})
	}
	rows, err := m.runner(tx).Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "exec active claims query", q)
	}
	defer rows.Close()
	claims := make([]TerritoryClaim, 0)
	for rows.Next() {
		claim, err := scanClaim(rows, q)
		if err != nil {
			return nil, errors.Wrap(err, "scan claim", nil)
		}
		claims = append(claims, claim)
	}
	return claims, nil
}

// ActiveClaimsByIdentity retrieves all active claims of the given identity key
// on any territory of the given map within the given transaction.
func (m *Mall) ActiveClaimsByIdentity(ctx context.Context, tx pgx.Tx, mapID string, identityKey string) ([]TerritoryClaim, error) {
	q, _, err := m.dialect.From(goqu.T("territory_claims").As("c")).
		Join(goqu.T("territories").As("t"),
			goqu.On(goqu.Ex{"c.territory_id": goqu.I("t.id")})).
		Select(goqu.I("c.id"),
			goqu.I("c.territory_id"),
			goqu.I("c.user_id"),
			goqu.I("c.claim_type"),
			goqu.I("c.reason"),
			goqu.I("c.assigned_by"),
			goqu.I("c.claimed_at"),
			goqu.I("c.revoked_at")).
		Where(goqu.I("t.map_id").Eq(mapID),
			goqu.I("c.user_id").Eq(identityKey),
			goqu.I("c.claim_type").Eq(ClaimTypeClaim),
			goqu.I("c.revoked_at").IsNull()).
		Order(goqu.I("c.claimed_at").Asc()).ToSQL()
	if err != nil {
		return nil, errors.NewQueryToSQLError(err, errors.Details{"mapID": mapID, "identity": identityKey})
	}
	rows, err := m.runner(tx).Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "exec active claims by identity query", q)
	}
	defer rows.Close()
	claims := make([]TerritoryClaim, 0)
	for rows.Next() {
		claim, err := scanClaim(rows, q)
		if err != nil {
			return nil, errors.Wrap(err, "scan claim", nil)
		}
		claims = append(claims, claim)
	}
	return claims, nil
}

// ActiveClaimCount counts the active claims of the given territory within the
// given transaction.
func (m *Mall) ActiveClaimCount(ctx context.Context, tx pgx.Tx, territoryID string) (int, error) {
	q, _, err := m.dialect.From(goqu.T("territory_claims")).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C("territory_id").Eq(territoryID),
			goqu.C("claim_type").Eq(ClaimTypeClaim),
			goqu.C("revoked_at").IsNull()).ToSQL()
	if err != nil {
		return -1, errors.NewQueryToSQLError(err, errors.Details{"territoryID": territoryID})
	}
	rows, err := m.runner(tx).Query(ctx, q)
	if err != nil {
		return -1, errors.NewExecQueryError(err, "exec active claim count query", q)
	}
	defer rows.Close()
	if !rows.Next() {
		return -1, errors.NewInternalError("active claim count query returned no rows", errors.Details{"query": q})
	}
	var count int
	err = rows.Scan(&count)
	if err != nil {
		return -1, errors.NewScanDBRowError(err, "scan active claim count", q)
	}
	return count, nil
}

// ContestedTerritoryCount counts the territories of the given map that
// currently have more than one active claimant. Runs within the given
// transaction.
func (m *Mall) ContestedTerritoryCount(ctx context.Context, tx pgx.Tx, mapID string) (int, error) {
	q, _, err := m.dialect.From(goqu.T("territory_claims").As("c")).
		Join(goqu.T("territories").As("t"),
			goqu.On(goqu.Ex{"c.territory_id": goqu.I("t.id")})).
		Select(goqu.I("c.territory_id")).
		Where(goqu.I("t.map_id").Eq(mapID),
			goqu.I("c.claim_type").Eq(ClaimTypeClaim),
			goqu.I("c.revoked_at").IsNull()).
		GroupBy(goqu.I("c.territory_id")).
		Having(goqu.COUNT(goqu.Star()).Gt(1)).ToSQL()
	if err != nil {
		return -1, errors.NewQueryToSQLError(err, errors.Details{"mapID": mapID})
	}
	rows, err := m.runner(tx).Query(ctx, q)
	if err != nil {
		return -1, errors.NewExecQueryError(err, "exec contested territory count query", q)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	return count, nil
}
