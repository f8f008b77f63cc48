package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/gobuffalo/nulls"
	"github.com/jackc/pgx/v4"
)

// InviteCode is a single-use anonymous claim credential for a map.
type InviteCode struct {
	// Code is the random unguessable token that identifies the invite.
	Code string
	// MapID is the map the invite allows claiming on.
	MapID string
	// DisplayName is how the claimant will be shown on the map.
	DisplayName string
	// ExpiresAt is when the invite becomes invalid.
	ExpiresAt time.Time
	// IsUsed is set once the invite authorized a claim. Used invites are
	// immutable.
	IsUsed bool
	// UsedAt is when the invite was consumed.
	UsedAt nulls.Time
	// TerritoryID is the territory the invite was consumed for.
	TerritoryID nulls.String
	// CreatedBy is the admin that issued the invite.
	CreatedBy nulls.String
	// CreatedAt is when the invite was issued.
	CreatedAt time.Time
}

// ValidateAt checks whether the invite can still authorize a claim at the
// given time. Returns an ErrBadRequest error with kind KindInviteInvalid and a
// human-readable reason otherwise.
func (invite InviteCode) ValidateAt(now time.Time) error {
	if invite.IsUsed {
		return errors.NewInviteInvalidError("invite code already used",
			errors.Details{"code": invite.Code, "usedAt": invite.UsedAt})
	}
	if !now.Before(invite.ExpiresAt) {
		return errors.NewInviteInvalidError("invite code expired",
			errors.Details{"code": invite.Code, "expiresAt": invite.ExpiresAt})
	}
	return nil
}

var inviteCodeColumns = []interface{}{
	goqu.C("code"),
	goqu.C("map_id"),
	goqu.C("display_name"),
	goqu.C("expires_at"),
	goqu.C("is_used"),
	goqu.C("used_at"),
	goqu.C("territory_id"),
	goqu.C("created_by"),
	goqu.C("created_at"),
}

func scanInviteCode(row rowScanner, q string) (InviteCode, error) {
	var invite InviteCode
	err := row.Scan(&invite.Code,
		&invite.MapID,
		&invite.DisplayName,
		&invite.ExpiresAt,
		&invite.IsUsed,
		&invite.UsedAt,
		&invite.TerritoryID,
		&invite.CreatedBy,
		&invite.CreatedAt)
	if err != nil {
		return InviteCode{}, errors.NewScanDBRowError(err, "scan invite code row", q)
	}
	return invite, nil
}

// CreateInviteCode creates the given InviteCode.
func (m *Mall) CreateInviteCode(ctx context.Context, invite InviteCode) (InviteCode, error) {
	invite.CreatedAt = time.Now()
	q, _, err := m.dialect.Insert(goqu.T("dropmap_invite_codes")).Rows(goqu.Record{
		"code":         invite.Code,
		"map_id":       invite.MapID,
		"display_name": invite.DisplayName,
		"expires_at":   invite.ExpiresAt,
		"is_used":      invite.IsUsed,
		"used_at":      invite.UsedAt,
		"territory_id": invite.TerritoryID,
		"created_by":   invite.CreatedBy,
		"created_at":   invite.CreatedAt,
	}).ToSQL()
	if err != nil {
		return InviteCode{}, errors.NewQueryToSQLError(err, errors.Details{"mapID": invite.MapID})
	}
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return InviteCode{}, errors.NewExecQueryError(err, "exec create invite code query", q)
	}
	return invite, nil
}

// InviteCodeByCode retrieves an InviteCode by its token.
func (m *Mall) InviteCodeByCode(ctx context.Context, code string) (InviteCode, error) {
	return m.inviteCodeByCode(ctx, nil, code, false)
}

// InviteCodeByCodeForUpdate retrieves an InviteCode by its token within the
// given transaction and locks its row until the transaction ends. Competing
// invite-claim attempts with the same code serialize on this lock.
func (m *Mall) InviteCodeByCodeForUpdate(ctx context.Context, tx pgx.Tx, code string) (InviteCode, error) {
	return m.inviteCodeByCode(ctx, tx, code, true)
}

func (m *Mall) inviteCodeByCode(ctx context.Context, tx pgx.Tx, code string, forUpdate bool) (InviteCode, error) {
	sel := m.dialect.From(goqu.T("dropmap_invite_codes")).
		Select(inviteCodeColumns...).
		Where(goqu.C("code").Eq(code))
	if forUpdate {
		sel = sel.ForUpdate(exp.Wait)
	}
	q, _, err := sel.ToSQL()
	if err != nil {
		return InviteCode{}, errors.NewQueryToSQLError(err, errors.Details{"code": code})
	}
	rows, err := m.runner(tx).Query(ctx, q)
	if err != nil {
		return InviteCode{}, errors.NewExecQueryError(err, "exec invite code query", q)
	}
	defer rows.Close()
	if !rows.Next() {
		return InviteCode{}, errors.NewResourceNotFoundError("invite code not found",
			errors.Details{"code": code})
	}
	return scanInviteCode(rows, q)
}

// InviteCodesByMap retrieves all invite codes of the given map, newest first.
func (m *Mall) InviteCodesByMap(ctx context.Context, mapID string) ([]InviteCode, error) {
	q, _, err := m.dialect.From(goqu.T("dropmap_invite_codes")).
		Select(inviteCodeColumns...).
		Where(goqu.C("map_id").Eq(mapID)).
		Order(goqu.C("created_at").Desc()).ToSQL()
	if err != nil {
		return nil, errors.NewQueryToSQLError(err, errors.Details{"mapID": mapID})
	}
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "exec invite codes query", q)
	}
	defer rows.Close()
	invites := make([]InviteCode, 0)
	for rows.Next() {
		invite, err := scanInviteCode(rows, q)
		if err != nil {
			return nil, errors.Wrap(err, "scan invite code", nil)
		}
		invites = append(invites, invite)
	}
	return invites, nil
}

// MarkInviteCodeUsed marks the given invite as consumed for the given
// territory within the given transaction. The update is guarded by the unused
// flag so an invite transitions to used exactly once.
func (m *Mall) MarkInviteCodeUsed(ctx context.Context, tx pgx.Tx, code string, territoryID string, usedAt time.Time) error {
	q, _, err := m.dialect.Update(goqu.T("dropmap_invite_codes")).
		Set(goqu.Record{
			"is_used":      true,
			"used_at":      usedAt,
			"territory_id": territoryID,
		}).
		Where(goqu.C("code").Eq(code),
			goqu.C("is_used").IsFalse()).ToSQL()
	if err != nil {
		return errors.NewQueryToSQLError(err, errors.Details{"code": code})
	}
	result, err := tx.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec mark invite code used query", q)
	}
	if int(result.RowsAffected()) != 1 {
		return errors.NewInviteInvalidError("invite code already used",
			errors.Details{"code": code})
	}
	return nil
}

// DeleteInviteCode deletes an unused invite code. Used invites are part of the
// claim audit trail and cannot be deleted.
func (m *Mall) DeleteInviteCode(ctx context.Context, code string) error {
	q, _, err := m.dialect.Delete(goqu.T("dropmap_invite_codes")).
		Where(goqu.C("code").Eq(code),
			goqu.C("is_used").IsFalse()).ToSQL()
	if err != nil {
		return errors.NewQueryToSQLError(err, errors.Details{"code": code})
	}
	result, err := m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec delete invite code query", q)
	}
	err = assureOneRowAffectedForNotFound(result, fmt.Sprintf("unused invite code %s not found", code),
		"dropmap_invite_codes", code, q)
	if err != nil {
		return errors.Wrap(err, "assure found", nil)
	}
	return nil
}
