package store

import (
	"context"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/doug-martin/goqu/v9"
	"github.com/gobuffalo/nulls"
)

// TournamentRegistrant is a paid tournament participant that can be imported
// into the eligible-player set of a map. The registrant table is maintained by
// the external tournament service.
type TournamentRegistrant struct {
	// TournamentID is the tournament the registrant belongs to.
	TournamentID string
	// UserID is the identity key of the registrant.
	UserID string
	// DisplayName is the registrant's public name.
	DisplayName string
	// TeamID optionally groups the registrant into a team.
	TeamID nulls.String
	// IsTeamLeader marks the registrant as the leader of its team.
	IsTeamLeader bool
	// FinalPosition is the finishing position if the tournament concluded.
	FinalPosition nulls.Int
	// HasPaid is set once the registration fee was settled.
	HasPaid bool
}

// PaidRegistrants retrieves all paid registrants of the given tournament
// ordered by finishing position.
func (m *Mall) PaidRegistrants(ctx context.Context, tournamentID string) ([]TournamentRegistrant, error) {
	q, _, err := m.dialect.From(goqu.T("tournament_registrants")).
		Select(goqu.C("tournament_id"),
			goqu.C("user_id"),
			goqu.C("display_name"),
			goqu.C("team_id"),
			goqu.C("is_team_leader"),
			goqu.C("final_position"),
			goqu.C("has_paid")).
		Where(goqu.C("tournament_id").Eq(tournamentID),
			goqu.C("has_paid").IsTrue()).
		Order(goqu.C("final_position").Asc()).ToSQL()
	if err != nil {
		return nil, errors.NewQueryToSQLError(err, errors.Details{"tournamentID": tournamentID})
	}
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "exec paid registrants query", q)
	}
	defer rows.Close()
	registrants := make([]TournamentRegistrant, 0)
	for rows.Next() {
		var registrant TournamentRegistrant
		err = rows.Scan(&registrant.TournamentID,
			&registrant.UserID,
			&registrant.DisplayName,
			&registrant.TeamID,
			&registrant.IsTeamLeader,
			&registrant.FinalPosition,
			&registrant.HasPaid)
		if err != nil {
			return nil, errors.NewScanDBRowError(err, "scan registrant row", q)
		}
		registrants = append(registrants, registrant)
	}
	return registrants, nil
}
