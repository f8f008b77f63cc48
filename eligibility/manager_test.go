package eligibility

import (
	"context"
	"testing"
	"time"

	"github.com/dropmaphq/dropmap-server/claiming"
	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/gobuffalo/nulls"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const testMapID = "map-1"

// fakeStore is an in-memory Store.
type fakeStore struct {
	settings    map[string]store.MapSettings
	eligible    map[string]map[string]store.EligiblePlayer
	teamLeaders map[string]map[string]bool
	invites     map[string]store.InviteCode
	registrants []store.TournamentRegistrant
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settings:    map[string]store.MapSettings{testMapID: {ID: testMapID, MaxPlayersPerSpot: 1}},
		eligible:    make(map[string]map[string]store.EligiblePlayer),
		teamLeaders: make(map[string]map[string]bool),
		invites:     make(map[string]store.InviteCode),
	}
}

func (s *fakeStore) MapSettingsByID(_ context.Context, mapID string) (store.MapSettings, error) {
	settings, ok := s.settings[mapID]
	if !ok {
		return store.MapSettings{}, errors.NewResourceNotFoundError("map not found", nil)
	}
	return settings, nil
}

func (s *fakeStore) EligiblePlayerByIdentity(_ context.Context, _ pgx.Tx, mapID string, userID string) (store.EligiblePlayer, error) {
	player, ok := s.eligible[mapID][userID]
	if !ok {
		return store.EligiblePlayer{}, errors.NewResourceNotFoundError("player not eligible", nil)
	}
	return player, nil
}

func (s *fakeStore) EligiblePlayersByMap(_ context.Context, mapID string) ([]store.EligiblePlayer, error) {
	players := make([]store.EligiblePlayer, 0, len(s.eligible[mapID]))
	for _, player := range s.eligible[mapID] {
		players = append(players, player)
	}
	return players, nil
}

func (s *fakeStore) AddEligiblePlayer(_ context.Context, player store.EligiblePlayer) (store.EligiblePlayer, error) {
	players, ok := s.eligible[player.MapID]
	if !ok {
		players = make(map[string]store.EligiblePlayer)
		s.eligible[player.MapID] = players
	}
	if _, ok := players[player.UserID]; ok {
		return store.EligiblePlayer{}, errors.NewBadRequestError(errors.KindUnexpected, "player already eligible", nil)
	}
	player.AddedAt = time.Now()
	players[player.UserID] = player
	return player, nil
}

func (s *fakeStore) RemoveEligiblePlayer(_ context.Context, mapID string, userID string) error {
	if _, ok := s.eligible[mapID][userID]; !ok {
		return errors.NewResourceNotFoundError("player not eligible", nil)
	}
	delete(s.eligible[mapID], userID)
	return nil
}

func (s *fakeStore) IsTournamentTeamLeader(_ context.Context, _ pgx.Tx, tournamentID string, userID string) (bool, error) {
	return s.teamLeaders[tournamentID][userID], nil
}

func (s *fakeStore) CreateInviteCode(_ context.Context, invite store.InviteCode) (store.InviteCode, error) {
	invite.CreatedAt = time.Now()
	s.invites[invite.Code] = invite
	return invite, nil
}

func (s *fakeStore) InviteCodeByCode(_ context.Context, code string) (store.InviteCode, error) {
	invite, ok := s.invites[code]
	if !ok {
		return store.InviteCode{}, errors.NewResourceNotFoundError("invite code not found", nil)
	}
	return invite, nil
}

func (s *fakeStore) InviteCodesByMap(_ context.Context, mapID string) ([]store.InviteCode, error) {
	invites := make([]store.InviteCode, 0)
	for _, invite := range s.invites {
		if invite.MapID == mapID {
			invites = append(invites, invite)
		}
	}
	return invites, nil
}

func (s *fakeStore) DeleteInviteCode(_ context.Context, code string) error {
	invite, ok := s.invites[code]
	if !ok || invite.IsUsed {
		return errors.NewResourceNotFoundError("unused invite code not found", nil)
	}
	delete(s.invites, code)
	return nil
}

func (s *fakeStore) PaidRegistrants(_ context.Context, tournamentID string) ([]store.TournamentRegistrant, error) {
	registrants := make([]store.TournamentRegistrant, 0)
	for _, registrant := range s.registrants {
		if registrant.TournamentID == tournamentID && registrant.HasPaid {
			registrants = append(registrants, registrant)
		}
	}
	return registrants, nil
}

type managerSuite struct {
	suite.Suite
	mall    *fakeStore
	manager *Manager
}

func (s *managerSuite) SetupTest() {
	s.mall = newFakeStore()
	s.manager = NewManager(zap.NewNop(), s.mall)
}

func (s *managerSuite) TestIsEligible() {
	eligible, err := s.manager.IsEligible(context.Background(), testMapID, claiming.UserIdentity("user-a"), false)
	s.Require().NoError(err)
	s.False(eligible)
	_, err = s.manager.AddPlayer(context.Background(), store.EligiblePlayer{
		MapID:       testMapID,
		UserID:      "user-a",
		DisplayName: "Player A",
	})
	s.Require().NoError(err)
	eligible, err = s.manager.IsEligible(context.Background(), testMapID, claiming.UserIdentity("user-a"), false)
	s.Require().NoError(err)
	s.True(eligible)
	// Admins are always eligible.
	eligible, err = s.manager.IsEligible(context.Background(), testMapID, claiming.UserIdentity("nobody"), true)
	s.Require().NoError(err)
	s.True(eligible)
}

func (s *managerSuite) TestIsTeamLeader() {
	tournamentID := nulls.NewString("tournament-1")
	isLeader, err := s.manager.IsTeamLeader(context.Background(), testMapID, tournamentID, claiming.UserIdentity("user-a"))
	s.Require().NoError(err)
	s.False(isLeader)
	// Tournament team leader.
	s.mall.teamLeaders["tournament-1"] = map[string]bool{"user-a": true}
	isLeader, err = s.manager.IsTeamLeader(context.Background(), testMapID, tournamentID, claiming.UserIdentity("user-a"))
	s.Require().NoError(err)
	s.True(isLeader)
	// Virtual leader flagged in the eligible set.
	_, err = s.manager.AddPlayer(context.Background(), store.EligiblePlayer{
		MapID:        testMapID,
		UserID:       "user-b",
		DisplayName:  "Player B",
		IsTeamLeader: true,
	})
	s.Require().NoError(err)
	isLeader, err = s.manager.IsTeamLeader(context.Background(), testMapID, nulls.String{}, claiming.UserIdentity("user-b"))
	s.Require().NoError(err)
	s.True(isLeader)
}

func (s *managerSuite) TestCreateInvite() {
	invite, err := s.manager.CreateInvite(context.Background(), testMapID, "guest", 3, "admin-1")
	s.Require().NoError(err)
	s.Len(invite.Code, inviteCodeBytes*2)
	s.Equal(testMapID, invite.MapID)
	s.False(invite.IsUsed)
	s.True(invite.ExpiresAt.After(time.Now().AddDate(0, 0, 2)))
	// Codes must differ between invites.
	other, err := s.manager.CreateInvite(context.Background(), testMapID, "guest 2", 3, "admin-1")
	s.Require().NoError(err)
	s.NotEqual(invite.Code, other.Code)
}

func (s *managerSuite) TestCreateInviteValidation() {
	_, err := s.manager.CreateInvite(context.Background(), testMapID, "", 3, "admin-1")
	s.Error(err)
	_, err = s.manager.CreateInvite(context.Background(), testMapID, "guest", 0, "admin-1")
	s.Error(err)
	_, err = s.manager.CreateInvite(context.Background(), "unknown-map", "guest", 3, "admin-1")
	s.Error(err)
}

func (s *managerSuite) TestValidateInvite() {
	s.Run("unknown", func() {
		_, err := s.manager.ValidateInvite(context.Background(), "nope")
		e, _ := errors.Cast(err)
		s.Equal(errors.KindInviteInvalid, e.Kind)
	})
	s.Run("valid", func() {
		created, err := s.manager.CreateInvite(context.Background(), testMapID, "guest", 3, "admin-1")
		s.Require().NoError(err)
		invite, err := s.manager.ValidateInvite(context.Background(), created.Code)
		s.Require().NoError(err)
		// Validation must not consume the invite.
		s.False(invite.IsUsed)
	})
	s.Run("used", func() {
		created, err := s.manager.CreateInvite(context.Background(), testMapID, "guest", 3, "admin-1")
		s.Require().NoError(err)
		used := s.mall.invites[created.Code]
		used.IsUsed = true
		s.mall.invites[created.Code] = used
		_, err = s.manager.ValidateInvite(context.Background(), created.Code)
		e, _ := errors.Cast(err)
		s.Equal(errors.KindInviteInvalid, e.Kind)
	})
	s.Run("expired", func() {
		created, err := s.manager.CreateInvite(context.Background(), testMapID, "guest", 3, "admin-1")
		s.Require().NoError(err)
		stale := s.mall.invites[created.Code]
		stale.ExpiresAt = time.Now().Add(-time.Minute)
		s.mall.invites[created.Code] = stale
		_, err = s.manager.ValidateInvite(context.Background(), created.Code)
		e, _ := errors.Cast(err)
		s.Equal(errors.KindInviteInvalid, e.Kind)
	})
}

func (s *managerSuite) TestImportFromTournament() {
	s.mall.registrants = []store.TournamentRegistrant{
		{TournamentID: "tournament-1", UserID: "user-1", DisplayName: "First", FinalPosition: nulls.NewInt(1), HasPaid: true},
		{TournamentID: "tournament-1", UserID: "user-2", DisplayName: "Second", FinalPosition: nulls.NewInt(2), HasPaid: true},
		{TournamentID: "tournament-1", UserID: "user-3", DisplayName: "Third", FinalPosition: nulls.NewInt(3), HasPaid: true},
		{TournamentID: "tournament-1", UserID: "user-4", DisplayName: "Unpaid", HasPaid: false},
	}
	s.Run("all paid", func() {
		imported, err := s.manager.ImportFromTournament(context.Background(), testMapID, "tournament-1",
			ImportFilter{}, "admin-1")
		s.Require().NoError(err)
		s.Equal(3, imported)
		players, err := s.manager.PlayersByMap(context.Background(), testMapID)
		s.Require().NoError(err)
		s.Len(players, 3)
		for _, player := range players {
			s.Equal(store.SourceTypeTournamentImport, player.SourceType)
		}
	})
	s.Run("skips duplicates", func() {
		imported, err := s.manager.ImportFromTournament(context.Background(), testMapID, "tournament-1",
			ImportFilter{}, "admin-1")
		s.Require().NoError(err)
		s.Equal(0, imported)
	})
}

func (s *managerSuite) TestImportFilters() {
	s.mall.registrants = []store.TournamentRegistrant{
		{TournamentID: "tournament-1", UserID: "user-1", DisplayName: "First", FinalPosition: nulls.NewInt(1), HasPaid: true},
		{TournamentID: "tournament-1", UserID: "user-2", DisplayName: "Second", FinalPosition: nulls.NewInt(2), HasPaid: true},
		{TournamentID: "tournament-1", UserID: "user-3", DisplayName: "Third", FinalPosition: nulls.NewInt(3), HasPaid: true},
	}
	s.Run("positions", func() {
		imported, err := s.manager.ImportFromTournament(context.Background(), "map-positions", "tournament-1",
			ImportFilter{Positions: []int{1, 3}}, "admin-1")
		s.Require().NoError(err)
		s.Equal(2, imported)
	})
	s.Run("top n", func() {
		imported, err := s.manager.ImportFromTournament(context.Background(), "map-top-n", "tournament-1",
			ImportFilter{TopN: nulls.NewInt(1)}, "admin-1")
		s.Require().NoError(err)
		s.Equal(1, imported)
	})
}

func TestManager(t *testing.T) {
	suite.Run(t, new(managerSuite))
}
