package web_server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dropmaphq/dropmap-server/claiming"
	"github.com/dropmaphq/dropmap-server/eligibility"
	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/messages"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/dropmaphq/dropmap-server/ws"
	"github.com/gobuffalo/nulls"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type engineMock struct {
	mock.Mock
}

func (m *engineMock) Claim(ctx context.Context, territoryID string, identity claiming.Identity) (store.TerritoryClaim, error) {
	args := m.Called(ctx, territoryID, identity)
	return args.Get(0).(store.TerritoryClaim), args.Error(1)
}

func (m *engineMock) ClaimWithInvite(ctx context.Context, code string, territoryID string) (store.TerritoryClaim, store.InviteCode, error) {
	args := m.Called(ctx, code, territoryID)
	return args.Get(0).(store.TerritoryClaim), args.Get(1).(store.InviteCode), args.Error(2)
}

func (m *engineMock) AdminAssign(ctx context.Context, territoryID string, identity claiming.Identity, actingAdmin string) (store.TerritoryClaim, error) {
	args := m.Called(ctx, territoryID, identity, actingAdmin)
	return args.Get(0).(store.TerritoryClaim), args.Error(1)
}

func (m *engineMock) AdminUnassign(ctx context.Context, territoryID string, identity claiming.Identity, actingAdmin string) error {
	return m.Called(ctx, territoryID, identity, actingAdmin).Error(0)
}

func (m *engineMock) Revoke(ctx context.Context, territoryID string, identity claiming.Identity, opts claiming.RevokeOptions) error {
	return m.Called(ctx, territoryID, identity, opts).Error(0)
}

type eligibilityMock struct {
	mock.Mock
}

func (m *eligibilityMock) AddPlayer(ctx context.Context, player store.EligiblePlayer) (store.EligiblePlayer, error) {
	args := m.Called(ctx, player)
	return args.Get(0).(store.EligiblePlayer), args.Error(1)
}

func (m *eligibilityMock) RemovePlayer(ctx context.Context, mapID string, userID string) error {
	return m.Called(ctx, mapID, userID).Error(0)
}

func (m *eligibilityMock) PlayersByMap(ctx context.Context, mapID string) ([]store.EligiblePlayer, error) {
	args := m.Called(ctx, mapID)
	return args.Get(0).([]store.EligiblePlayer), args.Error(1)
}

func (m *eligibilityMock) CreateInvite(ctx context.Context, mapID string, displayName string, ttlDays int, createdBy string) (store.InviteCode, error) {
	args := m.Called(ctx, mapID, displayName, ttlDays, createdBy)
	return args.Get(0).(store.InviteCode), args.Error(1)
}

func (m *eligibilityMock) ValidateInvite(ctx context.Context, code string) (store.InviteCode, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(store.InviteCode), args.Error(1)
}

func (m *eligibilityMock) InvitesByMap(ctx context.Context, mapID string) ([]store.InviteCode, error) {
	args := m.Called(ctx, mapID)
	return args.Get(0).([]store.InviteCode), args.Error(1)
}

func (m *eligibilityMock) DeleteInvite(ctx context.Context, code string) error {
	return m.Called(ctx, code).Error(0)
}

func (m *eligibilityMock) ImportFromTournament(ctx context.Context, mapID string, tournamentID string, filter eligibility.ImportFilter, addedBy string) (int, error) {
	args := m.Called(ctx, mapID, tournamentID, filter, addedBy)
	return args.Int(0), args.Error(1)
}

type catalogMock struct {
	mock.Mock
}

func (m *catalogMock) CreateShape(ctx context.Context, shape store.TerritoryShape) (store.TerritoryShape, error) {
	args := m.Called(ctx, shape)
	return args.Get(0).(store.TerritoryShape), args.Error(1)
}

func (m *catalogMock) Shapes(ctx context.Context) ([]store.TerritoryShape, error) {
	args := m.Called(ctx)
	return args.Get(0).([]store.TerritoryShape), args.Error(1)
}

func (m *catalogMock) CreateTemplate(ctx context.Context, template store.TerritoryTemplate) (store.TerritoryTemplate, error) {
	args := m.Called(ctx, template)
	return args.Get(0).(store.TerritoryTemplate), args.Error(1)
}

func (m *catalogMock) Templates(ctx context.Context) ([]store.TerritoryTemplate, error) {
	args := m.Called(ctx)
	return args.Get(0).([]store.TerritoryTemplate), args.Error(1)
}

func (m *catalogMock) InstantiateTemplate(ctx context.Context, templateID string, mapID string, maxPlayers nulls.Int) ([]store.Territory, error) {
	args := m.Called(ctx, templateID, mapID, maxPlayers)
	return args.Get(0).([]store.Territory), args.Error(1)
}

func (m *catalogMock) AddTerritory(ctx context.Context, territory store.Territory) (store.Territory, error) {
	args := m.Called(ctx, territory)
	return args.Get(0).(store.Territory), args.Error(1)
}

func (m *catalogMock) RemoveTerritory(ctx context.Context, territoryID string) error {
	return m.Called(ctx, territoryID).Error(0)
}

type viewsMock struct {
	mock.Mock
}

func (m *viewsMock) MapView(ctx context.Context, mapID string) ([]messages.Territory, error) {
	args := m.Called(ctx, mapID)
	return args.Get(0).([]messages.Territory), args.Error(1)
}

func (m *viewsMock) PublishMap(mapID string) {
	m.Called(mapID)
}

type mapAdminMock struct {
	mock.Mock
}

func (m *mapAdminMock) MapSettingsByID(ctx context.Context, mapID string) (store.MapSettings, error) {
	args := m.Called(ctx, mapID)
	return args.Get(0).(store.MapSettings), args.Error(1)
}

func (m *mapAdminMock) SetMapLocked(ctx context.Context, mapID string, isLocked bool) error {
	return m.Called(ctx, mapID, isLocked).Error(0)
}

type handlersSuite struct {
	suite.Suite
	engine      *engineMock
	eligibility *eligibilityMock
	catalog     *catalogMock
	views       *viewsMock
	maps        *mapAdminMock
	server      *WebServer
}

func (s *handlersSuite) SetupTest() {
	s.engine = &engineMock{}
	s.eligibility = &eligibilityMock{}
	s.catalog = &catalogMock{}
	s.views = &viewsMock{}
	s.maps = &mapAdminMock{}
	server, err := NewWebServer(zap.NewNop(), Config{
		ServeAddr:    DefaultServeAddr,
		WriteTimeout: DefaultWriteTimeout,
		ReadTimeout:  DefaultReadTimeout,
	}, Deps{
		Engine:      s.engine,
		Eligibility: s.eligibility,
		Catalog:     s.catalog,
		Views:       s.views,
		Maps:        s.maps,
	})
	s.Require().NoError(err)
	s.server = server
	s.server.PopulateRoutes(ws.NewHub(zap.NewNop()), context.Background())
}

// do performs an in-memory request against the router.
func (s *handlersSuite) do(method string, target string, body interface{}, asUser string, asAdmin bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, target, reader)
	if asUser != "" {
		r.Header.Set(headerUserID, asUser)
	}
	if asAdmin {
		r.Header.Set(headerAdmin, "true")
	}
	w := httptest.NewRecorder()
	s.server.router.ServeHTTP(w, r)
	return w
}

func (s *handlersSuite) TestClaim() {
	claim := store.TerritoryClaim{
		ID: "claim-1", TerritoryID: "territory-1", UserID: "user-a",
		ClaimType: store.ClaimTypeClaim, ClaimedAt: time.Now(),
	}
	s.engine.On("Claim", mock.Anything, "territory-1", claiming.UserIdentity("user-a")).
		Return(claim, nil).Once()

	w := s.do(http.MethodPost, "/api/v1/territories/territory-1/claim", nil, "user-a", false)

	s.Require().Equal(http.StatusOK, w.Code)
	var response claimResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &response))
	s.Equal("claim-1", response.ID)
	s.engine.AssertExpectations(s.T())
}

func (s *handlersSuite) TestClaimWithoutIdentity() {
	w := s.do(http.MethodPost, "/api/v1/territories/territory-1/claim", nil, "", false)
	s.Equal(http.StatusForbidden, w.Code)
}

func (s *handlersSuite) TestClaimErrorMapping() {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name: "capacity exceeded",
			err: errors.Error{Code: errors.ErrConflict, Kind: errors.KindCapacityExceeded,
				Message: "territory is full"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "contested limit exceeded",
			err: errors.Error{Code: errors.ErrConflict, Kind: errors.KindContestedLimitExceeded,
				Message: "contested spot limit reached"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "already claimed",
			err: errors.Error{Code: errors.ErrConflict, Kind: errors.KindAlreadyClaimed,
				Message: "already claimed"},
			wantStatus: http.StatusConflict,
		},
		{
			name: "map locked",
			err: errors.Error{Code: errors.ErrLocked, Kind: errors.KindMapLocked,
				Message: "map is locked"},
			wantStatus: http.StatusLocked,
		},
		{
			name: "not eligible",
			err: errors.Error{Code: errors.ErrForbidden, Kind: errors.KindNotEligible,
				Message: "not eligible"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "unknown territory",
			err:        errors.NewResourceNotFoundError("territory not found", nil),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "internal",
			err:        errors.NewInternalError("boom", nil),
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, testCase := range testCases {
		s.Run(testCase.name, func() {
			s.engine.On("Claim", mock.Anything, "territory-1", mock.Anything).
				Return(store.TerritoryClaim{}, testCase.err).Once()
			w := s.do(http.MethodPost, "/api/v1/territories/territory-1/claim", nil, "user-a", false)
			s.Equal(testCase.wantStatus, w.Code)
		})
	}
}

func (s *handlersSuite) TestInternalErrorsAreHiddenFromClients() {
	s.engine.On("Claim", mock.Anything, "territory-1", mock.Anything).
		Return(store.TerritoryClaim{}, errors.NewInternalError("connection to 10.0.0.3 lost", nil)).Once()
	w := s.do(http.MethodPost, "/api/v1/territories/territory-1/claim", nil, "user-a", false)
	var response messages.MessageError
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &response))
	s.NotContains(response.Message, "10.0.0.3")
}

func (s *handlersSuite) TestRelease() {
	s.engine.On("Revoke", mock.Anything, "territory-1", claiming.UserIdentity("user-a"),
		claiming.RevokeOptions{}).Return(nil).Once()
	w := s.do(http.MethodPost, "/api/v1/territories/territory-1/release", nil, "user-a", false)
	s.Equal(http.StatusOK, w.Code)
	s.engine.AssertExpectations(s.T())
}

func (s *handlersSuite) TestClaimWithInvite() {
	claim := store.TerritoryClaim{
		ID: "claim-1", TerritoryID: "territory-1", UserID: "invite:abcd",
		ClaimType: store.ClaimTypeClaim, ClaimedAt: time.Now(),
	}
	invite := store.InviteCode{Code: "abcd", MapID: "map-1", DisplayName: "Guest"}
	s.engine.On("ClaimWithInvite", mock.Anything, "abcd", "territory-1").
		Return(claim, invite, nil).Once()

	// No identity headers, the invite is the authorization.
	w := s.do(http.MethodPost, "/api/v1/claim-with-invite",
		claimWithInviteRequest{Code: "abcd", TerritoryID: "territory-1"}, "", false)

	s.Require().Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "Guest")
	s.engine.AssertExpectations(s.T())
}

func (s *handlersSuite) TestClaimWithInvalidInvite() {
	s.engine.On("ClaimWithInvite", mock.Anything, "expired", "territory-1").
		Return(store.TerritoryClaim{}, store.InviteCode{},
			errors.NewInviteInvalidError("invite code expired", nil)).Once()
	w := s.do(http.MethodPost, "/api/v1/claim-with-invite",
		claimWithInviteRequest{Code: "expired", TerritoryID: "territory-1"}, "", false)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *handlersSuite) TestAdminAssignRequiresAdmin() {
	w := s.do(http.MethodPost, "/api/v1/admin/territories/territory-1/assign-player",
		assignPlayerRequest{UserID: "user-b"}, "user-a", false)
	s.Equal(http.StatusForbidden, w.Code)
}

func (s *handlersSuite) TestAdminAssign() {
	claim := store.TerritoryClaim{
		ID: "claim-1", TerritoryID: "territory-1", UserID: "user-b",
		ClaimType: store.ClaimTypeClaim, ClaimedAt: time.Now(),
		AssignedBy: nulls.NewString("admin-1"),
	}
	s.engine.On("AdminAssign", mock.Anything, "territory-1", claiming.UserIdentity("user-b"), "admin-1").
		Return(claim, nil).Once()
	w := s.do(http.MethodPost, "/api/v1/admin/territories/territory-1/assign-player",
		assignPlayerRequest{UserID: "user-b"}, "admin-1", true)
	s.Equal(http.StatusOK, w.Code)
	s.engine.AssertExpectations(s.T())
}

func (s *handlersSuite) TestAdminRemove() {
	s.engine.On("AdminUnassign", mock.Anything, "territory-1", claiming.UserIdentity("user-b"), "admin-1").
		Return(nil).Once()
	w := s.do(http.MethodPost, "/api/v1/admin/territories/territory-1/remove-player",
		assignPlayerRequest{UserID: "user-b"}, "admin-1", true)
	s.Equal(http.StatusOK, w.Code)
	s.engine.AssertExpectations(s.T())
}

func (s *handlersSuite) TestCreateInvite() {
	invite := store.InviteCode{Code: "abcd", MapID: "map-1", DisplayName: "Guest",
		ExpiresAt: time.Now().AddDate(0, 0, 3)}
	s.eligibility.On("CreateInvite", mock.Anything, "map-1", "Guest", 3, "admin-1").
		Return(invite, nil).Once()
	w := s.do(http.MethodPost, "/api/v1/maps/map-1/invites",
		createInviteRequest{DisplayName: "Guest", TTLDays: 3}, "admin-1", true)
	s.Require().Equal(http.StatusCreated, w.Code)
	var response inviteResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &response))
	s.Equal("abcd", response.Code)
	s.eligibility.AssertExpectations(s.T())
}

func (s *handlersSuite) TestValidateInviteIsPublic() {
	invite := store.InviteCode{Code: "abcd", MapID: "map-1", DisplayName: "Guest"}
	s.eligibility.On("ValidateInvite", mock.Anything, "abcd").Return(invite, nil).Once()
	w := s.do(http.MethodGet, "/api/v1/invites/abcd", nil, "", false)
	s.Equal(http.StatusOK, w.Code)
}

func (s *handlersSuite) TestImportPlayers() {
	s.eligibility.On("ImportFromTournament", mock.Anything, "map-1", "tournament-1",
		eligibility.ImportFilter{TopN: nulls.NewInt(10)}, "admin-1").Return(7, nil).Once()
	w := s.do(http.MethodPost, "/api/v1/maps/map-1/import-players",
		importPlayersRequest{TournamentID: "tournament-1", TopN: nulls.NewInt(10)}, "admin-1", true)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), `"imported":7`)
	s.eligibility.AssertExpectations(s.T())
}

func (s *handlersSuite) TestListTerritoriesRequiresIdentity() {
	w := s.do(http.MethodGet, "/api/v1/maps/map-1/territories", nil, "", false)
	s.Equal(http.StatusForbidden, w.Code)
}

func (s *handlersSuite) TestPublicTerritoriesHideUserIDs() {
	views := []messages.Territory{
		{
			ID: "territory-1", MapID: "map-1", Name: "North Ridge",
			Claims: []messages.ActiveClaim{
				{ID: "claim-1", UserID: "user-a", DisplayName: "Player A", ClaimedAt: time.Now()},
			},
		},
	}
	s.views.On("MapView", mock.Anything, "map-1").Return(views, nil).Once()
	w := s.do(http.MethodGet, "/api/v1/maps/map-1/territories/public", nil, "", false)
	s.Require().Equal(http.StatusOK, w.Code)
	s.NotContains(w.Body.String(), "user-a")
	s.Contains(w.Body.String(), "Player A")
}

func (s *handlersSuite) TestLockMap() {
	s.maps.On("SetMapLocked", mock.Anything, "map-1", true).Return(nil).Once()
	s.views.On("PublishMap", "map-1").Once()
	w := s.do(http.MethodPost, "/api/v1/maps/map-1/lock", nil, "admin-1", true)
	s.Equal(http.StatusOK, w.Code)
	s.maps.AssertExpectations(s.T())
	s.views.AssertExpectations(s.T())
}

func (s *handlersSuite) TestUnlockMap() {
	s.maps.On("SetMapLocked", mock.Anything, "map-1", false).Return(nil).Once()
	s.views.On("PublishMap", "map-1").Once()
	w := s.do(http.MethodPost, "/api/v1/maps/map-1/unlock", nil, "admin-1", true)
	s.Equal(http.StatusOK, w.Code)
}

func (s *handlersSuite) TestInstantiateTemplate() {
	territories := []store.Territory{
		{ID: "territory-1", MapID: "map-1", Name: "A", IsActive: true},
	}
	s.catalog.On("InstantiateTemplate", mock.Anything, "template-1", "map-1", nulls.NewInt(2)).
		Return(territories, nil).Once()
	w := s.do(http.MethodPost, "/api/v1/maps/map-1/instantiate-template",
		instantiateTemplateRequest{TemplateID: "template-1", MaxPlayers: nulls.NewInt(2)},
		"admin-1", true)
	s.Equal(http.StatusCreated, w.Code)
	s.catalog.AssertExpectations(s.T())
}

func (s *handlersSuite) TestMalformedBody() {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/claim-with-invite",
		bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	s.server.router.ServeHTTP(w, r)
	s.Equal(http.StatusBadRequest, w.Code)
}

func TestHandlers(t *testing.T) {
	suite.Run(t, new(handlersSuite))
}
