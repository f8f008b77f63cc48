package web_server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dropmaphq/dropmap-server/claiming"
	"github.com/dropmaphq/dropmap-server/eligibility"
	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/messages"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/gobuffalo/nulls"
	"github.com/gorilla/mux"
)

// errorStatus maps an error to the HTTP status it is reported with.
func errorStatus(err error) int {
	e, _ := errors.Cast(err)
	switch e.Code {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrBadRequest, errors.ErrProtocolViolation:
		return http.StatusBadRequest
	case errors.ErrConflict:
		// Lost claim races are client errors, only admin-override idempotency
		// violations surface as conflicts.
		switch e.Kind {
		case errors.KindCapacityExceeded, errors.KindContestedLimitExceeded:
			return http.StatusBadRequest
		}
		return http.StatusConflict
	case errors.ErrForbidden:
		return http.StatusForbidden
	case errors.ErrLocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON writes the payload as JSON body with the given status.
func (server *WebServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		errors.Log(server.logger, errors.Error{
			Code:    errors.ErrInternal,
			Kind:    errors.KindEncodeJSON,
			Err:     err,
			Message: "encode response payload",
		})
	}
}

// respondError logs the error and reports it to the client. Internal details
// are hidden unless the error blames the user.
func (server *WebServer) respondError(w http.ResponseWriter, err error) {
	errors.Log(server.logger, err)
	server.respondJSON(w, errorStatus(err), messages.MessageErrorFromError(err))
}

// decodeBody parses the JSON request body into the given target.
func decodeBody(r *http.Request, target interface{}) error {
	err := json.NewDecoder(r.Body).Decode(target)
	if err != nil {
		return errors.Error{
			Code:    errors.ErrBadRequest,
			Kind:    errors.KindDecodeJSON,
			Err:     err,
			Message: "parse request body",
		}
	}
	return nil
}

// claimResponse is the body of all successful claim operations.
type claimResponse struct {
	ID          string       `json:"id"`
	TerritoryID string       `json:"territory_id"`
	UserID      string       `json:"user_id"`
	ClaimedAt   time.Time    `json:"claimed_at"`
	AssignedBy  nulls.String `json:"assigned_by,omitempty"`
}

func newClaimResponse(claim store.TerritoryClaim) claimResponse {
	return claimResponse{
		ID:          claim.ID,
		TerritoryID: claim.TerritoryID,
		UserID:      claim.UserID,
		ClaimedAt:   claim.ClaimedAt,
		AssignedBy:  claim.AssignedBy,
	}
}

// handleClaim lets the authenticated user claim the territory.
func (server *WebServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUserID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	territoryID := mux.Vars(r)["territoryID"]
	claim, err := server.deps.Engine.Claim(r.Context(), territoryID, claiming.UserIdentity(userID))
	if err != nil {
		server.respondError(w, errors.Wrap(err, "claim", errors.Details{"territoryID": territoryID}))
		return
	}
	server.respondJSON(w, http.StatusOK, newClaimResponse(claim))
}

// handleRelease lets the authenticated user release its claim on the
// territory.
func (server *WebServer) handleRelease(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUserID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	territoryID := mux.Vars(r)["territoryID"]
	err = server.deps.Engine.Revoke(r.Context(), territoryID, claiming.UserIdentity(userID),
		claiming.RevokeOptions{})
	if err != nil {
		server.respondError(w, errors.Wrap(err, "release", errors.Details{"territoryID": territoryID}))
		return
	}
	server.respondJSON(w, http.StatusOK, struct{}{})
}

type claimWithInviteRequest struct {
	Code        string `json:"code"`
	TerritoryID string `json:"territory_id"`
}

// handleClaimWithInvite redeems an invite code for a claim. Public endpoint.
func (server *WebServer) handleClaimWithInvite(w http.ResponseWriter, r *http.Request) {
	var request claimWithInviteRequest
	err := decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	claim, invite, err := server.deps.Engine.ClaimWithInvite(r.Context(), request.Code, request.TerritoryID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "claim with invite", nil))
		return
	}
	server.respondJSON(w, http.StatusOK, struct {
		claimResponse
		DisplayName string `json:"display_name"`
	}{
		claimResponse: newClaimResponse(claim),
		DisplayName:   invite.DisplayName,
	})
}

type assignPlayerRequest struct {
	UserID string `json:"user_id"`
}

// handleAdminAssign assigns a player to the territory on behalf of an admin.
func (server *WebServer) handleAdminAssign(w http.ResponseWriter, r *http.Request) {
	adminID, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	var request assignPlayerRequest
	err = decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	territoryID := mux.Vars(r)["territoryID"]
	claim, err := server.deps.Engine.AdminAssign(r.Context(), territoryID,
		claiming.UserIdentity(request.UserID), adminID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "admin assign", errors.Details{"territoryID": territoryID}))
		return
	}
	server.respondJSON(w, http.StatusOK, newClaimResponse(claim))
}

// handleAdminRemove removes a player from the territory on behalf of an admin.
func (server *WebServer) handleAdminRemove(w http.ResponseWriter, r *http.Request) {
	adminID, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	var request assignPlayerRequest
	err = decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	territoryID := mux.Vars(r)["territoryID"]
	err = server.deps.Engine.AdminUnassign(r.Context(), territoryID,
		claiming.UserIdentity(request.UserID), adminID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "admin unassign", errors.Details{"territoryID": territoryID}))
		return
	}
	server.respondJSON(w, http.StatusOK, struct{}{})
}

type createInviteRequest struct {
	DisplayName string `json:"display_name"`
	TTLDays     int    `json:"ttl_days"`
}

// inviteResponse hides internal invite fields from clients.
type inviteResponse struct {
	Code        string     `json:"code"`
	MapID       string     `json:"map_id"`
	DisplayName string     `json:"display_name"`
	ExpiresAt   time.Time  `json:"expires_at"`
	IsUsed      bool       `json:"is_used"`
	UsedAt      nulls.Time `json:"used_at,omitempty"`
}

func newInviteResponse(invite store.InviteCode) inviteResponse {
	return inviteResponse{
		Code:        invite.Code,
		MapID:       invite.MapID,
		DisplayName: invite.DisplayName,
		ExpiresAt:   invite.ExpiresAt,
		IsUsed:      invite.IsUsed,
		UsedAt:      invite.UsedAt,
	}
}

// handleCreateInvite issues a new invite code for a map.
func (server *WebServer) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	adminID, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	var request createInviteRequest
	err = decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	mapID := mux.Vars(r)["mapID"]
	invite, err := server.deps.Eligibility.CreateInvite(r.Context(), mapID, request.DisplayName,
		request.TTLDays, adminID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "create invite", errors.Details{"mapID": mapID}))
		return
	}
	server.respondJSON(w, http.StatusCreated, newInviteResponse(invite))
}

// handleListInvites retrieves all invite codes of a map.
func (server *WebServer) handleListInvites(w http.ResponseWriter, r *http.Request) {
	_, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	mapID := mux.Vars(r)["mapID"]
	invites, err := server.deps.Eligibility.InvitesByMap(r.Context(), mapID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "invites by map", errors.Details{"mapID": mapID}))
		return
	}
	response := make([]inviteResponse, 0, len(invites))
	for _, invite := range invites {
		response = append(response, newInviteResponse(invite))
	}
	server.respondJSON(w, http.StatusOK, response)
}

// handleValidateInvite checks an invite code without consuming it. Public
// endpoint for the claim page.
func (server *WebServer) handleValidateInvite(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	invite, err := server.deps.Eligibility.ValidateInvite(r.Context(), code)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "validate invite", nil))
		return
	}
	server.respondJSON(w, http.StatusOK, newInviteResponse(invite))
}

// handleDeleteInvite deletes an unused invite code.
func (server *WebServer) handleDeleteInvite(w http.ResponseWriter, r *http.Request) {
	_, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	code := mux.Vars(r)["code"]
	err = server.deps.Eligibility.DeleteInvite(r.Context(), code)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "delete invite", nil))
		return
	}
	server.respondJSON(w, http.StatusOK, struct{}{})
}

type addPlayerRequest struct {
	UserID       string       `json:"user_id"`
	DisplayName  string       `json:"display_name"`
	TeamID       nulls.String `json:"team_id"`
	IsTeamLeader bool         `json:"is_team_leader"`
}

// handleAddPlayer adds a player to the eligible set of a map.
func (server *WebServer) handleAddPlayer(w http.ResponseWriter, r *http.Request) {
	adminID, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	var request addPlayerRequest
	err = decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	if request.UserID == "" || request.DisplayName == "" {
		server.respondError(w, errors.NewBadRequestError(errors.KindUnexpected,
			"user id and display name must not be empty", nil))
		return
	}
	mapID := mux.Vars(r)["mapID"]
	player, err := server.deps.Eligibility.AddPlayer(r.Context(), store.EligiblePlayer{
		MapID:        mapID,
		UserID:       request.UserID,
		DisplayName:  request.DisplayName,
		TeamID:       request.TeamID,
		IsTeamLeader: request.IsTeamLeader,
		AddedBy:      nulls.NewString(adminID),
	})
	if err != nil {
		server.respondError(w, errors.Wrap(err, "add player", errors.Details{"mapID": mapID}))
		return
	}
	server.respondJSON(w, http.StatusCreated, player)
}

// handleListPlayers retrieves the eligible set of a map.
func (server *WebServer) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	_, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	mapID := mux.Vars(r)["mapID"]
	players, err := server.deps.Eligibility.PlayersByMap(r.Context(), mapID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "players by map", errors.Details{"mapID": mapID}))
		return
	}
	server.respondJSON(w, http.StatusOK, players)
}

// handleRemovePlayer removes a player from the eligible set of a map.
func (server *WebServer) handleRemovePlayer(w http.ResponseWriter, r *http.Request) {
	_, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	vars := mux.Vars(r)
	err = server.deps.Eligibility.RemovePlayer(r.Context(), vars["mapID"], vars["userID"])
	if err != nil {
		server.respondError(w, errors.Wrap(err, "remove player", nil))
		return
	}
	server.respondJSON(w, http.StatusOK, struct{}{})
}

type importPlayersRequest struct {
	TournamentID string    `json:"tournament_id"`
	Positions    []int     `json:"positions"`
	TopN         nulls.Int `json:"top_n"`
}

// handleImportPlayers imports paid tournament registrants into the eligible
// set of a map.
func (server *WebServer) handleImportPlayers(w http.ResponseWriter, r *http.Request) {
	adminID, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	var request importPlayersRequest
	err = decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	if request.TournamentID == "" {
		server.respondError(w, errors.NewBadRequestError(errors.KindUnexpected,
			"tournament id must not be empty", nil))
		return
	}
	mapID := mux.Vars(r)["mapID"]
	imported, err := server.deps.Eligibility.ImportFromTournament(r.Context(), mapID,
		request.TournamentID, eligibility.ImportFilter{
			Positions: request.Positions,
			TopN:      request.TopN,
		}, adminID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "import players", errors.Details{"mapID": mapID}))
		return
	}
	server.respondJSON(w, http.StatusOK, struct {
		Imported int `json:"imported"`
	}{Imported: imported})
}

// handleListTerritories retrieves the territory views of a map including the
// claimant user ids.
func (server *WebServer) handleListTerritories(w http.ResponseWriter, r *http.Request) {
	_, err := requestUserID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	mapID := mux.Vars(r)["mapID"]
	views, err := server.deps.Views.MapView(r.Context(), mapID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "map view", errors.Details{"mapID": mapID}))
		return
	}
	server.respondJSON(w, http.StatusOK, views)
}

// handleListTerritoriesPublic retrieves the territory views of a map with the
// claimant user ids hidden. No auth required.
func (server *WebServer) handleListTerritoriesPublic(w http.ResponseWriter, r *http.Request) {
	mapID := mux.Vars(r)["mapID"]
	views, err := server.deps.Views.MapView(r.Context(), mapID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "map view", errors.Details{"mapID": mapID}))
		return
	}
	for viewIdx := range views {
		for claimIdx := range views[viewIdx].Claims {
			views[viewIdx].Claims[claimIdx].UserID = ""
		}
	}
	server.respondJSON(w, http.StatusOK, views)
}

// handleSetMapLocked locks or unlocks a map for claiming.
func (server *WebServer) handleSetMapLocked(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := requestAdminID(r)
		if err != nil {
			server.respondError(w, err)
			return
		}
		mapID := mux.Vars(r)["mapID"]
		err = server.deps.Maps.SetMapLocked(r.Context(), mapID, locked)
		if err != nil {
			server.respondError(w, errors.Wrap(err, "set map locked", errors.Details{"mapID": mapID}))
			return
		}
		server.deps.Views.PublishMap(mapID)
		server.respondJSON(w, http.StatusOK, struct{}{})
	}
}

type createShapeRequest struct {
	Name         string        `json:"name"`
	Points       []store.Point `json:"points"`
	DefaultColor string        `json:"default_color"`
}

// handleCreateShape creates a new territory shape.
func (server *WebServer) handleCreateShape(w http.ResponseWriter, r *http.Request) {
	_, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	var request createShapeRequest
	err = decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	shape, err := server.deps.Catalog.CreateShape(r.Context(), store.TerritoryShape{
		Name:         request.Name,
		Points:       request.Points,
		DefaultColor: request.DefaultColor,
	})
	if err != nil {
		server.respondError(w, errors.Wrap(err, "create shape", nil))
		return
	}
	server.respondJSON(w, http.StatusCreated, shape)
}

// handleListShapes retrieves all territory shapes.
func (server *WebServer) handleListShapes(w http.ResponseWriter, r *http.Request) {
	_, err := requestUserID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	shapes, err := server.deps.Catalog.Shapes(r.Context())
	if err != nil {
		server.respondError(w, errors.Wrap(err, "shapes", nil))
		return
	}
	server.respondJSON(w, http.StatusOK, shapes)
}

// handleListTemplates retrieves all territory templates.
func (server *WebServer) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	_, err := requestUserID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	templates, err := server.deps.Catalog.Templates(r.Context())
	if err != nil {
		server.respondError(w, errors.Wrap(err, "templates", nil))
		return
	}
	server.respondJSON(w, http.StatusOK, templates)
}

type createTemplateRequest struct {
	Name         string       `json:"name"`
	ShapeIDs     []string     `json:"shape_ids"`
	TournamentID nulls.String `json:"tournament_id"`
}

// handleCreateTemplate creates a new territory template.
func (server *WebServer) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	_, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	var request createTemplateRequest
	err = decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	template, err := server.deps.Catalog.CreateTemplate(r.Context(), store.TerritoryTemplate{
		Name:         request.Name,
		ShapeIDs:     request.ShapeIDs,
		TournamentID: request.TournamentID,
	})
	if err != nil {
		server.respondError(w, errors.Wrap(err, "create template", nil))
		return
	}
	server.respondJSON(w, http.StatusCreated, template)
}

type instantiateTemplateRequest struct {
	TemplateID string    `json:"template_id"`
	MaxPlayers nulls.Int `json:"max_players"`
}

// handleInstantiateTemplate creates territories on a map from a template.
func (server *WebServer) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	_, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	var request instantiateTemplateRequest
	err = decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	mapID := mux.Vars(r)["mapID"]
	territories, err := server.deps.Catalog.InstantiateTemplate(r.Context(), request.TemplateID,
		mapID, request.MaxPlayers)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "instantiate template", errors.Details{"mapID": mapID}))
		return
	}
	server.respondJSON(w, http.StatusCreated, territories)
}

type addTerritoryRequest struct {
	Name       string       `json:"name"`
	ShapeID    nulls.String `json:"shape_id"`
	MaxPlayers nulls.Int    `json:"max_players"`
}

// handleAddTerritory creates a single territory on a map.
func (server *WebServer) handleAddTerritory(w http.ResponseWriter, r *http.Request) {
	_, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	var request addTerritoryRequest
	err = decodeBody(r, &request)
	if err != nil {
		server.respondError(w, err)
		return
	}
	mapID := mux.Vars(r)["mapID"]
	territory, err := server.deps.Catalog.AddTerritory(r.Context(), store.Territory{
		MapID:      mapID,
		Name:       request.Name,
		ShapeID:    request.ShapeID,
		MaxPlayers: request.MaxPlayers,
	})
	if err != nil {
		server.respondError(w, errors.Wrap(err, "add territory", errors.Details{"mapID": mapID}))
		return
	}
	server.respondJSON(w, http.StatusCreated, territory)
}

// handleRemoveTerritory deactivates a territory.
func (server *WebServer) handleRemoveTerritory(w http.ResponseWriter, r *http.Request) {
	_, err := requestAdminID(r)
	if err != nil {
		server.respondError(w, err)
		return
	}
	territoryID := mux.Vars(r)["territoryID"]
	err = server.deps.Catalog.RemoveTerritory(r.Context(), territoryID)
	if err != nil {
		server.respondError(w, errors.Wrap(err, "remove territory", errors.Details{"territoryID": territoryID}))
		return
	}
	server.respondJSON(w, http.StatusOK, struct{}{})
}
