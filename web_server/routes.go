package web_server

import (
	"context"
	"net/http"

	"github.com/dropmaphq/dropmap-server/ws"
)

// PopulateRoutes populates the WebServer with the routes.
func (server *WebServer) PopulateRoutes(hub *ws.Hub, wsCtx context.Context) {
	// Websocket stuff.
	server.router.HandleFunc("/ws", ws.HandleWS(server.logger, hub, wsCtx))
	// API stuff.
	apiRouter := server.router.PathPrefix("/api/v1").Subrouter()
	// Claiming.
	apiRouter.HandleFunc("/territories/{territoryID}/claim", server.handleClaim).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/territories/{territoryID}/release", server.handleRelease).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/claim-with-invite", server.handleClaimWithInvite).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/admin/territories/{territoryID}/assign-player", server.handleAdminAssign).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/admin/territories/{territoryID}/remove-player", server.handleAdminRemove).
		Methods(http.MethodPost)
	// Invites.
	apiRouter.HandleFunc("/maps/{mapID}/invites", server.handleCreateInvite).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/maps/{mapID}/invites", server.handleListInvites).
		Methods(http.MethodGet)
	apiRouter.HandleFunc("/invites/{code}", server.handleValidateInvite).
		Methods(http.MethodGet)
	apiRouter.HandleFunc("/invites/{code}", server.handleDeleteInvite).
		Methods(http.MethodDelete)
	// Eligible players.
	apiRouter.HandleFunc("/maps/{mapID}/players", server.handleAddPlayer).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/maps/{mapID}/players", server.handleListPlayers).
		Methods(http.MethodGet)
	apiRouter.HandleFunc("/maps/{mapID}/players/{userID}", server.handleRemovePlayer).
		Methods(http.MethodDelete)
	apiRouter.HandleFunc("/maps/{mapID}/import-players", server.handleImportPlayers).
		Methods(http.MethodPost)
	// Territories.
	apiRouter.HandleFunc("/maps/{mapID}/territories", server.handleListTerritories).
		Methods(http.MethodGet)
	apiRouter.HandleFunc("/maps/{mapID}/territories/public", server.handleListTerritoriesPublic).
		Methods(http.MethodGet)
	apiRouter.HandleFunc("/maps/{mapID}/territories", server.handleAddTerritory).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/territories/{territoryID}", server.handleRemoveTerritory).
		Methods(http.MethodDelete)
	// Map administration.
	apiRouter.HandleFunc("/maps/{mapID}/lock", server.handleSetMapLocked(true)).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/maps/{mapID}/unlock", server.handleSetMapLocked(false)).
		Methods(http.MethodPost)
	// Catalog.
	apiRouter.HandleFunc("/shapes", server.handleCreateShape).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/shapes", server.handleListShapes).
		Methods(http.MethodGet)
	apiRouter.HandleFunc("/templates", server.handleCreateTemplate).
		Methods(http.MethodPost)
	apiRouter.HandleFunc("/templates", server.handleListTemplates).
		Methods(http.MethodGet)
	apiRouter.HandleFunc("/maps/{mapID}/instantiate-template", server.handleInstantiateTemplate).
		Methods(http.MethodPost)
}
