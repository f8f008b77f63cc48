// Package web_server exposes the claim, eligibility and catalog operations
// via REST and serves the websocket upgrade endpoint.
package web_server

import (
	"context"
	nativeerrors "errors"
	"net/http"
	"time"

	"github.com/dropmaphq/dropmap-server/claiming"
	"github.com/dropmaphq/dropmap-server/eligibility"
	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/messages"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/gobuffalo/nulls"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	// DefaultServeAddr is the default address to serve on.
	DefaultServeAddr = ":8080"
	// DefaultWriteTimeout is the default timeout for writing.
	DefaultWriteTimeout = 15 * time.Second
	// DefaultReadTimeout is the default timeout for reading.
	DefaultReadTimeout = 15 * time.Second
)

// ClaimEngine covers the claim operations exposed via REST. Implemented by
// claiming.Engine.
type ClaimEngine interface {
	Claim(ctx context.Context, territoryID string, identity claiming.Identity) (store.TerritoryClaim, error)
	ClaimWithInvite(ctx context.Context, code string, territoryID string) (store.TerritoryClaim, store.InviteCode, error)
	AdminAssign(ctx context.Context, territoryID string, identity claiming.Identity, actingAdmin string) (store.TerritoryClaim, error)
	AdminUnassign(ctx context.Context, territoryID string, identity claiming.Identity, actingAdmin string) error
	Revoke(ctx context.Context, territoryID string, identity claiming.Identity, opts claiming.RevokeOptions) error
}

// EligibilityManager covers the eligibility and invite operations exposed via
// REST. Implemented by eligibility.Manager.
type EligibilityManager interface {
	AddPlayer(ctx context.Context, player store.EligiblePlayer) (store.EligiblePlayer, error)
	RemovePlayer(ctx context.Context, mapID string, userID string) error
	PlayersByMap(ctx context.Context, mapID string) ([]store.EligiblePlayer, error)
	CreateInvite(ctx context.Context, mapID string, displayName string, ttlDays int, createdBy string) (store.InviteCode, error)
	ValidateInvite(ctx context.Context, code string) (store.InviteCode, error)
	InvitesByMap(ctx context.Context, mapID string) ([]store.InviteCode, error)
	DeleteInvite(ctx context.Context, code string) error
	ImportFromTournament(ctx context.Context, mapID string, tournamentID string, filter eligibility.ImportFilter, addedBy string) (int, error)
}

// CatalogService covers the shape, template and territory catalog operations
// exposed via REST. Implemented by catalog.Catalog.
type CatalogService interface {
	CreateShape(ctx context.Context, shape store.TerritoryShape) (store.TerritoryShape, error)
	Shapes(ctx context.Context) ([]store.TerritoryShape, error)
	CreateTemplate(ctx context.Context, template store.TerritoryTemplate) (store.TerritoryTemplate, error)
	Templates(ctx context.Context) ([]store.TerritoryTemplate, error)
	InstantiateTemplate(ctx context.Context, templateID string, mapID string, maxPlayers nulls.Int) ([]store.Territory, error)
	AddTerritory(ctx context.Context, territory store.Territory) (store.Territory, error)
	RemoveTerritory(ctx context.Context, territoryID string) error
}

// MapViews builds the public territory views of a map. Implemented by
// broadcast.NetBroadcaster.
type MapViews interface {
	MapView(ctx context.Context, mapID string) ([]messages.Territory, error)
	PublishMap(mapID string)
}

// MapAdmin covers map level admin operations. Implemented by store.Mall.
type MapAdmin interface {
	MapSettingsByID(ctx context.Context, mapID string) (store.MapSettings, error)
	SetMapLocked(ctx context.Context, mapID string, isLocked bool) error
}

// Deps are all services the web server exposes.
type Deps struct {
	Engine      ClaimEngine
	Eligibility EligibilityManager
	Catalog     CatalogService
	Views       MapViews
	Maps        MapAdmin
}

type WebServer struct {
	logger     *zap.Logger
	config     Config
	deps       Deps
	httpServer *http.Server
	router     *mux.Router
	running    bool
}

// Config is the configuration that is used in order to create and run a web
// server.
type Config struct {
	// Address for the web server to listen to.
	ServeAddr string
	// WriteTimeout is the duration in seconds to wait until write fails with a
	// timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the duration in seconds to wait until read fails with a
	// timeout.
	ReadTimeout time.Duration
}

// NewWebServer creates a new WebServer and sets up initial stuff. It expects
// the passed Config to be filled correctly. If you need default values, these
// are exported as DefaultServeAddr, DefaultWriteTimeout and
// DefaultReadTimeout. Run it with WebServer.Run and do not forget to call
// WebServer.PopulateRoutes before.
func NewWebServer(logger *zap.Logger, config Config, deps Deps) (*WebServer, error) {
	// Setup web server.
	server := WebServer{
		logger:  logger,
		config:  config,
		deps:    deps,
		router:  mux.NewRouter(),
		running: false,
	}
	// Enable logging.
	server.router.Use(server.loggingMiddleware)
	// Disable caching.
	server.router.Use(noCacheMiddleware)
	// Setup not found handler.
	server.router.NotFoundHandler = noCacheMiddleware(server.loggingMiddleware(http.NotFoundHandler()))
	// Create http server.
	if config.ServeAddr == "" {
		return nil, nativeerrors.New("no addr provided in config")
	}
	server.httpServer = &http.Server{
		Handler:      server.router,
		Addr:         config.ServeAddr,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
	}
	return &server, nil
}

// Run starts the web server.
func (server *WebServer) Run(ctx context.Context) error {
	// Check if already running.
	if server.running {
		return nativeerrors.New("web server already running")
	}
	server.running = true
	// Start web server.
	go func() {
		// Enable CORS.
		handler := cors.New(cors.Options{
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		}).Handler(server.router)
		server.logger.Info("web server running", zap.String("serve_addr", server.config.ServeAddr))
		server.httpServer.Handler = handler
		err := server.httpServer.ListenAndServe()
		if err != nil && !nativeerrors.Is(err, http.ErrServerClosed) {
			server.logger.Error("listen and serve", zap.Error(err))
		}
	}()
	// Wait for stop command.
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := server.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return errors.Wrap(err, "shutdown web server", nil)
	}
	return nil
}
