package logging

import "go.uber.org/zap"

// Loggers.
var (
	// AppLogger is the main app.App logger.
	AppLogger *zap.Logger
	// DBLogger is used for stuff regarding the database connection.
	DBLogger *zap.Logger
	// ClaimLogger is the logger for the claim engine.
	ClaimLogger *zap.Logger
	// EligibilityLogger is the logger for eligibility and invite management.
	EligibilityLogger *zap.Logger
	// CatalogLogger is the logger for the territory catalog.
	CatalogLogger *zap.Logger
	// BroadcastLogger is used for pushing territory updates to subscribers.
	BroadcastLogger *zap.Logger
	// PortalLogger is the logger for the MQTT portal.
	PortalLogger *zap.Logger
	// WebServerLogger is used for all stuff regarding web servers.
	WebServerLogger *zap.Logger
	// WSLogger is used for all stuff regarding websocket connections.
	WSLogger *zap.Logger
)

func init() {
	// Assure usable loggers before ApplyToGlobalLoggers is called, mainly for
	// tests.
	ApplyToGlobalLoggers(zap.NewNop())
}

// ApplyToGlobalLoggers applies the given root zap.Logger to all global topic
// loggers.
func ApplyToGlobalLoggers(logger *zap.Logger) {
	AppLogger = logger.Named("app")
	DBLogger = logger.Named("db")
	ClaimLogger = logger.Named("claim")
	EligibilityLogger = logger.Named("eligibility")
	CatalogLogger = logger.Named("catalog")
	BroadcastLogger = logger.Named("broadcast")
	PortalLogger = logger.Named("portal")
	WebServerLogger = logger.Named("web-server")
	WSLogger = logger.Named("ws")
}
