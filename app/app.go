// Package app wires all components together and boots the server.
package app

import (
	"context"
	"os"

	"github.com/dropmaphq/dropmap-server/broadcast"
	"github.com/dropmaphq/dropmap-server/catalog"
	"github.com/dropmaphq/dropmap-server/claiming"
	"github.com/dropmaphq/dropmap-server/eligibility"
	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/logging"
	"github.com/dropmaphq/dropmap-server/portal"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/dropmaphq/dropmap-server/web_server"
	"github.com/dropmaphq/dropmap-server/ws"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// App is a complete dropmap server instance.
type App struct {
	// config is the main config used for the App.
	config Config
	// mall provides persistence.
	mall *store.Mall
	// wsHub is the hub for websocket connections.
	wsHub *ws.Hub
	// portalBase holds the MQTT connection if one is configured.
	portalBase portal.Base
	// broadcaster fans claim updates out to subscribers.
	broadcaster *broadcast.NetBroadcaster
	// engine is the transactional claim engine.
	engine *claiming.Engine
	// eligibilityManager manages eligible players and invite codes.
	eligibilityManager *eligibility.Manager
	// territoryCatalog manages shapes, templates and territories.
	territoryCatalog *catalog.Catalog
	// webServer is used for http requests and websocket connections.
	webServer *web_server.WebServer
}

func NewApp(config Config) *App {
	return &App{
		config: config,
	}
}

// Boot sets everything up based on the set config and boots.
func (app *App) Boot(ctx context.Context) error {
	// Validate config.
	err := ValidateConfig(app.config)
	if err != nil {
		return errors.Error{
			Code:    errors.ErrFatal,
			Err:     err,
			Message: "invalid config",
		}
	}
	// Setup logger.
	logger := setupLogging(app.config.Log)
	logging.ApplyToGlobalLoggers(logger)
	defer func() {
		_ = logger.Sync()
	}()
	// Boot.
	err = app.boot(ctx)
	if err != nil {
		err = errors.Wrap(err, "boot", nil)
		errors.Log(logging.AppLogger, err)
		return err
	}
	return nil
}

func (app *App) boot(ctx context.Context) error {
	appCtx, shutdown := context.WithCancel(ctx)
	defer shutdown()
	logging.AppLogger.Info("booting up")
	// Connect database.
	logging.AppLogger.Debug("connecting to database")
	db, err := connectDB(appCtx, app.config.DBConn, defaultMaxDBConnections)
	if err != nil {
		return errors.Wrap(err, "connect database", nil)
	}
	app.mall = store.NewMall(logging.DBLogger, db)
	logging.AppLogger.Debug("database ready")
	// Create websocket hub.
	app.wsHub = ws.NewHub(logging.WSLogger)
	// Create MQTT portal if an address is provided.
	var broadcastPortal portal.Portal
	if app.config.MQTTAddr.Valid {
		app.portalBase, err = portal.NewBase(logging.PortalLogger, portal.Config{
			MQTTAddr: app.config.MQTTAddr.String,
		})
		if err != nil {
			return errors.Wrap(err, "new portal base", nil)
		}
		broadcastPortal = app.portalBase.NewPortal("broadcast")
	}
	// Create broadcaster and claim engine.
	app.broadcaster = broadcast.NewNetBroadcaster(logging.BroadcastLogger, app.mall, app.wsHub, broadcastPortal)
	app.engine = claiming.NewEngine(logging.ClaimLogger, app.mall, app.broadcaster)
	// Create eligibility manager and catalog.
	app.eligibilityManager = eligibility.NewManager(logging.EligibilityLogger, app.mall)
	app.territoryCatalog = catalog.NewCatalog(logging.CatalogLogger, app.mall, app.broadcaster)
	// Create web server.
	app.webServer, err = web_server.NewWebServer(logging.WebServerLogger, web_server.Config{
		ServeAddr:    app.config.ServeAddr,
		WriteTimeout: web_server.DefaultWriteTimeout,
		ReadTimeout:  web_server.DefaultReadTimeout,
	}, web_server.Deps{
		Engine:      app.engine,
		Eligibility: app.eligibilityManager,
		Catalog:     app.territoryCatalog,
		Views:       app.broadcaster,
		Maps:        app.mall,
	})
	if err != nil {
		return errors.Wrap(err, "create web server", nil)
	}
	app.webServer.PopulateRoutes(app.wsHub, appCtx)
	// Boot everything.
	logging.AppLogger.Debug("setup completed. booting...")
	runningServices := appServices{
		"ws-hub":     app.wsHub,
		"web-server": app.webServer,
	}
	if app.portalBase != nil {
		runningServices["mqtt-portal"] = serviceFunc(app.portalBase.Open)
	}
	err = runningServices.run(appCtx, logging.AppLogger)
	if err != nil {
		return errors.Wrap(err, "run services", nil)
	}
	logging.AppLogger.Info("shutting down")
	db.Close()
	return nil
}

// setupLogging builds the application logger from the given LogConfig.
func setupLogging(config LogConfig) *zap.Logger {
	encConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	cores := make([]zapcore.Core, 0)
	// Setup stdout logger with colorful level output.
	stdOutEncConfig := encConfig
	stdOutEncConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores = append(cores, zapcore.NewCore(
		zapcore.NewConsoleEncoder(stdOutEncConfig),
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return level >= config.StdoutLogLevel
		})))
	// Setup error logger.
	cores = append(cores, zapcore.NewCore(
		zapcore.NewConsoleEncoder(encConfig),
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return level >= zap.ErrorLevel
		})))
	// Setup high priority logger.
	if config.HighPriorityOutput.Valid {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encConfig),
			zapcore.AddSync(&lumberjack.Logger{
				Filename: config.HighPriorityOutput.String,
				MaxSize:  config.MaxSize,
				MaxAge:   config.KeepDays,
			}),
			zap.LevelEnablerFunc(func(level zapcore.Level) bool {
				return level >= zap.WarnLevel
			})))
	}
	// Setup debug logger.
	if config.DebugOutput.Valid {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encConfig),
			zapcore.AddSync(&lumberjack.Logger{
				Filename: config.DebugOutput.String,
				MaxSize:  config.MaxSize,
				MaxAge:   config.KeepDays,
			}),
			zap.LevelEnablerFunc(func(level zapcore.Level) bool {
				return level >= zap.DebugLevel
			})))
	}
	// Combine.
	return zap.New(zapcore.NewTee(cores...))
}
