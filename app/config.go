package app

import (
	"encoding/json"
	"os"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/gobuffalo/nulls"
	"go.uber.org/zap/zapcore"
)

// Config is the configuration needed in order to boot an App.
type Config struct {
	// DBConn is the connection string for the PostgreSQL database.
	DBConn string `json:"db_conn"`
	// ServeAddr is the address the web server listens on.
	ServeAddr string `json:"serve_addr"`
	// MQTTAddr is the optional address of an MQTT broker live updates are
	// mirrored to.
	MQTTAddr nulls.String `json:"mqtt_addr"`
	// Log is the logging configuration.
	Log LogConfig `json:"log"`
}

// LogConfig is the logging configuration used in Config.
type LogConfig struct {
	// StdoutLogLevel is the minimum level for stdout logging.
	StdoutLogLevel zapcore.Level `json:"stdout_log_level"`
	// HighPriorityOutput is an optional file warnings and errors are written
	// to.
	HighPriorityOutput nulls.String `json:"high_priority_output"`
	// DebugOutput is an optional file all log entries are written to.
	DebugOutput nulls.String `json:"debug_output"`
	// MaxSize is the maximum size in megabytes of a log file before it gets
	// rotated.
	MaxSize int `json:"max_size"`
	// KeepDays is the maximum number of days to retain old log files.
	KeepDays int `json:"keep_days"`
}

// ParseConfigFromFile reads and parses the Config from the file at the given
// path.
func ParseConfigFromFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Error{
			Code:    errors.ErrFatal,
			Err:     err,
			Message: "read config file",
			Details: errors.Details{"path": path},
		}
	}
	var config Config
	err = json.Unmarshal(raw, &config)
	if err != nil {
		return Config{}, errors.Error{
			Code:    errors.ErrFatal,
			Kind:    errors.KindDecodeJSON,
			Err:     err,
			Message: "parse config file",
			Details: errors.Details{"path": path},
		}
	}
	return config, nil
}

// ValidateConfig assures that all required fields of the given Config are set.
func ValidateConfig(config Config) error {
	if config.DBConn == "" {
		return errors.NewBadRequestError(errors.KindUnexpected, "db connection string must be set", nil)
	}
	if config.ServeAddr == "" {
		return errors.NewBadRequestError(errors.KindUnexpected, "serve address must be set", nil)
	}
	return nil
}
