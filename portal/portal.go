// Package portal mirrors live map updates to an MQTT broker so that external
// consumers like overlays and bots can follow claims without holding a
// websocket connection.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"
)

const mqttClientID = "dropmap-server"
const mqttKeepAlive = 8

// Topic is an MQTT topic.
type Topic string

// TerritoryTopic is the topic territory updates of a map are mirrored to.
func TerritoryTopic(mapID string, territoryID string) Topic {
	return Topic(fmt.Sprintf("dropmap/maps/%s/territories/%s", mapID, territoryID))
}

// MapTopic is the topic coarse map updates are mirrored to.
func MapTopic(mapID string) Topic {
	return Topic(fmt.Sprintf("dropmap/maps/%s", mapID))
}

// Config is the config for the Base.
type Config struct {
	// MQTTAddr is the address where the MQTT-server is found.
	MQTTAddr string
}

// publisher is used for publishing MQTT messages.
type publisher interface {
	Publish(ctx context.Context, publish *paho.Publish) (*paho.PublishResponse, error)
}

// Base is a wrapper for all connection related stuff for a Portal. Using the
// Base, you only need to Open the Base and then use portals via NewPortal.
type Base interface {
	// Open the connection. Stays opened until the given context.Context is done.
	Open(ctx context.Context) error
	// NewPortal creates a new Portal that uses the connection from the Base.
	NewPortal(name string) Portal
}

type basePortal struct {
	logger *zap.Logger
	config Config
	// brokerURL is the URL of the MQTT broker.
	brokerURL *url.URL
	// publisher is used for publishing MQTT messages.
	publisher publisher
}

// Portal publishes messages to the MQTT broker.
type Portal interface {
	// Publish the given payload to the Topic. It will catch any errors during
	// publishing and log them.
	Publish(ctx context.Context, topic Topic, payload interface{})
}

// NewBase creates a Base with the given Config. Open it with Base.Open.
func NewBase(logger *zap.Logger, config Config) (Base, error) {
	// Parse URL.
	brokerURL, err := url.Parse(config.MQTTAddr)
	if err != nil {
		return nil, errors.NewInternalErrorFromErr(err, "invalid mqtt addr", errors.Details{"was": config.MQTTAddr})
	}
	return &basePortal{
		logger:    logger,
		config:    config,
		brokerURL: brokerURL,
	}, nil
}

// Open the base portal and keep the connection to the MQTT server until the
// given context.Context is done.
func (p *basePortal) Open(ctx context.Context) error {
	// Establish MQTT connection.
	conn, err := autopaho.NewConnection(ctx, p.genClientConfig())
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "create mqtt server connection failed", nil)
	}
	p.publisher = conn
	// Wait until we are done.
	<-ctx.Done()
	// Shutdown MQTT connection.
	disconnectTimeout, cancelDisconnectTimeout := context.WithTimeout(context.Background(), 3*time.Second)
	err = conn.Disconnect(disconnectTimeout)
	cancelDisconnectTimeout()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "disconnect from mqtt server failed", nil)
	}
	return nil
}

// genClientConfig generates the autopaho.ClientConfig that is ready to launch.
func (p *basePortal) genClientConfig() autopaho.ClientConfig {
	return autopaho.ClientConfig{
		BrokerUrls: []*url.URL{p.brokerURL},
		KeepAlive:  mqttKeepAlive,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt server connection established")
		},
		OnConnectError: func(err error) {
			errors.Log(p.logger, errors.Error{
				Code:    errors.ErrCommunication,
				Err:     err,
				Message: "mqtt server connection failed",
			})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: mqttClientID,
			OnServerDisconnect: func(disconnect *paho.Disconnect) {
				reason := string(disconnect.ReasonCode)
				if disconnect.Properties != nil {
					reason = disconnect.Properties.ReasonString
				}
				errors.Log(p.logger, errors.Error{
					Code:    errors.ErrCommunication,
					Message: fmt.Sprintf("mqtt server requested disconnect: %s", reason),
				})
			},
			OnClientError: func(err error) {
				errors.Log(p.logger, errors.Error{
					Code:    errors.ErrCommunication,
					Err:     err,
					Message: "mqtt server connection client error",
				})
			},
		},
	}
}

// NewPortal creates a new Portal that can be used to publish to topics.
func (p *basePortal) NewPortal(name string) Portal {
	return &portal{
		logger: p.logger.Named(name),
		base:   p,
	}
}

// portal provides a higher-level API for Base that makes it easier to conduct
// tests, etc.
type portal struct {
	logger *zap.Logger
	// base holds the publisher once the connection is up.
	base *basePortal
}

// Publish the given payload to the Topic.
func (p *portal) Publish(ctx context.Context, topic Topic, payload interface{}) {
	if p.base.publisher == nil {
		p.logger.Debug("dropping publish without mqtt connection", zap.String("topic", string(topic)))
		return
	}
	// Marshal payload.
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		errors.Log(p.logger, errors.NewInternalErrorFromErr(err, "marshal payload for publishing", errors.Details{
			"topic": topic,
		}))
		return
	}
	// Publish.
	_, err = p.base.publisher.Publish(ctx, &paho.Publish{
		Topic:   string(topic),
		Payload: payloadRaw,
	})
	if err != nil {
		errors.Log(p.logger, errors.NewInternalErrorFromErr(err, "publish message failed", errors.Details{
			"topic":   topic,
			"payload": payload,
		}))
		return
	}
}
