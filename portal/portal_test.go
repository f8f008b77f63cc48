package portal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// capturingPublisher records all publishes.
type capturingPublisher struct {
	published []*paho.Publish
}

func (p *capturingPublisher) Publish(_ context.Context, publish *paho.Publish) (*paho.PublishResponse, error) {
	p.published = append(p.published, publish)
	return &paho.PublishResponse{}, nil
}

func TestTerritoryTopic(t *testing.T) {
	assert.Equal(t, Topic("dropmap/maps/map-1/territories/territory-1"),
		TerritoryTopic("map-1", "territory-1"))
}

func TestMapTopic(t *testing.T) {
	assert.Equal(t, Topic("dropmap/maps/map-1"), MapTopic("map-1"))
}

func TestPortalPublish(t *testing.T) {
	base := &basePortal{logger: zap.NewNop()}
	publisher := &capturingPublisher{}
	base.publisher = publisher
	p := base.NewPortal("test")

	p.Publish(context.Background(), MapTopic("map-1"), map[string]string{"hello": "world"})

	require.Len(t, publisher.published, 1)
	assert.Equal(t, "dropmap/maps/map-1", publisher.published[0].Topic)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(publisher.published[0].Payload, &payload))
	assert.Equal(t, "world", payload["hello"])
}

func TestPortalPublishWithoutConnection(t *testing.T) {
	base := &basePortal{logger: zap.NewNop()}
	p := base.NewPortal("test")
	// Must not panic.
	p.Publish(context.Background(), MapTopic("map-1"), "payload")
}

func TestNewBaseInvalidAddr(t *testing.T) {
	_, err := NewBase(zap.NewNop(), Config{MQTTAddr: "://not-a-url"})
	assert.Error(t, err)
}
