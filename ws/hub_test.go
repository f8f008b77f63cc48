package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dropmaphq/dropmap-server/messages"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const receiveTimeout = time.Second

// newTestClient creates a Client without a websocket connection. The pumps are
// not started so tests interact with the channels directly.
func newTestClient(hub *Hub) *Client {
	return &Client{
		ID:      uuid.New(),
		hub:     hub,
		Send:    make(chan []byte, 256),
		Receive: make(chan []byte, 256),
		Done:    make(chan struct{}),
	}
}

type hubSuite struct {
	suite.Suite
	hub    *Hub
	cancel context.CancelFunc
}

func (s *hubSuite) SetupTest() {
	s.hub = NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		_ = s.hub.Run(ctx)
	}()
}

func (s *hubSuite) TearDownTest() {
	s.cancel()
}

// nextMessage waits for the next message sent to the client and returns the
// parsed container.
func (s *hubSuite) nextMessage(c *Client) messages.MessageContainer {
	select {
	case raw := <-c.Send:
		var container messages.MessageContainer
		s.Require().NoError(json.Unmarshal(raw, &container))
		return container
	case <-time.After(receiveTimeout):
		s.FailNow("timeout while waiting for message")
		return messages.MessageContainer{}
	}
}

func (s *hubSuite) joinMap(c *Client, mapID string) {
	raw, err := messages.Compose(messages.MessageTypeJoinMap, messages.MessageJoinMap{MapID: mapID})
	s.Require().NoError(err)
	c.Receive <- raw
	s.Require().Equal(messages.MessageTypeOK, s.nextMessage(c).MessageType)
}

func (s *hubSuite) TestJoinMapReceivesBroadcasts() {
	c := newTestClient(s.hub)
	s.hub.register <- c
	s.joinMap(c, "map-1")

	s.hub.BroadcastToMap("map-1", []byte(`{"message_type":"map-update"}`))
	container := s.nextMessage(c)
	s.Equal(messages.MessageTypeMapUpdate, container.MessageType)
}

func (s *hubSuite) TestBroadcastOnlyReachesRoom() {
	inRoom := newTestClient(s.hub)
	outside := newTestClient(s.hub)
	s.hub.register <- inRoom
	s.hub.register <- outside
	s.joinMap(inRoom, "map-1")
	s.joinMap(outside, "map-2")

	s.hub.BroadcastToMap("map-1", []byte(`{"message_type":"map-update"}`))
	s.Equal(messages.MessageTypeMapUpdate, s.nextMessage(inRoom).MessageType)
	select {
	case raw := <-outside.Send:
		s.Failf("unexpected message", "client outside room received %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *hubSuite) TestLeaveMapStopsBroadcasts() {
	c := newTestClient(s.hub)
	s.hub.register <- c
	s.joinMap(c, "map-1")

	raw, err := messages.Compose(messages.MessageTypeLeaveMap, messages.MessageLeaveMap{MapID: "map-1"})
	s.Require().NoError(err)
	c.Receive <- raw
	s.Require().Equal(messages.MessageTypeOK, s.nextMessage(c).MessageType)

	s.hub.BroadcastToMap("map-1", []byte(`{"message_type":"map-update"}`))
	select {
	case rawMessage := <-c.Send:
		s.Failf("unexpected message", "client received %s after leaving", rawMessage)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *hubSuite) TestMalformedMessage() {
	c := newTestClient(s.hub)
	s.hub.register <- c
	c.Receive <- []byte("not json")
	s.Equal(messages.MessageTypeError, s.nextMessage(c).MessageType)
}

func (s *hubSuite) TestUnknownMessageType() {
	c := newTestClient(s.hub)
	s.hub.register <- c
	raw, err := messages.Compose("launch-missiles", nil)
	s.Require().NoError(err)
	c.Receive <- raw
	s.Equal(messages.MessageTypeError, s.nextMessage(c).MessageType)
}

func (s *hubSuite) TestJoinMapWithoutMapID() {
	c := newTestClient(s.hub)
	s.hub.register <- c
	raw, err := messages.Compose(messages.MessageTypeJoinMap, messages.MessageJoinMap{})
	s.Require().NoError(err)
	c.Receive <- raw
	s.Equal(messages.MessageTypeError, s.nextMessage(c).MessageType)
}

func (s *hubSuite) TestUnregisterClosesDoneChannel() {
	c := newTestClient(s.hub)
	s.hub.register <- c
	s.joinMap(c, "map-1")
	s.hub.unregister <- c
	select {
	case <-c.Done:
	case <-time.After(receiveTimeout):
		s.FailNow("done-channel was not closed")
	}
}

// TestSlowClientDropDoesNotDisruptHub drops a client that cannot keep up and
// assures that messages still queued from that client neither crash the hub
// nor re-add the client to a room.
func (s *hubSuite) TestSlowClientDropDoesNotDisruptHub() {
	slow := newTestClient(s.hub)
	slow.Send = make(chan []byte, 1)
	s.hub.register <- slow
	s.joinMap(slow, "map-1")

	// The first broadcast fills the send-buffer, the second drops the client.
	s.hub.BroadcastToMap("map-1", []byte(`{"message_type":"map-update"}`))
	s.hub.BroadcastToMap("map-1", []byte(`{"message_type":"map-update"}`))
	select {
	case <-slow.Done:
	case <-time.After(receiveTimeout):
		s.FailNow("slow client was not dropped")
	}

	// A join-map that was still queued when the client got dropped must not
	// crash the hub or rejoin the room.
	raw, err := messages.Compose(messages.MessageTypeJoinMap, messages.MessageJoinMap{MapID: "map-1"})
	s.Require().NoError(err)
	slow.Receive <- raw

	// The hub keeps serving healthy clients.
	healthy := newTestClient(s.hub)
	s.hub.register <- healthy
	s.joinMap(healthy, "map-1")
	s.hub.BroadcastToMap("map-1", []byte(`{"message_type":"map-update"}`))
	s.Equal(messages.MessageTypeMapUpdate, s.nextMessage(healthy).MessageType)

	// Nothing new arrives for the dropped client.
	<-slow.Send
	select {
	case rawMessage := <-slow.Send:
		s.Failf("unexpected message", "dropped client received %s", rawMessage)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub(t *testing.T) {
	suite.Run(t, new(hubSuite))
}
