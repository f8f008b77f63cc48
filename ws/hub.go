// Package ws provides the websocket hub that fans live map updates out to
// subscribed clients.
package ws

import (
	"context"
	"encoding/json"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/messages"
	"go.uber.org/zap"
)

// subscription is a room change request for a single client.
type subscription struct {
	client *Client
	mapID  string
}

// roomMessage is an outgoing message addressed to all subscribers of a map.
type roomMessage struct {
	mapID   string
	message []byte
}

// Hub holds all active clients and manages per-map rooms. Clients join and
// leave rooms via join-map and leave-map messages and receive every update
// published to the maps they joined. All state is owned by the Run goroutine.
type Hub struct {
	logger *zap.Logger
	// clients holds all online clients.
	clients map[*Client]struct{}
	// rooms holds the subscribers per map id.
	rooms map[string]map[*Client]struct{}
	// register receives when a Client wants to register itself.
	register chan *Client
	// unregister receives when a Client wants to unregister itself.
	unregister chan *Client
	// subscribe receives room join requests.
	subscribe chan subscription
	// unsubscribe receives room leave requests.
	unsubscribe chan subscription
	// broadcast receives messages to fan out to a room.
	broadcast chan roomMessage
}

// NewHub creates a new Hub. Start it with Hub.Run.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:      logger,
		clients:     make(map[*Client]struct{}),
		rooms:       make(map[string]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		broadcast:   make(chan roomMessage, 64),
	}
}

// Run starts the Hub. Blocks until the given context is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Info("client connected", zap.Any("client_id", c.ID))
			go h.serveClient(ctx, c)
		case c := <-h.unregister:
			h.dropClient(c)
		case sub := <-h.subscribe:
			// The client may have been dropped with the join still queued.
			if _, online := h.clients[sub.client]; !online {
				break
			}
			room, ok := h.rooms[sub.mapID]
			if !ok {
				room = make(map[*Client]struct{})
				h.rooms[sub.mapID] = room
			}
			room[sub.client] = struct{}{}
			h.logger.Debug("client joined map",
				zap.Any("client_id", sub.client.ID),
				zap.String("map_id", sub.mapID))
		case sub := <-h.unsubscribe:
			if room, ok := h.rooms[sub.mapID]; ok {
				delete(room, sub.client)
				if len(room) == 0 {
					delete(h.rooms, sub.mapID)
				}
			}
		case out := <-h.broadcast:
			for c := range h.rooms[out.mapID] {
				select {
				case c.Send <- out.message:
				default:
					// The client cannot keep up. Drop it instead of blocking
					// the hub.
					h.logger.Warn("dropping slow client", zap.Any("client_id", c.ID))
					h.dropClient(c)
				}
			}
		}
	}
}

// dropClient removes the client from all rooms and closes its done-channel
// which stops the write-pump and the serve loop.
func (h *Hub) dropClient(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for mapID, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, mapID)
		}
	}
	close(c.Done)
	h.logger.Info("client disconnected", zap.Any("client_id", c.ID))
}

// BroadcastToMap sends the given raw message to every client subscribed to the
// map. Safe for concurrent use.
func (h *Hub) BroadcastToMap(mapID string, message []byte) {
	h.broadcast <- roomMessage{mapID: mapID, message: message}
}

// serveClient handles incoming messages of the client until its
// receive-channel closes or the client is dropped.
func (h *Hub) serveClient(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done:
			return
		case raw, ok := <-c.Receive:
			if !ok {
				return
			}
			h.handleClientMessage(c, raw)
		}
	}
}

// handleClientMessage parses and dispatches a single message from the client.
// Malformed or unknown messages are answered with an error message instead of
// closing the connection.
func (h *Hub) handleClientMessage(c *Client, raw []byte) {
	var container messages.MessageContainer
	err := json.Unmarshal(raw, &container)
	if err != nil {
		c.SendError(errors.Error{
			Code:    errors.ErrProtocolViolation,
			Kind:    errors.KindDecodeJSON,
			Message: "decode message container",
		})
		return
	}
	switch container.MessageType {
	case messages.MessageTypeJoinMap:
		var join messages.MessageJoinMap
		err = json.Unmarshal(container.Content, &join)
		if err != nil || join.MapID == "" {
			c.SendError(errors.Error{
				Code:    errors.ErrProtocolViolation,
				Kind:    errors.KindDecodeJSON,
				Message: "decode join-map message",
			})
			return
		}
		h.subscribe <- subscription{client: c, mapID: join.MapID}
		c.SendOK()
	case messages.MessageTypeLeaveMap:
		var leave messages.MessageLeaveMap
		err = json.Unmarshal(container.Content, &leave)
		if err != nil || leave.MapID == "" {
			c.SendError(errors.Error{
				Code:    errors.ErrProtocolViolation,
				Kind:    errors.KindDecodeJSON,
				Message: "decode leave-map message",
			})
			return
		}
		h.unsubscribe <- subscription{client: c, mapID: leave.MapID}
		c.SendOK()
	default:
		c.SendError(errors.Error{
			Code:    errors.ErrProtocolViolation,
			Kind:    errors.KindForbiddenMessage,
			Message: "unknown message type",
			Details: errors.Details{"messageType": container.MessageType},
		})
	}
}
