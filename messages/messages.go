// Package messages provides the websocket message container as well as all
// typed payloads that are exchanged with map subscribers.
package messages

import (
	"encoding/json"
	"time"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/gobuffalo/nulls"
)

// MessageType is the type of message and serves for using the correct parsing
// method.
type MessageType string

// MessageContainer is a container for all messages that are sent and received.
// It holds the message type as well as the actual payload.
type MessageContainer struct {
	// MessageType is the type of the message.
	MessageType MessageType `json:"message_type"`
	// Content is the actual message content.
	Content json.RawMessage `json:"content,omitempty"`
}

// All message types.
const (
	// MessageTypeError is used for error messages. The content is being set to the
	// detailed error.
	MessageTypeError MessageType = "error"
	// MessageTypeOK is used only for confirmation of actions that do not require a
	// detailed response.
	MessageTypeOK MessageType = "ok"
	// MessageTypeJoinMap is received with MessageJoinMap when a client wants to
	// subscribe to live updates for a map.
	MessageTypeJoinMap MessageType = "join-map"
	// MessageTypeLeaveMap is received with MessageLeaveMap when a client wants to
	// unsubscribe from a map.
	MessageTypeLeaveMap MessageType = "leave-map"
	// MessageTypeTerritoryUpdate is sent with MessageTerritoryUpdate to all
	// subscribers of a map after a territory changed.
	MessageTypeTerritoryUpdate MessageType = "territory-update"
	// MessageTypeMapUpdate is sent with MessageMapUpdate to all subscribers of a
	// map after structural changes. Clients are expected to refetch the full map.
	MessageTypeMapUpdate MessageType = "map-update"
)

// MessageJoinMap is used with MessageTypeJoinMap.
type MessageJoinMap struct {
	// MapID is the id of the map to subscribe to.
	MapID string `json:"map_id"`
}

// MessageLeaveMap is used with MessageTypeLeaveMap.
type MessageLeaveMap struct {
	// MapID is the id of the map to unsubscribe from.
	MapID string `json:"map_id"`
}

// ActiveClaim is the public view of an active claim on a territory.
type ActiveClaim struct {
	// ID identifies the claim.
	ID string `json:"id"`
	// UserID is the claiming identity. For invite-based claims this is the
	// synthetic invite identity.
	UserID string `json:"user_id"`
	// DisplayName is how the claimant should be shown on the map.
	DisplayName string `json:"display_name"`
	// ClaimedAt is when the claim was created.
	ClaimedAt time.Time `json:"claimed_at"`
}

// Territory is the public view of a territory that is pushed to subscribers.
type Territory struct {
	// ID identifies the territory.
	ID string `json:"id"`
	// MapID is the map the territory belongs to.
	MapID string `json:"map_id"`
	// Name is the human-readable territory name.
	Name string `json:"name"`
	// Color is the current fill color. Unset while unclaimed.
	Color nulls.String `json:"color"`
	// MaxPlayers is the claim capacity of the territory if it overrides the map
	// default.
	MaxPlayers nulls.Int `json:"max_players"`
	// ClaimedAt is when the territory last transitioned to claimed. Unset while
	// unclaimed.
	ClaimedAt nulls.Time `json:"claimed_at"`
	// Claims are all currently active claims on the territory.
	Claims []ActiveClaim `json:"claims"`
}

// MessageTerritoryUpdate is used with MessageTypeTerritoryUpdate.
type MessageTerritoryUpdate struct {
	// MapID is the map the updated territory belongs to.
	MapID string `json:"map_id"`
	// TerritoryID is the id of the updated territory.
	TerritoryID string `json:"territory_id"`
	// Territory is the authoritative current state of the territory.
	Territory Territory `json:"territory"`
	// Timestamp is when the update was created.
	Timestamp time.Time `json:"timestamp"`
}

// MessageMapUpdate is used with MessageTypeMapUpdate.
type MessageMapUpdate struct {
	// MapID is the id of the map that changed structurally.
	MapID string `json:"map_id"`
	// Timestamp is when the update was created.
	Timestamp time.Time `json:"timestamp"`
}

// MessageError is used with MessageTypeError for errors that need to be sent
// to clients.
type MessageError struct {
	// Code is the error code from errors.Error.
	Code string `json:"code"`
	// Kind is the error kind from errors.Error.
	Kind string `json:"kind"`
	// Message is the message from errors.Error.
	Message string `json:"message"`
}

// MessageErrorFromError creates a MessageError from the given error. Internal
// details are hidden from clients unless the error blames the user.
func MessageErrorFromError(err error) MessageError {
	e, _ := errors.Cast(err)
	if !errors.BlameUser(err) {
		return MessageError{
			Code:    string(errors.ErrInternal),
			Kind:    string(errors.KindUnexpected),
			Message: "internal server error",
		}
	}
	return MessageError{
		Code:    string(e.Code),
		Kind:    string(e.Kind),
		Message: e.Message,
	}
}

// Compose marshals the given payload and wraps it in a MessageContainer with
// the given MessageType.
func Compose(messageType MessageType, payload interface{}) ([]byte, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Error{
			Code:    errors.ErrInternal,
			Kind:    errors.KindEncodeJSON,
			Err:     err,
			Message: "marshal message payload",
			Details: errors.Details{"messageType": messageType},
		}
	}
	container, err := json.Marshal(MessageContainer{
		MessageType: messageType,
		Content:     content,
	})
	if err != nil {
		return nil, errors.Error{
			Code:    errors.ErrInternal,
			Kind:    errors.KindEncodeJSON,
			Err:     err,
			Message: "marshal message container",
			Details: errors.Details{"messageType": messageType},
		}
	}
	return container, nil
}
