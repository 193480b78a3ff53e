package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Inbound event names. The dispatch table in client.go maps these to
// handlers; anything else is dropped.
const (
	EvtRoomJoin      = "room:join"
	EvtRoomLeave     = "room:leave"
	EvtPresenceQuery = "presence:query"
	EvtProductAdd    = "product:add"
	EvtProductToggle = "product:toggle"
	EvtProductDelete = "product:delete"
	EvtMemberRemove  = "member:remove"
	EvtListUpdate    = "list:update"
	EvtNotify        = "notification:send"
)

// Outbound event names.
const (
	EvtPresenceState  = "presence:state"
	EvtPresenceJoined = "presence:joined"
	EvtPresenceLeft   = "presence:left"
	EvtProductAdded   = "product:added"
	EvtProductToggled = "product:toggled"
	EvtProductDeleted = "product:deleted"
	EvtMemberRemoved  = "member:removed"
	EvtListUpdated    = "list:updated"
	EvtNotification   = "notification:new"
	EvtError          = "error"
)

// Frame is the wire envelope: a named event with a JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// Structural bounds for inbound payload fields. Payloads violating them
// are malformed and never forwarded.
const (
	maxIDLen      = 128
	maxNameLen    = 256
	maxMessageLen = 512
)

var errMalformed = errors.New("malformed payload")

func checkID(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is empty", errMalformed, field)
	}
	if len(v) > maxIDLen {
		return fmt.Errorf("%w: %s exceeds %d bytes", errMalformed, field, maxIDLen)
	}
	return nil
}

func checkName(field, v string, max int) error {
	if v == "" {
		return fmt.Errorf("%w: %s is empty", errMalformed, field)
	}
	if len(v) > max {
		return fmt.Errorf("%w: %s exceeds %d bytes", errMalformed, field, max)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: %s is not valid utf-8", errMalformed, field)
	}
	return nil
}

// --- Inbound payloads ---

type joinPayload struct {
	ListID string `json:"listId"`
}

func (p *joinPayload) Validate() error { return checkID("listId", p.ListID) }

type presenceQueryPayload struct {
	ListIDs []string `json:"listIds"`
}

func (p *presenceQueryPayload) Validate() error {
	if len(p.ListIDs) == 0 {
		return fmt.Errorf("%w: listIds is empty", errMalformed)
	}
	for _, id := range p.ListIDs {
		if err := checkID("listIds entry", id); err != nil {
			return err
		}
	}
	return nil
}

type productAddPayload struct {
	ListID    string `json:"listId"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

func (p *productAddPayload) Validate() error {
	if err := checkID("listId", p.ListID); err != nil {
		return err
	}
	if err := checkID("productId", p.ProductID); err != nil {
		return err
	}
	if err := checkName("name", p.Name, maxNameLen); err != nil {
		return err
	}
	if p.Quantity < 0 {
		return fmt.Errorf("%w: quantity is negative", errMalformed)
	}
	return nil
}

type productTogglePayload struct {
	ListID    string `json:"listId"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Checked   bool   `json:"checked"`
}

func (p *productTogglePayload) Validate() error {
	if err := checkID("listId", p.ListID); err != nil {
		return err
	}
	if err := checkID("productId", p.ProductID); err != nil {
		return err
	}
	return checkName("name", p.Name, maxNameLen)
}

type productDeletePayload struct {
	ListID    string `json:"listId"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
}

func (p *productDeletePayload) Validate() error {
	if err := checkID("listId", p.ListID); err != nil {
		return err
	}
	if err := checkID("productId", p.ProductID); err != nil {
		return err
	}
	return checkName("name", p.Name, maxNameLen)
}

type memberRemovePayload struct {
	ListID   string `json:"listId"`
	MemberID string `json:"memberId"`
}

func (p *memberRemovePayload) Validate() error {
	if err := checkID("listId", p.ListID); err != nil {
		return err
	}
	return checkID("memberId", p.MemberID)
}

type listUpdatePayload struct {
	ListID string `json:"listId"`
	Name   string `json:"name"`
}

func (p *listUpdatePayload) Validate() error {
	if err := checkID("listId", p.ListID); err != nil {
		return err
	}
	return checkName("name", p.Name, maxNameLen)
}

type notifyPayload struct {
	ListID  string `json:"listId"`
	Message string `json:"message"`
}

func (p *notifyPayload) Validate() error {
	if err := checkID("listId", p.ListID); err != nil {
		return err
	}
	return checkName("message", p.Message, maxMessageLen)
}

// --- Outbound payloads ---

type presenceStatePayload struct {
	ListID string   `json:"listId"`
	Users  []string `json:"users"`
}

type presenceDeltaPayload struct {
	ListID   string `json:"listId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type productEventPayload struct {
	ListID    string `json:"listId"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity,omitempty"`
	Checked   bool   `json:"checked,omitempty"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
}

type memberRemovedPayload struct {
	ListID    string `json:"listId"`
	MemberID  string `json:"memberId"`
	ActorID   string `json:"userId"`
	ActorName string `json:"userName,omitempty"`
}

type listUpdatedPayload struct {
	ListID   string `json:"listId"`
	Name     string `json:"name"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type notificationPayload struct {
	ListID    string `json:"listId"`
	EventType string `json:"eventType"`
	Message   string `json:"message,omitempty"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
}

type errorPayload struct {
	Code   string `json:"code"`
	ListID string `json:"listId,omitempty"`
}

// Error codes surfaced to the requester. Everything else is silent.
const (
	codeAccessDenied = "access_denied"
)
