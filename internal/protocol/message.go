// Package protocol defines the websocket envelope exchanged between the
// collaboration server and client sessions. Sync payloads carry opaque CRDT
// sync messages; awareness payloads carry ephemeral presence records that are
// broadcast but never persisted.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// TypeSync carries one base64-encoded CRDT sync message.
	TypeSync = "sync"
	// TypeSynced marks the end of the initial state exchange.
	TypeSynced = "synced"
	// TypeAwareness carries one session's presence record.
	TypeAwareness = "awareness"
	// TypePresence carries the full presence roster of a document room.
	TypePresence = "presence"
)

// ErrInvalidMessage indicates an envelope that could not be decoded.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Envelope frames every websocket message.
type Envelope struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"document_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// SyncPayload wraps a binary CRDT sync message.
type SyncPayload struct {
	Message []byte `json:"message"`
}

// AwarenessPayload is one session's ephemeral presence record.
type AwarenessPayload struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
}

// PresencePayload is the roster of presence records in a room.
type PresencePayload struct {
	Peers []AwarenessPayload `json:"peers"`
}

// Decode parses a raw websocket frame into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return envelope, nil
}

// EncodeSync frames a CRDT sync message.
func EncodeSync(documentID string, message []byte) ([]byte, error) {
	return encode(TypeSync, documentID, SyncPayload{Message: message})
}

// EncodeSynced frames the initial-exchange marker.
func EncodeSynced(documentID string) ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeSynced, DocumentID: documentID})
}

// EncodeAwareness frames one presence record.
func EncodeAwareness(documentID string, payload AwarenessPayload) ([]byte, error) {
	return encode(TypeAwareness, documentID, payload)
}

// EncodePresence frames a full presence roster.
func EncodePresence(documentID string, payload PresencePayload) ([]byte, error) {
	return encode(TypePresence, documentID, payload)
}

func encode(messageType string, documentID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: messageType, DocumentID: documentID, Payload: raw})
}

// DecodeSync extracts the binary sync message from a sync envelope.
func (e Envelope) DecodeSync() ([]byte, error) {
	var payload SyncPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(payload.Message) == 0 {
		return nil, fmt.Errorf("%w: empty sync message", ErrInvalidMessage)
	}
	return payload.Message, nil
}

// DecodeAwareness extracts a presence record from an awareness envelope.
func (e Envelope) DecodeAwareness() (AwarenessPayload, error) {
	var payload AwarenessPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return AwarenessPayload{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if payload.ClientID == "" {
		return AwarenessPayload{}, fmt.Errorf("%w: missing client id", ErrInvalidMessage)
	}
	return payload, nil
}

// DecodePresence extracts the roster from a presence envelope.
func (e Envelope) DecodePresence() (PresencePayload, error) {
	var payload PresencePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return PresencePayload{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return payload, nil
}
