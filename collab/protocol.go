package collab

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// wire envelope carried over the room transport. Payloads are typed per
// message type and encoded separately so that a relay can route on the
// envelope without decoding the payload.
//
// `Seq` is stamped by the hub with a per-room monotonically increasing
// sequence number. Clients send 0 and must treat the hub-stamped value as
// authoritative, dropping anything at or below the last seen seq.

type MessageType string

const (
	MessageTypeJoin      MessageType = "join"
	MessageTypeLeave     MessageType = "leave"
	MessageTypeCursor    MessageType = "cursor"
	MessageTypeAwareness MessageType = "awareness"
	MessageTypeOperation MessageType = "operation"
	MessageTypeAck       MessageType = "ack"
	MessageTypeSnapshot  MessageType = "snapshot"
)

type Envelope struct {
	MessageId   Id              `cbor:"1,keyasint"`
	MessageType MessageType     `cbor:"2,keyasint"`
	RoomId      string          `cbor:"3,keyasint"`
	UserId      Id              `cbor:"4,keyasint,omitempty"`
	Seq         uint64          `cbor:"5,keyasint,omitempty"`
	Payload     cbor.RawMessage `cbor:"6,keyasint,omitempty"`
}

type JoinPayload struct {
	Participant *Participant `cbor:"1,keyasint"`
}

type LeavePayload struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

type CursorPayload struct {
	Cursor *Cursor `cbor:"1,keyasint"`
}

type AwarenessUpdatePayload struct {
	Awareness AwarenessPayload `cbor:"1,keyasint"`
}

type OperationPayload struct {
	Operation *Operation `cbor:"1,keyasint"`
}

type AckPayload struct {
	MessageId Id     `cbor:"1,keyasint"`
	Seq       uint64 `cbor:"2,keyasint"`
}

// server-authoritative room state sent to a client on join
type SnapshotPayload struct {
	Participants []*Participant        `cbor:"1,keyasint"`
	Events       []*CollaborationEvent `cbor:"2,keyasint"`
	Seq          uint64                `cbor:"3,keyasint"`
}

// auth handshake, sent by the client as the first message on a new
// transport connection. The server answers with a snapshot envelope or
// closes the connection.
type AuthRequest struct {
	ByJwt      string `cbor:"1,keyasint"`
	RoomId     string `cbor:"2,keyasint"`
	AppVersion string `cbor:"3,keyasint,omitempty"`
}

func EncodeMessage(messageType MessageType, roomId string, userId Id, payload any) ([]byte, error) {
	var payloadBytes cbor.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = cbor.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	envelope := &Envelope{
		MessageId:   NewId(),
		MessageType: messageType,
		RoomId:      roomId,
		UserId:      userId,
		Payload:     payloadBytes,
	}
	return cbor.Marshal(envelope)
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return cbor.Marshal(envelope)
}

func DecodeEnvelope(envelopeBytes []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := cbor.Unmarshal(envelopeBytes, envelope); err != nil {
		return nil, err
	}
	if envelope.MessageType == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return envelope, nil
}

func (self *Envelope) DecodePayload(payload any) error {
	if self.Payload == nil {
		return fmt.Errorf("%s: missing payload", self.MessageType)
	}
	return cbor.Unmarshal(self.Payload, payload)
}

func EncodePayload(payload any) (cbor.RawMessage, error) {
	return cbor.Marshal(payload)
}

func EncodeAuthRequest(authRequest *AuthRequest) ([]byte, error) {
	return cbor.Marshal(authRequest)
}

func DecodeAuthRequest(authRequestBytes []byte) (*AuthRequest, error) {
	authRequest := &AuthRequest{}
	if err := cbor.Unmarshal(authRequestBytes, authRequest); err != nil {
		return nil, err
	}
	if authRequest.ByJwt == "" {
		return nil, fmt.Errorf("missing token")
	}
	if authRequest.RoomId == "" {
		return nil, fmt.Errorf("missing room id")
	}
	return authRequest, nil
}
