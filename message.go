package delta

import (
	"encoding/json"
	"fmt"
)

// The wire protocol is a typed record envelope. Each websocket message or
// pipe frame carries exactly one encoded `Record`.

type RecordType string

const (
	RecordTypeConnectRequest RecordType = "connectRequest"
	RecordTypeConnectAccept  RecordType = "connectAccept"
	RecordTypeConnectNack    RecordType = "connectNack"
	RecordTypeSubmit         RecordType = "submit"
	RecordTypeMessage        RecordType = "message"
	RecordTypeCaughtUp       RecordType = "caughtUp"
)

type Record struct {
	RecordType RecordType      `json:"type"`
	Body       json.RawMessage `json:"body"`
}

// MessageType is the semantic type of a sequenced message. Contents are
// opaque to this layer for operations; quorum control types carry the
// contents structs below.
type MessageType string

const (
	MessageTypeOperation MessageType = "op"
	MessageTypeNoOp      MessageType = "noop"
	MessageTypePropose   MessageType = "propose"
	MessageTypeAccept    MessageType = "accept"
	MessageTypeReject    MessageType = "reject"
	MessageTypeJoin      MessageType = "join"
	MessageTypeLeave     MessageType = "leave"
)

// SequencedMessage is one entry of the total order. `SequenceNumber` is
// assigned only by the ordering authority, strictly increasing and gap free.
// `MinimumSequenceNumber` is the monotonic bound below which no connected
// client still needs history, and never exceeds `SequenceNumber`.
// `ClientId` is nil for authority-originated messages (join, leave).
type SequencedMessage struct {
	SequenceNumber          uint64          `json:"sequenceNumber"`
	MinimumSequenceNumber   uint64          `json:"minimumSequenceNumber"`
	ClientId                *Id             `json:"clientId,omitempty"`
	ClientReference         uint64          `json:"clientReference,omitempty"`
	ReferenceSequenceNumber uint64          `json:"referenceSequenceNumber"`
	MessageType             MessageType     `json:"messageType"`
	Contents                json.RawMessage `json:"contents,omitempty"`
}

// SubmitRecord is a client submission awaiting a sequence number.
// `ClientReference` is the client-local reference used to match the echo;
// 0 marks a transient submission (noop, accept, reject) that is never
// queued or replayed.
type SubmitRecord struct {
	ClientReference         uint64          `json:"clientReference,omitempty"`
	ReferenceSequenceNumber uint64          `json:"referenceSequenceNumber"`
	MessageType             MessageType     `json:"messageType"`
	Contents                json.RawMessage `json:"contents,omitempty"`
}

// ConnectRequest opens a session connection. A nil `ResumeFrom` asks for the
// full history; otherwise the authority replays all messages with sequence
// numbers strictly greater than `ResumeFrom` before live delivery.
// `InstanceId` is stable across reconnects of one session instance. The
// authority closes any previous connection with the same instance id before
// admitting the new one, so a stale connection cannot slip submissions into
// the order behind a reconnect.
type ConnectRequest struct {
	Token         string         `json:"token,omitempty"`
	InstanceId    Id             `json:"instanceId"`
	ResumeFrom    *uint64        `json:"resumeFrom,omitempty"`
	ClientDetails *ClientDetails `json:"clientDetails,omitempty"`
}

type ClientDetails struct {
	Environment string `json:"environment,omitempty"`
	AppVersion  string `json:"appVersion,omitempty"`
}

type ConnectAccept struct {
	ClientId  Id     `json:"clientId"`
	SessionId Id     `json:"sessionId"`
	Version   string `json:"version"`
}

type ConnectNack struct {
	Reason string `json:"reason"`
}

// CaughtUp marks the end of catch-up replay. Everything after it is live.
// `NextSequenceNumber` is the next number the authority will assign.
type CaughtUp struct {
	NextSequenceNumber uint64 `json:"nextSequenceNumber"`
}

type ProposeContents struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type AcceptContents struct {
	ProposalSequenceNumber uint64 `json:"proposalSequenceNumber"`
}

type RejectContents struct {
	ProposalSequenceNumber uint64 `json:"proposalSequenceNumber"`
	Reason                 string `json:"reason,omitempty"`
}

type JoinContents struct {
	ClientId      Id             `json:"clientId"`
	ClientDetails *ClientDetails `json:"clientDetails,omitempty"`
}

type LeaveContents struct {
	ClientId Id `json:"clientId"`
}

func ToRecord(message any) (*Record, error) {
	var recordType RecordType
	switch message.(type) {
	case *ConnectRequest:
		recordType = RecordTypeConnectRequest
	case *ConnectAccept:
		recordType = RecordTypeConnectAccept
	case *ConnectNack:
		recordType = RecordTypeConnectNack
	case *SubmitRecord:
		recordType = RecordTypeSubmit
	case *SequencedMessage:
		recordType = RecordTypeMessage
	case *CaughtUp:
		recordType = RecordTypeCaughtUp
	default:
		return nil, fmt.Errorf("cannot encode record type %T", message)
	}
	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Record{
		RecordType: recordType,
		Body:       body,
	}, nil
}

func FromRecord(record *Record) (any, error) {
	var message any
	switch record.RecordType {
	case RecordTypeConnectRequest:
		message = &ConnectRequest{}
	case RecordTypeConnectAccept:
		message = &ConnectAccept{}
	case RecordTypeConnectNack:
		message = &ConnectNack{}
	case RecordTypeSubmit:
		message = &SubmitRecord{}
	case RecordTypeMessage:
		message = &SequencedMessage{}
	case RecordTypeCaughtUp:
		message = &CaughtUp{}
	default:
		return nil, fmt.Errorf("cannot decode record type %s", record.RecordType)
	}
	if err := json.Unmarshal(record.Body, message); err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeRecord(message any) ([]byte, error) {
	record, err := ToRecord(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record)
}

func DecodeRecord(b []byte) (any, error) {
	record := &Record{}
	if err := json.Unmarshal(b, record); err != nil {
		return nil, err
	}
	return FromRecord(record)
}

func parseContents[T any](contents json.RawMessage) (*T, error) {
	var parsed T
	if err := json.Unmarshal(contents, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// ByteCount of a message as queued locally.
func messageByteCount(contents json.RawMessage) ByteCount {
	return ByteCount(len(contents))
}
