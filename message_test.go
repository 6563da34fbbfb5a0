package delta

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/sebdah/goldie/v2"
)

func TestRecordRoundtrip(t *testing.T) {
	resumeFrom := uint64(41)
	request := &ConnectRequest{
		Token:      "session-token",
		InstanceId: NewId(),
		ResumeFrom: &resumeFrom,
	}
	b, err := EncodeRecord(request)
	assert.Equal(t, err, nil)
	decoded, err := DecodeRecord(b)
	assert.Equal(t, err, nil)
	decodedRequest, ok := decoded.(*ConnectRequest)
	assert.Equal(t, ok, true)
	assert.Equal(t, decodedRequest.InstanceId, request.InstanceId)
	assert.Equal(t, *decodedRequest.ResumeFrom, resumeFrom)

	clientId := NewId()
	message := &SequencedMessage{
		SequenceNumber:          42,
		MinimumSequenceNumber:   40,
		ClientId:                &clientId,
		ClientReference:         7,
		ReferenceSequenceNumber: 41,
		MessageType:             MessageTypeOperation,
		Contents:                json.RawMessage(`{"op":"insert"}`),
	}
	b, err = EncodeRecord(message)
	assert.Equal(t, err, nil)
	decoded, err = DecodeRecord(b)
	assert.Equal(t, err, nil)
	decodedMessage, ok := decoded.(*SequencedMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, *decodedMessage.ClientId, clientId)
	assert.Equal(t, decodedMessage.SequenceNumber, uint64(42))
	assert.Equal(t, string(decodedMessage.Contents), `{"op":"insert"}`)

	// authority-originated messages omit the client id entirely
	joinContents, err := json.Marshal(&JoinContents{ClientId: clientId})
	assert.Equal(t, err, nil)
	b, err = EncodeRecord(&SequencedMessage{
		MessageType: MessageTypeJoin,
		Contents:    joinContents,
	})
	assert.Equal(t, err, nil)
	decoded, err = DecodeRecord(b)
	assert.Equal(t, err, nil)
	decodedJoin := decoded.(*SequencedMessage)
	assert.Equal(t, decodedJoin.ClientId == nil, true)
	parsedJoin, err := parseContents[JoinContents](decodedJoin.Contents)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedJoin.ClientId, clientId)
}

func TestRecordErrors(t *testing.T) {
	_, err := DecodeRecord([]byte(`{"type":"bogus","body":{}}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeRecord([]byte(`not json`))
	assert.NotEqual(t, err, nil)

	_, err = ToRecord(&struct{}{})
	assert.NotEqual(t, err, nil)
}

func TestRecordGolden(t *testing.T) {
	resumeFrom := uint64(41)
	clientId := Id{2}
	contents := json.RawMessage(`{"op":"insert","position":4}`)
	joinContents, err := json.Marshal(&JoinContents{ClientId: Id{2}})
	assert.Equal(t, err, nil)

	messages := []any{
		&ConnectRequest{
			Token:      "session-token",
			InstanceId: Id{1},
			ResumeFrom: &resumeFrom,
			ClientDetails: &ClientDetails{
				Environment: "test",
				AppVersion:  "0.1.0",
			},
		},
		&ConnectAccept{
			ClientId:  Id{2},
			SessionId: Id{3},
			Version:   "0.1.0",
		},
		&ConnectNack{
			Reason: "invalid token",
		},
		&SubmitRecord{
			ClientReference:         7,
			ReferenceSequenceNumber: 41,
			MessageType:             MessageTypeOperation,
			Contents:                contents,
		},
		&SequencedMessage{
			SequenceNumber:          42,
			MinimumSequenceNumber:   40,
			ClientId:                &clientId,
			ClientReference:         7,
			ReferenceSequenceNumber: 41,
			MessageType:             MessageTypeOperation,
			Contents:                contents,
		},
		&SequencedMessage{
			MessageType: MessageTypeJoin,
			Contents:    joinContents,
		},
		&CaughtUp{
			NextSequenceNumber: 43,
		},
	}

	out := &bytes.Buffer{}
	for _, message := range messages {
		record, err := ToRecord(message)
		assert.Equal(t, err, nil)
		b, err := json.MarshalIndent(record, "", "  ")
		assert.Equal(t, err, nil)
		out.Write(b)
		out.WriteByte('\n')
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "records", out.Bytes())
}
