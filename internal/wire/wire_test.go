package wire

import (
	"strings"
	"testing"
)

func TestOperationRoundTrip(t *testing.T) {
	op := &Operation{
		Op:          OpSend,
		ChatID:      "c1",
		ClientMsgID: "m1",
		Payload:     &Payload{Body: "hello", Kind: "text"},
		SentAt:      1000,
	}
	data, err := EncodeOperation(op)
	if err != nil {
		t.Fatal(err)
	}
	// The field names are the contract; a rename breaks the server.
	for _, field := range []string{`"operation":"send"`, `"chatId":"c1"`, `"clientMessageId":"m1"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("frame missing %s: %s", field, data)
		}
	}

	got, err := DecodeOperation(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Op != OpSend || got.ChatID != "c1" || got.Payload.Body != "hello" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestEncodeOperationRejectsInvalid(t *testing.T) {
	if _, err := EncodeOperation(&Operation{Op: "teleport", ChatID: "c1"}); err == nil {
		t.Error("unknown operation kind accepted")
	}
	if _, err := EncodeOperation(&Operation{Op: OpSend}); err == nil {
		t.Error("operation without chat id accepted")
	}
}

func TestDecodeOperationRejectsInvalid(t *testing.T) {
	cases := []string{
		`not json`,
		`{"operation":"teleport","chatId":"c1"}`,
		`{"operation":"send"}`,
	}
	for _, c := range cases {
		if _, err := DecodeOperation([]byte(c)); err == nil {
			t.Errorf("accepted %s", c)
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	data := []byte(`{
		"type": "newMessage",
		"chatId": "c1",
		"serverMessageId": "s1",
		"senderId": "alice",
		"payload": {"body": "hi", "kind": "text"},
		"timestamp": 1000
	}`)
	evt, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Type != EventNewMessage || evt.ServerMsgID != "s1" || evt.Payload.Body != "hi" {
		t.Errorf("event = %+v", evt)
	}
}

func TestDecodeEventGapFillBatch(t *testing.T) {
	data := []byte(`{
		"type": "gapFillBatch",
		"chatId": "c1",
		"lastSeq": "s5",
		"batch": [
			{"serverMessageId": "s4", "timestamp": 1003, "payload": {"body": "four"}},
			{"serverMessageId": "s5", "timestamp": 1004, "payload": {"body": "five"}}
		]
	}`)
	evt, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(evt.Batch) != 2 || evt.Batch[1].ServerMsgID != "s5" || evt.LastSeq != "s5" {
		t.Errorf("event = %+v", evt)
	}
}

func TestDecodeEventRejectsInvalid(t *testing.T) {
	cases := []string{
		`{"type":"warp","chatId":"c1"}`,
		`{"type":"newMessage"}`,
		`{"type":"newMessage","chatId":"c1"}`, // no message id at all
		`{"type":"gapFillBatch"}`,
	}
	for _, c := range cases {
		if _, err := DecodeEvent([]byte(c)); err == nil {
			t.Errorf("accepted %s", c)
		}
	}
}

func TestDecodeEventSignalNeedsNoIdentifiers(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"signal","payload":{"body":"typing"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if evt.Payload.Body != "typing" {
		t.Errorf("event = %+v", evt)
	}
}
