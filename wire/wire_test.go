package wire

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame := &Frame{
		MsgType:       MsgRequest,
		CorrelationID: 12345,
		Header: map[string]any{
			HeaderTarget:    "Arith/default/Add",
			HeaderUserAgent: "rap-go",
		},
		Body: map[string]any{
			"call_id": int64(-1),
			"param":   []any{int64(1), int64(2)},
		},
	}

	data, err := Encode(frame)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var dec Decoder
	frames, err := dec.Feed(data)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	got := frames[0]

	if got.MsgType != frame.MsgType {
		t.Errorf("MsgType mismatch: got %v, want %v", got.MsgType, frame.MsgType)
	}
	if got.CorrelationID != frame.CorrelationID {
		t.Errorf("CorrelationID mismatch: got %d, want %d", got.CorrelationID, frame.CorrelationID)
	}
	if got.Target() != "Arith/default/Add" {
		t.Errorf("Target mismatch: got %s", got.Target())
	}
	body, ok := got.Body.(map[string]any)
	if !ok {
		t.Fatalf("expected map body, got %T", got.Body)
	}
	if body["call_id"].(int64) != -1 {
		t.Errorf("call_id mismatch: got %v", body["call_id"])
	}

	t.Logf("Pass all the test for Encode/Decode round trip!")
}

func TestDecoderFeedsIncrementally(t *testing.T) {
	frame := &Frame{MsgType: ServerEvent, CorrelationID: 2, Header: map[string]any{}, Body: "ping"}
	data, err := Encode(frame)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var dec Decoder
	// Feed one byte at a time; no frame should complete early.
	var got []*Frame
	for i := 0; i < len(data); i++ {
		frames, err := dec.Feed(data[i : i+1])
		if err != nil {
			t.Fatalf("Feed failed at byte %d: %v", i, err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 frame once fully fed, got %d", len(got))
	}
	if got[0].Body.(string) != "ping" {
		t.Errorf("body mismatch: got %v", got[0].Body)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	bad := []byte{0x00, 0x00, 0x00, Version, 0, 0, 0, 0}
	var dec Decoder
	_, err := dec.Feed(bad)
	if err == nil {
		t.Fatal("expected error for invalid magic number, got nil")
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	bad := []byte{MagicByte1, MagicByte2, MagicByte3, 0xFF, 0, 0, 0, 0}
	var dec Decoder
	_, err := dec.Feed(bad)
	if err == nil {
		t.Fatal("expected error for invalid version, got nil")
	}
}

func TestFeedEOFOnTruncatedFrame(t *testing.T) {
	frame := &Frame{MsgType: MsgRequest, CorrelationID: 1, Header: map[string]any{}, Body: "x"}
	data, err := Encode(frame)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var dec Decoder
	if _, err := dec.Feed(data[:len(data)-1]); err != nil {
		t.Fatalf("partial feed should not error: %v", err)
	}
	if err := dec.FeedEOF(); err == nil {
		t.Fatal("expected ErrProtocol on truncated frame at EOF")
	}
}

func TestEncodeDecodeNestedValues(t *testing.T) {
	frame := &Frame{
		MsgType:       ChannelRequest,
		CorrelationID: 7,
		Header:        map[string]any{HeaderChannelLifeCycle: "msg"},
		Body: map[string]any{
			"nested": []any{
				map[string]any{"a": int64(1)},
				"hello!",
				3.5,
				true,
				nil,
			},
		},
	}
	data, err := Encode(frame)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var dec Decoder
	frames, err := dec.Feed(data)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	body := frames[0].Body.(map[string]any)
	nested := body["nested"].([]any)
	if len(nested) != 5 {
		t.Fatalf("expected 5 nested elements, got %d", len(nested))
	}
	if nested[1].(string) != "hello!" {
		t.Errorf("string element mismatch: got %v", nested[1])
	}
	if nested[3].(bool) != true {
		t.Errorf("bool element mismatch: got %v", nested[3])
	}
	if nested[4] != nil {
		t.Errorf("nil element mismatch: got %v", nested[4])
	}
}

func TestEncodeIsDeterministicAcrossMultiKeyMaps(t *testing.T) {
	frame := &Frame{
		MsgType:       MsgRequest,
		CorrelationID: 99,
		Header: map[string]any{
			HeaderTarget:    "Arith/default/Add",
			HeaderUserAgent: "rap-go",
			HeaderHost:      "127.0.0.1",
			HeaderRequestID: "req-1",
			HeaderDeadline:  int64(1000),
		},
		Body: map[string]any{
			"zeta":  int64(1),
			"alpha": int64(2),
			"mu":    int64(3),
		},
	}
	first, err := Encode(frame)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Encode(frame)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("Encode produced different bytes on repeated calls (iteration %d)", i)
		}
	}
}
