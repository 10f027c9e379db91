// Package wire implements the length-prefixed, self-described binary frame
// protocol for rap.
//
// Every frame carries exactly one top-level 4-tuple: (msg_type,
// correlation_id, header, body). The header is a string-keyed map of
// arbitrary values; the body's shape depends on msg_type and target. Both
// are encoded with a small tagged binary serializer (one byte type tag per
// value) so the wire format can carry nested maps/lists/ints/strings/bytes
// without a schema, the way the teacher's codec.BinaryCodec hand-rolls a
// binary encoding for its fixed RPCMessage shape — generalized here to
// arbitrary values.
//
// Frame layout on the wire:
//
//	0      3  4         8
//	┌──────┬──┬─────────┬──────────────┐
//	│magic │v │ frameLen│ tagged tuple │
//	│ rap  │01│ uint32  │  ...         │
//	└──────┴──┴─────────┴──────────────┘
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Magic bytes identify a rap frame: "rap". Used to reject connections from
// unrelated protocols hitting the same port, mirroring protocol.MagicNumber
// in the teacher.
const (
	MagicByte1 byte = 0x72 // 'r'
	MagicByte2 byte = 0x61 // 'a'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01

	// magicSize + version + 4-byte frame length.
	frameHeaderSize = 3 + 1 + 4
)

// MsgType is the closed set of frame kinds from spec §6.
type MsgType byte

const (
	ServerErrorResponse MsgType = 100
	MsgRequest          MsgType = 101
	ChannelRequest      MsgType = 102
	ClientEvent         MsgType = 103
	MsgResponse         MsgType = 201
	ChannelResponse     MsgType = 202
	ServerEvent         MsgType = 203
)

func (t MsgType) String() string {
	switch t {
	case ServerErrorResponse:
		return "SERVER_ERROR_RESPONSE"
	case MsgRequest:
		return "MSG_REQUEST"
	case ChannelRequest:
		return "CHANNEL_REQUEST"
	case ClientEvent:
		return "CLIENT_EVENT"
	case MsgResponse:
		return "MSG_RESPONSE"
	case ChannelResponse:
		return "CHANNEL_RESPONSE"
	case ServerEvent:
		return "SERVER_EVENT"
	default:
		return fmt.Sprintf("MsgType(%d)", t)
	}
}

// Reserved header keys, spec §3.
const (
	HeaderTarget           = "target"
	HeaderStatusCode       = "status_code"
	HeaderHost             = "host"
	HeaderVersion          = "version"
	HeaderUserAgent        = "user_agent"
	HeaderRequestID        = "request_id"
	HeaderChannelLifeCycle = "channel_life_cycle"
	HeaderChannelID        = "channel_id"
	HeaderDeadline         = "X-rap-deadline"
)

// Reserved event function names, spec §6.
const (
	EventDeclare       = "declare"
	EventPing          = "ping"
	EventCloseConn     = "event_close_conn"
	DefaultGroup       = "default"
	ProtocolVersionTag = "0.1"
)

// ErrProtocol is returned for malformed top-level shape or a truncated frame
// observed at connection close (spec §4.1).
var ErrProtocol = errors.New("wire: malformed or truncated frame")

// Frame is the wire message 4-tuple.
type Frame struct {
	MsgType       MsgType
	CorrelationID uint16
	Header        map[string]any
	Body          any
}

// Target returns "<server>/<group>/<func>" from the header, if present.
func (f *Frame) Target() string {
	if f.Header == nil {
		return ""
	}
	t, _ := f.Header[HeaderTarget].(string)
	return t
}

// Encode serializes a frame to a length-prefixed binary buffer. Map keys are
// sorted before encoding so the same *Frame always produces the same byte
// string (spec §4.1's "deterministic byte strings"), independent of Go's
// randomized map iteration order.
func Encode(f *Frame) ([]byte, error) {
	body, err := encodeValue([]any{int64(f.MsgType), int64(f.CorrelationID), headerToValue(f.Header), f.Body})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, frameHeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[8:], body)
	return buf, nil
}

func headerToValue(h map[string]any) any {
	if h == nil {
		return map[string]any{}
	}
	return h
}

// Decoder incrementally parses a byte stream into complete Frames. Callers
// feed arbitrary chunks (as they arrive off a socket) and receive every
// frame that became complete as a result, mirroring the teacher's
// io.ReadFull-based Decode but adapted to a push model so the reader
// goroutine in package conn never blocks inside the codec.
type Decoder struct {
	buf []byte
}

// Feed appends data to the decoder's internal buffer and returns every
// frame that is now fully available. A malformed header (bad magic/version)
// is reported as ErrProtocol; a frame that will never complete (caller
// observed EOF) should be reported by calling FeedEOF instead.
func (d *Decoder) Feed(data []byte) ([]*Frame, error) {
	d.buf = append(d.buf, data...)
	var frames []*Frame
	for {
		if len(d.buf) < frameHeaderSize {
			return frames, nil
		}
		if d.buf[0] != MagicByte1 || d.buf[1] != MagicByte2 || d.buf[2] != MagicByte3 {
			return frames, fmt.Errorf("%w: bad magic %x", ErrProtocol, d.buf[0:3])
		}
		if d.buf[3] != Version {
			return frames, fmt.Errorf("%w: unsupported version %d", ErrProtocol, d.buf[3])
		}
		bodyLen := binary.BigEndian.Uint32(d.buf[4:8])
		total := frameHeaderSize + int(bodyLen)
		if len(d.buf) < total {
			return frames, nil
		}
		body := d.buf[frameHeaderSize:total]
		frame, err := decodeFrameBody(body)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		d.buf = d.buf[total:]
	}
}

// FeedEOF reports whether the decoder holds a partial, never-to-complete
// frame at connection close (spec §4.1's "truncated frame on close").
func (d *Decoder) FeedEOF() error {
	if len(d.buf) != 0 {
		return fmt.Errorf("%w: truncated frame at close (%d bytes buffered)", ErrProtocol, len(d.buf))
	}
	return nil
}

func decodeFrameBody(body []byte) (*Frame, error) {
	v, rest, err := decodeValue(body)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after tuple", ErrProtocol)
	}
	tuple, ok := v.([]any)
	if !ok || len(tuple) != 4 {
		return nil, fmt.Errorf("%w: top-level value is not a 4-tuple", ErrProtocol)
	}
	msgType, ok := tuple[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: msg_type is not an integer", ErrProtocol)
	}
	correlationID, ok := tuple[1].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: correlation_id is not an integer", ErrProtocol)
	}
	header, _ := tuple[2].(map[string]any)
	return &Frame{
		MsgType:       MsgType(msgType),
		CorrelationID: uint16(correlationID),
		Header:        header,
		Body:          tuple[3],
	}, nil
}

// Tagged value kinds for the self-describing encoder.
const (
	tagNil byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagList
	tagMap
)

func encodeValue(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return []byte{tagNil}, nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return []byte{tagBool, b}, nil
	case int:
		return encodeInt(int64(x)), nil
	case int64:
		return encodeInt(x), nil
	case uint16:
		return encodeInt(int64(x)), nil
	case uint32:
		return encodeInt(int64(x)), nil
	case float64:
		buf := make([]byte, 9)
		buf[0] = tagFloat
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(x))
		return buf, nil
	case string:
		return encodeBytesLike(tagString, []byte(x)), nil
	case []byte:
		return encodeBytesLike(tagBytes, x), nil
	case []any:
		out := []byte{tagList}
		out = binary.BigEndian.AppendUint32(out, uint32(len(x)))
		for _, elem := range x {
			b, err := encodeValue(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte{tagMap}
		out = binary.BigEndian.AppendUint32(out, uint32(len(x)))
		for _, k := range keys {
			kb, _ := encodeValue(k)
			vb, err := encodeValue(x[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, vb...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("wire: unsupported value type %T", v)
	}
}

func encodeInt(x int64) []byte {
	buf := make([]byte, 9)
	buf[0] = tagInt
	binary.BigEndian.PutUint64(buf[1:], uint64(x))
	return buf
}

func encodeBytesLike(tag byte, b []byte) []byte {
	out := []byte{tag}
	out = binary.BigEndian.AppendUint32(out, uint32(len(b)))
	return append(out, b...)
}

func decodeValue(b []byte) (any, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("%w: empty value", ErrProtocol)
	}
	tag, rest := b[0], b[1:]
	switch tag {
	case tagNil:
		return nil, rest, nil
	case tagBool:
		if len(rest) < 1 {
			return nil, nil, fmt.Errorf("%w: truncated bool", ErrProtocol)
		}
		return rest[0] != 0, rest[1:], nil
	case tagInt:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("%w: truncated int", ErrProtocol)
		}
		return int64(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case tagFloat:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("%w: truncated float", ErrProtocol)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case tagString:
		buf, rest, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		return string(buf), rest, nil
	case tagBytes:
		return decodeLenPrefixed(rest)
	case tagList:
		n, rest, err := decodeCount(rest)
		if err != nil {
			return nil, nil, err
		}
		list := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			var v any
			v, rest, err = decodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, v)
		}
		return list, rest, nil
	case tagMap:
		n, rest, err := decodeCount(rest)
		if err != nil {
			return nil, nil, err
		}
		m := make(map[string]any, n)
		for i := uint32(0); i < n; i++ {
			var kv, vv any
			kv, rest, err = decodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			key, ok := kv.(string)
			if !ok {
				return nil, nil, fmt.Errorf("%w: map key is not a string", ErrProtocol)
			}
			vv, rest, err = decodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			m[key] = vv
		}
		return m, rest, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown value tag %d", ErrProtocol, tag)
	}
}

func decodeCount(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("%w: truncated count", ErrProtocol)
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func decodeLenPrefixed(b []byte) ([]byte, []byte, error) {
	n, rest, err := decodeCount(b)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, fmt.Errorf("%w: truncated bytes", ErrProtocol)
	}
	buf := make([]byte, n)
	copy(buf, rest[:n])
	return buf, rest[n:], nil
}

// DebugJSON renders a Frame as human-readable JSON for logging and test
// failure output, mirroring the teacher's codec.JSONCodec (always
// human-debuggable, never the on-wire format). The network always uses the
// tagged binary encoding above; DebugJSON never touches a connection.
func DebugJSON(f *Frame) ([]byte, error) {
	return json.MarshalIndent(struct {
		MsgType       MsgType        `json:"msg_type"`
		CorrelationID uint16         `json:"correlation_id"`
		Header        map[string]any `json:"header"`
		Body          any            `json:"body"`
	}{f.MsgType, f.CorrelationID, f.Header, f.Body}, "", "  ")
}
