package protocol

import (
	"bytes"
	"encoding/json"
)

// Envelope is a decoded frame.
type Envelope struct {
	Token   string
	Payload Payload
}

// Type is the frame type of the decoded payload.
func (e *Envelope) Type() FrameType {
	return e.Payload.FrameType()
}

type factory func() Payload

var inbound = map[FrameType]factory{
	FramePrivateMessage: func() Payload { return &PrivateMessage{} },
	FrameRoomMessage:    func() Payload { return &RoomMessage{} },
	FrameTyping:         func() Payload { return &Typing{} },
	FrameReadReceipt:    func() Payload { return &ReadReceipt{} },
	FrameHeartbeat:      func() Payload { return &Heartbeat{} },
	FrameSubscribe:      func() Payload { return &Subscribe{} },
	FrameUnsubscribe:    func() Payload { return &Unsubscribe{} },
}

var outbound = map[FrameType]factory{
	FramePrivateMessage: func() Payload { return &MessageDelivery{} },
	FrameRoomMessage:    func() Payload { return &RoomMessage{} },
	FrameTyping:         func() Payload { return &Typing{} },
	FrameReadReceipt:    func() Payload { return &ReadReceipt{} },
	FrameHeartbeat:      func() Payload { return &Heartbeat{} },
	FrameAck:            func() Payload { return &Ack{} },
	FrameError:          func() Payload { return &ErrorFrame{} },
}

// DecodeInbound parses and validates a frame sent by a device.
// Malformed or unknown frames yield a protocol error; well-formed frames with
// unacceptable content yield a validation error. The returned envelope is
// non-nil whenever the token could be read, so callers can address the error.
func DecodeInbound(data []byte, limits Limits) (*Envelope, error) {
	env, err := decode(data, inbound)
	if err != nil {
		return env, err
	}
	if err := env.Payload.validate(limits, env.Token); err != nil {
		return env, err
	}
	return env, nil
}

// DecodeOutbound parses a frame sent by the gateway.
func DecodeOutbound(data []byte) (*Envelope, error) {
	return decode(data, outbound)
}

func decode(data []byte, table map[FrameType]factory) (*Envelope, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, Protocol("malformed frame").WithCause(err)
	}
	env := &Envelope{Token: frame.Token}
	if frame.Type == "" {
		return env, Protocol("frame type is required")
	}
	newPayload, ok := table[frame.Type]
	if !ok {
		return env, Protocol("unknown or unsupported frame type").WithDetails(map[string]string{"type": string(frame.Type)})
	}
	payload := newPayload()
	if len(frame.Payload) > 0 && !bytes.Equal(frame.Payload, []byte("null")) {
		if err := json.Unmarshal(frame.Payload, payload); err != nil {
			return env, Protocol("malformed payload").WithCause(err).WithDetails(map[string]string{"type": string(frame.Type)})
		}
	}
	env.Payload = payload
	return env, nil
}

// Encode wraps payload in an envelope. The gateway never emits a frame
// without a type, so a nil payload is an error.
func Encode(payload Payload, token string) ([]byte, error) {
	if payload == nil {
		return nil, Internal("cannot encode a frame without a payload")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Wrap(err, "failed to marshal payload")
	}
	data, err := json.Marshal(Frame{Type: payload.FrameType(), Payload: body, Token: token})
	if err != nil {
		return nil, Wrap(err, "failed to marshal frame")
	}
	return data, nil
}

// Critical reports whether a frame may never be silently dropped from a
// full send buffer.
func Critical(t FrameType) bool {
	switch t {
	case FrameTyping, FrameHeartbeat:
		return false
	}
	return true
}
