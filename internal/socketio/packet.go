package socketio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Engine.IO v4 packet types, sent as the first byte of every websocket frame.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// PacketType is a Socket.IO v5 packet type, carried inside an Engine.IO message.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
)

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketEvent:
		return "EVENT"
	case PacketAck:
		return "ACK"
	case PacketConnectError:
		return "CONNECT_ERROR"
	default:
		return fmt.Sprintf("PacketType(%q)", byte(t))
	}
}

const defaultNamespace = "/"

// NoAck marks a packet that carries no acknowledgement id.
const NoAck = -1

var (
	ErrEmptyPacket     = errors.New("socketio: empty packet")
	ErrUnknownPacket   = errors.New("socketio: unknown packet type")
	ErrMalformedPacket = errors.New("socketio: malformed packet")
)

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	AckID     int
	Data      json.RawMessage
}

// Handshake is the payload of the Engine.IO open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

func parseHandshake(data []byte) (Handshake, error) {
	var h Handshake
	if len(data) == 0 || data[0] != engineOpen {
		return h, fmt.Errorf("%w: expected open packet", ErrMalformedPacket)
	}
	if err := json.Unmarshal(data[1:], &h); err != nil {
		return h, fmt.Errorf("parsing handshake: %w", err)
	}
	if h.SID == "" {
		return h, fmt.Errorf("%w: handshake without sid", ErrMalformedPacket)
	}
	return h, nil
}

// EncodePacket renders p as an Engine.IO message frame ("4" + Socket.IO packet).
func EncodePacket(p Packet) []byte {
	var buf bytes.Buffer
	buf.WriteByte(engineMessage)
	buf.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != defaultNamespace {
		buf.WriteString(p.Namespace)
		buf.WriteByte(',')
	}
	if p.AckID >= 0 {
		buf.WriteString(strconv.Itoa(p.AckID))
	}
	buf.Write(p.Data)
	return buf.Bytes()
}

// DecodePacket parses a Socket.IO packet. The leading Engine.IO message byte
// must already be stripped.
func DecodePacket(data []byte) (Packet, error) {
	p := Packet{Namespace: defaultNamespace, AckID: NoAck}
	if len(data) == 0 {
		return p, ErrEmptyPacket
	}
	p.Type = PacketType(data[0])
	switch p.Type {
	case PacketConnect, PacketDisconnect, PacketEvent, PacketAck, PacketConnectError:
	default:
		return p, fmt.Errorf("%w: %q", ErrUnknownPacket, data[0])
	}
	rest := data[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			// "1/admin" is a valid namespace-only packet
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(string(rest[:i]))
		if err != nil {
			return p, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		p.AckID = id
		rest = rest[i:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return p, fmt.Errorf("%w: invalid json payload", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EventPacket builds an EVENT packet for name with the given arguments.
func EventPacket(namespace, name string, args ...any) (Packet, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, name)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return Packet{}, fmt.Errorf("encoding event %s: %w", name, err)
	}
	return Packet{Type: PacketEvent, Namespace: namespace, AckID: NoAck, Data: data}, nil
}

// Event splits an EVENT packet's payload into its name and arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, fmt.Errorf("%w: %s is not an event", ErrMalformedPacket, p.Type)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(p.Data, &items); err != nil {
		return "", nil, fmt.Errorf("%w: event payload: %v", ErrMalformedPacket, err)
	}
	if len(items) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", ErrMalformedPacket, err)
	}
	return name, items[1:], nil
}
