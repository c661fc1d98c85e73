package mqttbroker

import (
	"errors"
	"fmt"
	"io"
)

// Control packet types used by the broker.
const (
	packetConnect     byte = 1
	packetConnAck     byte = 2
	packetPublish     byte = 3
	packetPubAck      byte = 4
	packetSubscribe   byte = 8
	packetSubAck      byte = 9
	packetUnsubscribe byte = 10
	packetUnsubAck    byte = 11
	packetPingReq     byte = 12
	packetPingResp    byte = 13
	packetDisconnect  byte = 14
)

// maxPacketSize caps the remaining length accepted from clients.
const maxPacketSize = 256 * 1024

var (
	errMalformedLength = errors.New("malformed remaining length")
	errPacketTooLarge  = errors.New("packet exceeds size limit")
)

// PublishMessage represents a publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	PacketID uint16
	Retain   bool
}

type connectPacket struct {
	clientID  string
	keepAlive uint16
	username  string
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectPacket{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectPacket{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0x01 != 0 {
		return connectPacket{}, fmt.Errorf("reserved connect flag set")
	}
	if flags&0x04 != 0 {
		return connectPacket{}, fmt.Errorf("will messages are not supported")
	}

	keepAlive, err := rd.readUint16()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}

	pkt := connectPacket{clientID: clientID, keepAlive: keepAlive}

	// Credentials are read so the packet is consumed; the broker does not authenticate.
	if flags&0x80 != 0 {
		if pkt.username, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&0x40 != 0 {
		if _, err := rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}

	return pkt, nil
}

func parsePublish(header byte, payload []byte) (PublishMessage, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return PublishMessage{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, fmt.Errorf("read topic: %w", err)
	}
	if err := validateTopicName(topic); err != nil {
		return PublishMessage{}, err
	}

	msg := PublishMessage{Topic: topic, QoS: qos, Retain: header&0x01 != 0}
	if qos > 0 {
		if msg.PacketID, err = rd.readUint16(); err != nil {
			return PublishMessage{}, fmt.Errorf("read packet id: %w", err)
		}
	}

	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, nil
}

type subscribeRequest struct {
	packetID uint16
	filters  []string
}

func parseSubscribe(payload []byte) (subscribeRequest, error) {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return subscribeRequest{}, fmt.Errorf("read packet id: %w", err)
	}

	req := subscribeRequest{packetID: packetID}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return subscribeRequest{}, fmt.Errorf("read topic filter: %w", err)
		}
		if _, err := rd.readByte(); err != nil {
			return subscribeRequest{}, fmt.Errorf("read requested qos: %w", err)
		}
		req.filters = append(req.filters, filter)
	}
	if len(req.filters) == 0 {
		return subscribeRequest{}, fmt.Errorf("subscribe without topic filters")
	}
	return req, nil
}

func parseUnsubscribe(payload []byte) (subscribeRequest, error) {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return subscribeRequest{}, fmt.Errorf("read packet id: %w", err)
	}

	req := subscribeRequest{packetID: packetID}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return subscribeRequest{}, fmt.Errorf("read topic filter: %w", err)
		}
		req.filters = append(req.filters, filter)
	}
	return req, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

// buildSubAck grants QoS 0 for valid filters and 0x80 for rejected ones.
func buildSubAck(packetID uint16, granted []bool) []byte {
	remaining := 2 + len(granted)
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetSubAck<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	for _, ok := range granted {
		if ok {
			packet = append(packet, 0x00)
		} else {
			packet = append(packet, 0x80)
		}
	}
	return packet
}

func buildAck(packetType byte, packetID uint16) []byte {
	return []byte{packetType << 4, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
}

func connAck(returnCode byte) []byte {
	return []byte{packetConnAck << 4, 0x02, 0x00, returnCode}
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readRemainingLength(r io.ByteReader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			if value > maxPacketSize {
				return 0, errPacketTooLarge
			}
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errMalformedLength
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
