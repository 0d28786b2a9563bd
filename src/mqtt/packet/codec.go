package packet

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/sandrolain/mqtt-edgebroker/src/security/validation"
)

// ReadPacket reads one framed MQTT control packet from r. Any error
// returned is a *DecodeError and is fatal to the connection (spec.md §4.1).
func ReadPacket(r io.Reader) (Packet, error) {
	header := make([]byte, 1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, newDecodeError("reading fixed header", err)
	}
	typ := Type(header[0] >> 4)
	flags := header[0] & 0x0f

	remaining, err := readRemainingLength(r)
	if err != nil {
		return nil, newDecodeError("reading remaining length", err)
	}
	if err := validation.ValidateMessageDataSize(remaining); err != nil {
		return nil, newDecodeError("packet body", err)
	}

	body := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, newDecodeError("reading packet body", err)
		}
	}

	return decodeBody(typ, flags, body)
}

func decodeBody(typ Type, flags byte, body []byte) (Packet, error) {
	br := bytes.NewReader(body)
	switch typ {
	case TypeConnect:
		return decodeConnect(br)
	case TypePublish:
		return decodePublish(flags, body, br)
	case TypePubAck:
		id, err := readUint16(br)
		if err != nil {
			return nil, newDecodeError("PUBACK packet id", err)
		}
		return PubAck{PacketID: id}, nil
	case TypePubRec:
		id, err := readUint16(br)
		if err != nil {
			return nil, newDecodeError("PUBREC packet id", err)
		}
		return PubRec{PacketID: id}, nil
	case TypePubRel:
		id, err := readUint16(br)
		if err != nil {
			return nil, newDecodeError("PUBREL packet id", err)
		}
		return PubRel{PacketID: id}, nil
	case TypePubComp:
		id, err := readUint16(br)
		if err != nil {
			return nil, newDecodeError("PUBCOMP packet id", err)
		}
		return PubComp{PacketID: id}, nil
	case TypeSubscribe:
		return decodeSubscribe(br)
	case TypeUnsubscribe:
		return decodeUnsubscribe(br)
	case TypePingReq:
		return PingReq{}, nil
	case TypePingResp:
		return PingResp{}, nil
	case TypeDisconnect:
		return Disconnect{}, nil
	case TypeConnAck:
		if br.Len() < 2 {
			return nil, newDecodeError("CONNACK too short", nil)
		}
		flagsByte, _ := br.ReadByte()
		code, _ := br.ReadByte()
		return ConnAck{SessionPresent: flagsByte&0x01 != 0, ReturnCode: code}, nil
	case TypeSubAck:
		id, err := readUint16(br)
		if err != nil {
			return nil, newDecodeError("SUBACK packet id", err)
		}
		codes := make([]byte, br.Len())
		_, _ = br.Read(codes)
		return SubAck{PacketID: id, ReturnCodes: codes}, nil
	case TypeUnsubAck:
		id, err := readUint16(br)
		if err != nil {
			return nil, newDecodeError("UNSUBACK packet id", err)
		}
		return UnsubAck{PacketID: id}, nil
	default:
		return nil, newDecodeError("unknown packet type", nil)
	}
}

func decodeConnect(br *bytes.Reader) (Packet, error) {
	protoName, err := readString(br)
	if err != nil {
		return nil, newDecodeError("CONNECT protocol name", err)
	}
	if protoName != "MQTT" {
		return nil, newDecodeError("unsupported protocol name: "+protoName, nil)
	}
	level, err := br.ReadByte()
	if err != nil {
		return nil, newDecodeError("CONNECT protocol level", err)
	}
	if level != 4 {
		return nil, newDecodeError("unsupported protocol level", nil)
	}
	connectFlags, err := br.ReadByte()
	if err != nil {
		return nil, newDecodeError("CONNECT flags", err)
	}
	keepAlive, err := readUint16(br)
	if err != nil {
		return nil, newDecodeError("CONNECT keep alive", err)
	}

	clientID, err := readString(br)
	if err != nil {
		return nil, newDecodeError("CONNECT client id", err)
	}

	c := Connect{
		ClientID:     clientID,
		CleanSession: connectFlags&0x02 != 0,
		KeepAlive:    keepAlive,
	}

	willFlag := connectFlags&0x04 != 0
	if willFlag {
		c.WillQoS = QoS((connectFlags >> 3) & 0x03)
		c.WillRetain = connectFlags&0x20 != 0
		topic, err := readString(br)
		if err != nil {
			return nil, newDecodeError("CONNECT will topic", err)
		}
		payload, err := readBinary(br)
		if err != nil {
			return nil, newDecodeError("CONNECT will payload", err)
		}
		c.WillTopic = &topic
		c.WillPayload = payload
	}

	if connectFlags&0x80 != 0 {
		username, err := readString(br)
		if err != nil {
			return nil, newDecodeError("CONNECT username", err)
		}
		c.Username = &username
	}
	if connectFlags&0x40 != 0 {
		password, err := readBinary(br)
		if err != nil {
			return nil, newDecodeError("CONNECT password", err)
		}
		c.Password = password
	}

	return c, nil
}

func decodePublish(flags byte, body []byte, br *bytes.Reader) (Packet, error) {
	p := Publish{
		Dup:    flags&0x08 != 0,
		QoS:    QoS((flags >> 1) & 0x03),
		Retain: flags&0x01 != 0,
	}
	topic, err := readString(br)
	if err != nil {
		return nil, newDecodeError("PUBLISH topic", err)
	}
	p.Topic = topic

	if p.QoS > QoS0 {
		id, err := readUint16(br)
		if err != nil {
			return nil, newDecodeError("PUBLISH packet id", err)
		}
		p.PacketID = id
	}

	remaining := body[len(body)-br.Len():]
	p.Payload = append([]byte(nil), remaining...)
	return p, nil
}

func decodeSubscribe(br *bytes.Reader) (Packet, error) {
	id, err := readUint16(br)
	if err != nil {
		return nil, newDecodeError("SUBSCRIBE packet id", err)
	}
	s := Subscribe{PacketID: id}
	for br.Len() > 0 {
		filter, err := readString(br)
		if err != nil {
			return nil, newDecodeError("SUBSCRIBE topic filter", err)
		}
		qosByte, err := br.ReadByte()
		if err != nil {
			return nil, newDecodeError("SUBSCRIBE qos", err)
		}
		s.Subscriptions = append(s.Subscriptions, Subscription{TopicFilter: filter, QoS: QoS(qosByte & 0x03)})
	}
	if len(s.Subscriptions) == 0 {
		return nil, newDecodeError("SUBSCRIBE with no topic filters", nil)
	}
	return s, nil
}

func decodeUnsubscribe(br *bytes.Reader) (Packet, error) {
	id, err := readUint16(br)
	if err != nil {
		return nil, newDecodeError("UNSUBSCRIBE packet id", err)
	}
	u := Unsubscribe{PacketID: id}
	for br.Len() > 0 {
		filter, err := readString(br)
		if err != nil {
			return nil, newDecodeError("UNSUBSCRIBE topic filter", err)
		}
		u.TopicFilters = append(u.TopicFilters, filter)
	}
	if len(u.TopicFilters) == 0 {
		return nil, newDecodeError("UNSUBSCRIBE with no topic filters", nil)
	}
	return u, nil
}

func readUint16(r io.Reader) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

func readBinary(r io.Reader) ([]byte, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func readString(r io.Reader) (string, error) {
	buf, err := readBinary(r)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
