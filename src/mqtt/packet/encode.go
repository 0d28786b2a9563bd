package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// WritePacket serializes p as a framed MQTT control packet and writes it to w.
func WritePacket(w io.Writer, p Packet) error {
	var body bytes.Buffer
	flags := byte(0)

	switch pkt := p.(type) {
	case Connect:
		if err := encodeConnect(&body, pkt); err != nil {
			return err
		}
	case ConnAck:
		sp := byte(0)
		if pkt.SessionPresent {
			sp = 1
		}
		body.WriteByte(sp)
		body.WriteByte(pkt.ReturnCode)
	case Publish:
		flags = encodePublishFlags(pkt)
		if err := encodePublish(&body, pkt); err != nil {
			return err
		}
	case PubAck:
		writeUint16(&body, pkt.PacketID)
	case PubRec:
		writeUint16(&body, pkt.PacketID)
	case PubRel:
		flags = 0x02
		writeUint16(&body, pkt.PacketID)
	case PubComp:
		writeUint16(&body, pkt.PacketID)
	case Subscribe:
		flags = 0x02
		writeUint16(&body, pkt.PacketID)
		for _, s := range pkt.Subscriptions {
			if err := writeString(&body, s.TopicFilter); err != nil {
				return err
			}
			body.WriteByte(byte(s.QoS))
		}
	case SubAck:
		writeUint16(&body, pkt.PacketID)
		body.Write(pkt.ReturnCodes)
	case Unsubscribe:
		flags = 0x02
		writeUint16(&body, pkt.PacketID)
		for _, f := range pkt.TopicFilters {
			if err := writeString(&body, f); err != nil {
				return err
			}
		}
	case UnsubAck:
		writeUint16(&body, pkt.PacketID)
	case PingReq:
	case PingResp:
	case Disconnect:
	default:
		return newEncodeError("unknown packet type", nil)
	}

	header := byte(p.Type())<<4 | flags
	if _, err := w.Write([]byte{header}); err != nil {
		return newEncodeError("writing fixed header", err)
	}
	if err := writeRemainingLength(w, body.Len()); err != nil {
		return err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return newEncodeError("writing packet body", err)
	}
	return nil
}

func encodePublishFlags(p Publish) byte {
	var f byte
	if p.Dup {
		f |= 0x08
	}
	f |= byte(p.QoS) << 1
	if p.Retain {
		f |= 0x01
	}
	return f
}

func encodePublish(buf *bytes.Buffer, p Publish) error {
	if err := writeString(buf, p.Topic); err != nil {
		return err
	}
	if p.QoS > QoS0 {
		writeUint16(buf, p.PacketID)
	}
	buf.Write(p.Payload)
	return nil
}

func encodeConnect(buf *bytes.Buffer, c Connect) error {
	if err := writeString(buf, "MQTT"); err != nil {
		return err
	}
	buf.WriteByte(4) // protocol level

	var flags byte
	if c.CleanSession {
		flags |= 0x02
	}
	if c.WillTopic != nil {
		flags |= 0x04
		flags |= byte(c.WillQoS) << 3
		if c.WillRetain {
			flags |= 0x20
		}
	}
	if c.Password != nil {
		flags |= 0x40
	}
	if c.Username != nil {
		flags |= 0x80
	}
	buf.WriteByte(flags)
	writeUint16(buf, c.KeepAlive)

	if err := writeString(buf, c.ClientID); err != nil {
		return err
	}
	if c.WillTopic != nil {
		if err := writeString(buf, *c.WillTopic); err != nil {
			return err
		}
		if err := writeBinary(buf, c.WillPayload); err != nil {
			return err
		}
	}
	if c.Username != nil {
		if err := writeString(buf, *c.Username); err != nil {
			return err
		}
	}
	if c.Password != nil {
		if err := writeBinary(buf, c.Password); err != nil {
			return err
		}
	}
	return nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeBinary(buf *bytes.Buffer, data []byte) error {
	if len(data) > 0xffff {
		return newEncodeError("binary field exceeds 65535 bytes", nil)
	}
	writeUint16(buf, uint16(len(data)))
	buf.Write(data)
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	return writeBinary(buf, []byte(s))
}
