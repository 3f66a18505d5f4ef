package adapter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"openfms/netcore/internal/frame"
	"openfms/netcore/internal/protocol"
)

// GT06 protocol numbers
const (
	GT06Login     byte = 0x01
	GT06Location  byte = 0x12
	GT06Heartbeat byte = 0x13
	GT06Alarm     byte = 0x16
	GT06Command   byte = 0x80
	GT06Response  byte = 0x15
)

// GT06Adapter implements protocol.Adapter for GT06 trackers.
//
// Frame layout: 0x78 0x78 + length(1) + protocol(1) + content(N) +
// serial(2) + crc(2) + 0x0D 0x0A, where length counts protocol through crc.
type GT06Adapter struct {
	serial atomic.Uint32
}

// NewGT06Adapter creates a new GT06 adapter
func NewGT06Adapter() *GT06Adapter {
	return &GT06Adapter{}
}

func (a *GT06Adapter) Protocol() string { return "GT06" }

// Format frames on the length byte; the trailing 0x0D 0x0A is not counted.
func (a *GT06Adapter) Format() frame.Format {
	return frame.HeaderLength{Offset: 2, Size: 1, BigEndian: true, Adjust: 2}
}

// Match reports whether header starts a GT06 frame.
func (a *GT06Adapter) Match(header []byte) bool {
	return len(header) >= 2 && header[0] == 0x78 && header[1] == 0x78
}

func (a *GT06Adapter) check(packet []byte) error {
	if len(packet) < 10 {
		return errShortPacket
	}
	if !a.Match(packet) {
		return errors.New("invalid header")
	}
	n := int(packet[2])
	if len(packet) != n+5 {
		return fmt.Errorf("length %d does not match frame of %d bytes", n, len(packet))
	}
	want := binary.BigEndian.Uint16(packet[n+1 : n+3])
	if crcITU(packet[2:n+1]) != want {
		return errChecksum
	}
	return nil
}

// Decode translates a GT06 frame to a standard message.
func (a *GT06Adapter) Decode(packet []byte) (*protocol.StandardMessage, error) {
	if err := a.check(packet); err != nil {
		return nil, err
	}
	n := int(packet[2])
	protocolNum := packet[3]
	content := packet[4 : n-1]

	msg := &protocol.StandardMessage{
		Timestamp: time.Now().Unix(),
		Extras: map[string]interface{}{
			"serial": binary.BigEndian.Uint16(packet[n-1 : n+1]),
		},
	}

	switch protocolNum {
	case GT06Login:
		msg.Type = protocol.MsgTypeAuth
		if len(content) >= 8 {
			msg.DeviceID = bcdToString(content[:8])
		}

	case GT06Location, GT06Alarm:
		msg.Type = protocol.MsgTypeLocation
		if protocolNum == GT06Alarm {
			msg.Type = protocol.MsgTypeAlarm
		}
		if err := a.parseLocation(content, msg); err != nil {
			return nil, err
		}

	case GT06Heartbeat:
		msg.Type = protocol.MsgTypeHeartbeat
		if len(content) >= 1 {
			info := content[0]
			msg.Extras["acc_on"] = info&0x02 != 0
			msg.Extras["charging"] = info&0x04 != 0
		}
		if len(content) >= 2 {
			msg.Extras["voltage_level"] = content[1]
		}

	case GT06Response:
		msg.Type = protocol.MsgTypeAck
		if len(content) >= 5 {
			msg.Extras["server_flag"] = binary.BigEndian.Uint32(content[1:5])
			msg.Extras["response"] = string(content[5:])
		}

	default:
		msg.Type = protocol.MsgTypeUnknown
		msg.Extras["protocol_number"] = protocolNum
	}

	return msg, nil
}

func (a *GT06Adapter) parseLocation(content []byte, msg *protocol.StandardMessage) error {
	if len(content) < 18 {
		return errors.New("location content too short")
	}
	msg.Timestamp = parseDateTime(content[0:6])
	msg.Extras["satellites"] = content[6] & 0x0F

	// Half-milliseconds of arc: value / 30000 / 60 degrees.
	msg.Lat = float64(binary.BigEndian.Uint32(content[7:11])) / 30000.0 / 60.0
	msg.Lon = float64(binary.BigEndian.Uint32(content[11:15])) / 30000.0 / 60.0
	msg.Speed = float64(content[15])

	course := binary.BigEndian.Uint16(content[16:18])
	msg.Direction = float64(course & 0x3FF)
	msg.Extras["location_valid"] = course&0x1000 != 0
	if course&0x0400 == 0 {
		msg.Lat = -msg.Lat
	}
	if course&0x0800 != 0 {
		msg.Lon = -msg.Lon
	}
	return nil
}

// Encode builds a server command.
func (a *GT06Adapter) Encode(cmd protocol.StandardCommand) ([]byte, error) {
	switch cmd.Type {
	case protocol.CmdAuthAck:
		return a.buildPacket(GT06Login, nil, a.next()), nil

	case protocol.CmdHeartbeatAck:
		return a.buildPacket(GT06Heartbeat, nil, a.next()), nil

	case protocol.CmdText:
		text, _ := cmd.Params["text"].(string)
		if text == "" {
			return nil, errors.New("gt06: TEXT needs a text parameter")
		}
		flag, _ := paramUint(cmd.Params, "server_flag")
		content := make([]byte, 5, 5+len(text))
		content[0] = byte(4 + len(text))
		binary.BigEndian.PutUint32(content[1:5], uint32(flag))
		content = append(content, text...)
		return a.buildPacket(GT06Command, content, a.next()), nil

	default:
		return nil, fmt.Errorf("unsupported command: %s", cmd.Type)
	}
}

func (a *GT06Adapter) IsHeartbeat(packet []byte) bool {
	return len(packet) > 3 && packet[3] == GT06Heartbeat
}

// Ack answers login and heartbeat frames, echoing their serial number.
func (a *GT06Adapter) Ack(packet []byte) ([]byte, error) {
	if err := a.check(packet); err != nil {
		return nil, err
	}
	switch proto := packet[3]; proto {
	case GT06Login, GT06Heartbeat, GT06Alarm:
		n := int(packet[2])
		return a.buildPacket(proto, nil, binary.BigEndian.Uint16(packet[n-1:n+1])), nil
	default:
		return nil, nil
	}
}

// Acknowledges matches a terminal response to a command by server flag.
func (a *GT06Adapter) Acknowledges(request []byte, msg *protocol.StandardMessage) bool {
	if msg == nil || msg.Type != protocol.MsgTypeAck || len(request) < 9 || request[3] != GT06Command {
		return false
	}
	flag, _ := msg.Extras["server_flag"].(uint32)
	return flag == binary.BigEndian.Uint32(request[5:9])
}

func (a *GT06Adapter) next() uint16 {
	return uint16(a.serial.Add(1))
}

func (a *GT06Adapter) buildPacket(proto byte, content []byte, serial uint16) []byte {
	n := 1 + len(content) + 2 + 2
	packet := make([]byte, 0, n+5)
	packet = append(packet, 0x78, 0x78, byte(n), proto)
	packet = append(packet, content...)
	packet = binary.BigEndian.AppendUint16(packet, serial)
	packet = binary.BigEndian.AppendUint16(packet, crcITU(packet[2:]))
	return append(packet, 0x0D, 0x0A)
}

// parseDateTime decodes YY MM DD hh mm ss.
func parseDateTime(data []byte) int64 {
	if len(data) < 6 {
		return time.Now().Unix()
	}
	t := time.Date(2000+int(data[0]), time.Month(data[1]), int(data[2]),
		int(data[3]), int(data[4]), int(data[5]), 0, time.UTC)
	return t.Unix()
}

// crcITU is CRC-16/X-25 as used by GT06.
func crcITU(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
