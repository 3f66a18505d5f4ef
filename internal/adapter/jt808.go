package adapter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"openfms/netcore/internal/frame"
	"openfms/netcore/internal/protocol"
)

const (
	// JT808 protocol constants
	JT808Header byte = 0x7E

	// Terminal message IDs
	MsgIDTerminalAck      uint16 = 0x0001
	MsgIDHeartbeat        uint16 = 0x0002
	MsgIDTerminalLogout   uint16 = 0x0003
	MsgIDTerminalRegister uint16 = 0x0100
	MsgIDTerminalAuth     uint16 = 0x0102
	MsgIDLocationReport   uint16 = 0x0200

	// Platform message IDs
	MsgIDPlatformGeneralAck uint16 = 0x8001
	MsgIDRegisterAck        uint16 = 0x8100
	MsgIDLocationQuery      uint16 = 0x8201
	MsgIDTextMessage        uint16 = 0x8300

	jt808HeaderLen = 12
)

var (
	errShortPacket = errors.New("packet too short")
	errChecksum    = errors.New("checksum mismatch")
)

// JT808Adapter implements protocol.Adapter for JT/T 808.
type JT808Adapter struct {
	serial atomic.Uint32
}

// NewJT808Adapter creates a new JT808 adapter
func NewJT808Adapter() *JT808Adapter {
	return &JT808Adapter{}
}

func (j *JT808Adapter) Protocol() string { return "JT808" }

func (j *JT808Adapter) Format() frame.Format {
	return frame.Marker{Start: JT808Header, End: JT808Header}
}

// jt808Frame is an unescaped frame without markers and checksum.
type jt808Frame struct {
	msgID  uint16
	phone  []byte
	serial uint16
	body   []byte
}

func (j *JT808Adapter) parse(packet []byte) (*jt808Frame, error) {
	if len(packet) < jt808HeaderLen+3 {
		return nil, errShortPacket
	}
	if packet[0] != JT808Header || packet[len(packet)-1] != JT808Header {
		return nil, errors.New("invalid packet format")
	}
	content := unescape(packet[1 : len(packet)-1])
	if len(content) < jt808HeaderLen+1 {
		return nil, errShortPacket
	}
	if checksum(content[:len(content)-1]) != content[len(content)-1] {
		return nil, errChecksum
	}
	content = content[:len(content)-1]

	props := binary.BigEndian.Uint16(content[2:4])
	if props&0x2000 != 0 {
		return nil, errors.New("segmented messages are not supported")
	}
	body := content[jt808HeaderLen:]
	if n := int(props & 0x03FF); n != len(body) {
		return nil, fmt.Errorf("body length %d, header says %d", len(body), n)
	}
	return &jt808Frame{
		msgID:  binary.BigEndian.Uint16(content[0:2]),
		phone:  content[4:10],
		serial: binary.BigEndian.Uint16(content[10:12]),
		body:   body,
	}, nil
}

// Decode translates a JT808 frame to a standard message.
func (j *JT808Adapter) Decode(packet []byte) (*protocol.StandardMessage, error) {
	f, err := j.parse(packet)
	if err != nil {
		return nil, err
	}

	msg := &protocol.StandardMessage{
		DeviceID:  bcdToString(f.phone),
		Timestamp: time.Now().Unix(),
		Extras: map[string]interface{}{
			"msg_id": f.msgID,
			"serial": f.serial,
		},
	}
	body := f.body

	switch f.msgID {
	case MsgIDTerminalAuth:
		msg.Type = protocol.MsgTypeAuth
		if len(body) > 0 {
			// 2013 edition: the whole body is the auth code. 2019 prefixes its length.
			code := body
			if n := int(body[0]); len(body) >= 1+n && n > 0 && n < len(body) {
				code = body[1 : 1+n]
			}
			msg.Extras["auth_code"] = string(code)
		}

	case MsgIDLocationReport:
		msg.Type = protocol.MsgTypeLocation
		if err := parseLocation(body, msg); err != nil {
			return nil, err
		}
		if flag, _ := msg.Extras["alarm_flag"].(uint32); flag != 0 {
			msg.Type = protocol.MsgTypeAlarm
		}

	case MsgIDHeartbeat:
		msg.Type = protocol.MsgTypeHeartbeat

	case MsgIDTerminalRegister:
		msg.Type = protocol.MsgTypeRegister
		if len(body) >= 37 {
			msg.Extras["province_id"] = binary.BigEndian.Uint16(body[0:2])
			msg.Extras["city_id"] = binary.BigEndian.Uint16(body[2:4])
			msg.Extras["manufacturer_id"] = trimZero(body[4:9])
			msg.Extras["terminal_model"] = trimZero(body[9:29])
			msg.Extras["terminal_id"] = trimZero(body[29:36])
			msg.Extras["plate_color"] = body[36]
			msg.Extras["plate"] = string(body[37:])
		}

	case MsgIDTerminalAck:
		msg.Type = protocol.MsgTypeAck
		if len(body) >= 5 {
			msg.Extras["reply_serial"] = binary.BigEndian.Uint16(body[0:2])
			msg.Extras["reply_msg_id"] = binary.BigEndian.Uint16(body[2:4])
			msg.Extras["result"] = body[4]
		}

	case MsgIDTerminalLogout:
		msg.Type = "LOGOUT"

	default:
		msg.Type = fmt.Sprintf("UNKNOWN_0x%04X", f.msgID)
	}

	return msg, nil
}

// Encode translates a command to a JT808 frame.
func (j *JT808Adapter) Encode(cmd protocol.StandardCommand) ([]byte, error) {
	phone := cmd.DeviceID
	if p, ok := cmd.Params["phone"].(string); ok {
		phone = p
	}
	if phone == "" {
		return nil, errors.New("jt808: command has no device phone number")
	}

	switch cmd.Type {
	case protocol.CmdGeneralAck:
		msgID, _ := paramUint(cmd.Params, "msg_id")
		serial, _ := paramUint(cmd.Params, "serial")
		result, _ := paramUint(cmd.Params, "result")
		return j.generalAck(stringToBCD(phone, 6), uint16(serial), uint16(msgID), byte(result)), nil

	case protocol.CmdText:
		text, _ := cmd.Params["text"].(string)
		if text == "" {
			return nil, errors.New("jt808: TEXT needs a text parameter")
		}
		// Flag 0x08: show on terminal display.
		body := append([]byte{0x08}, text...)
		return j.buildPacket(MsgIDTextMessage, stringToBCD(phone, 6), j.nextSerial(), body), nil

	case protocol.CmdLocate:
		return j.buildPacket(MsgIDLocationQuery, stringToBCD(phone, 6), j.nextSerial(), nil), nil

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

// IsHeartbeat checks if packet is a heartbeat
func (j *JT808Adapter) IsHeartbeat(packet []byte) bool {
	if len(packet) < 4 {
		return false
	}
	head := unescape(packet[1:min(len(packet), 8)])
	return len(head) >= 2 && binary.BigEndian.Uint16(head[0:2]) == MsgIDHeartbeat
}

// Ack answers registration with a register response and every other
// terminal report with a platform general ack.
func (j *JT808Adapter) Ack(packet []byte) ([]byte, error) {
	f, err := j.parse(packet)
	if err != nil {
		return nil, err
	}
	switch f.msgID {
	case MsgIDTerminalAck:
		return nil, nil
	case MsgIDTerminalRegister:
		body := make([]byte, 3, 3+len(f.phone)*2)
		binary.BigEndian.PutUint16(body[0:2], f.serial)
		body[2] = 0 // success
		body = append(body, bcdToString(f.phone)...)
		return j.buildPacket(MsgIDRegisterAck, f.phone, j.nextSerial(), body), nil
	default:
		return j.generalAck(f.phone, f.serial, f.msgID, 0), nil
	}
}

// Acknowledges matches a terminal general response to the command it answers.
func (j *JT808Adapter) Acknowledges(request []byte, msg *protocol.StandardMessage) bool {
	if msg == nil || msg.Type != protocol.MsgTypeAck {
		return false
	}
	f, err := j.parse(request)
	if err != nil {
		return false
	}
	serial, _ := msg.Extras["reply_serial"].(uint16)
	msgID, _ := msg.Extras["reply_msg_id"].(uint16)
	return serial == f.serial && msgID == f.msgID && msg.DeviceID == bcdToString(f.phone)
}

func (j *JT808Adapter) nextSerial() uint16 {
	return uint16(j.serial.Add(1))
}

func (j *JT808Adapter) generalAck(phone []byte, serial, msgID uint16, result byte) []byte {
	// Reply serial(2) + reply msg ID(2) + result(1)
	body := make([]byte, 5)
	binary.BigEndian.PutUint16(body[0:2], serial)
	binary.BigEndian.PutUint16(body[2:4], msgID)
	body[4] = result
	return j.buildPacket(MsgIDPlatformGeneralAck, phone, j.nextSerial(), body)
}

func (j *JT808Adapter) buildPacket(msgID uint16, phone []byte, serial uint16, body []byte) []byte {
	// Header: MsgID(2) + BodyProps(2) + Phone(6) + Serial(2)
	content := make([]byte, jt808HeaderLen, jt808HeaderLen+len(body)+1)
	binary.BigEndian.PutUint16(content[0:2], msgID)
	binary.BigEndian.PutUint16(content[2:4], uint16(len(body))&0x03FF)
	copy(content[4:10], phone)
	binary.BigEndian.PutUint16(content[10:12], serial)
	content = append(content, body...)
	content = append(content, checksum(content))

	escaped := escape(content)
	packet := make([]byte, 0, len(escaped)+2)
	packet = append(packet, JT808Header)
	packet = append(packet, escaped...)
	return append(packet, JT808Header)
}

func parseLocation(body []byte, msg *protocol.StandardMessage) error {
	if len(body) < 28 {
		return errors.New("location body too short")
	}

	alarmFlag := binary.BigEndian.Uint32(body[0:4])
	msg.Extras["alarm_flag"] = alarmFlag

	status := binary.BigEndian.Uint32(body[4:8])
	msg.Extras["status"] = status
	msg.Extras["acc_on"] = status&0x01 != 0
	msg.Extras["location_valid"] = status&0x02 != 0

	// 1e-6 degree; status bits 2 and 3 mark south and west.
	lat := float64(binary.BigEndian.Uint32(body[8:12])) / 1e6
	lon := float64(binary.BigEndian.Uint32(body[12:16])) / 1e6
	if status&0x04 != 0 {
		lat = -lat
	}
	if status&0x08 != 0 {
		lon = -lon
	}
	msg.Lat, msg.Lon = lat, lon

	msg.Extras["altitude"] = binary.BigEndian.Uint16(body[16:18])
	msg.Speed = float64(binary.BigEndian.Uint16(body[18:20])) / 10.0 // 0.1 km/h
	msg.Direction = float64(binary.BigEndian.Uint16(body[20:22]))

	// BCD YYMMDDhhmmss, GMT+8
	gpsTime := bcdToString(body[22:28])
	msg.Extras["gps_time"] = gpsTime
	if t, err := time.ParseInLocation("060102150405", gpsTime, time.FixedZone("CST", 8*3600)); err == nil {
		msg.Timestamp = t.Unix()
	}

	if len(body) > 28 {
		parseLocationExtras(body[28:], msg)
	}
	return nil
}

func parseLocationExtras(data []byte, msg *protocol.StandardMessage) {
	for len(data) >= 2 {
		id := data[0]
		length := int(data[1])
		if len(data) < 2+length {
			break
		}
		value := data[2 : 2+length]

		switch id {
		case 0x01: // mileage, 0.1 km
			if length >= 4 {
				msg.Extras["mileage"] = float64(binary.BigEndian.Uint32(value)) / 10.0
			}
		case 0x02: // fuel, 0.1 L
			if length >= 2 {
				msg.Extras["fuel"] = float64(binary.BigEndian.Uint16(value)) / 10.0
			}
		case 0x03: // tachograph speed, 0.1 km/h
			if length >= 2 {
				msg.Extras["sensor_speed"] = float64(binary.BigEndian.Uint16(value)) / 10.0
			}
		case 0x30: // network signal strength
			if length >= 1 {
				msg.Extras["signal_strength"] = value[0]
			}
		case 0x31: // satellites in use
			if length >= 1 {
				msg.Extras["satellites"] = value[0]
			}
		}

		data = data[2+length:]
	}
}

func unescape(data []byte) []byte {
	result := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == 0x7d && i+1 < len(data) {
			switch data[i+1] {
			case 0x02:
				result = append(result, 0x7e)
				i++
				continue
			case 0x01:
				result = append(result, 0x7d)
				i++
				continue
			}
		}
		result = append(result, data[i])
	}
	return result
}

func escape(data []byte) []byte {
	result := make([]byte, 0, len(data)+4)
	for _, b := range data {
		switch b {
		case 0x7e:
			result = append(result, 0x7d, 0x02)
		case 0x7d:
			result = append(result, 0x7d, 0x01)
		default:
			result = append(result, b)
		}
	}
	return result
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// bcdToString converts BCD encoded bytes to string
func bcdToString(bcd []byte) string {
	var sb strings.Builder
	for _, b := range bcd {
		if high := b >> 4; high < 10 {
			sb.WriteByte('0' + high)
		}
		if low := b & 0x0F; low < 10 {
			sb.WriteByte('0' + low)
		}
	}
	return sb.String()
}

// stringToBCD encodes the digits of s into size bytes, left-padded with zeros.
func stringToBCD(s string, size int) []byte {
	digits := make([]byte, 0, size*2)
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i]-'0')
		}
	}
	for len(digits) < size*2 {
		digits = append([]byte{0}, digits...)
	}
	digits = digits[len(digits)-size*2:]

	result := make([]byte, size)
	for i := range result {
		result[i] = digits[i*2]<<4 | digits[i*2+1]
	}
	return result
}

func trimZero(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}

// Match reports whether header starts a JT808 frame.
func (j *JT808Adapter) Match(header []byte) bool {
	return len(header) > 0 && header[0] == JT808Header
}

// Frame builds a frame as terminal phone would send it.
func (j *JT808Adapter) Frame(msgID uint16, phone string, serial uint16, body []byte) []byte {
	return j.buildPacket(msgID, stringToBCD(phone, 6), serial, body)
}
