package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"openfms/netcore/internal/frame"
	"openfms/netcore/internal/protocol"
)

// WialonAdapter implements protocol.Adapter for Wialon IPS, a text protocol
// with "\r\n" terminated packets such as "#L#imei;password".
type WialonAdapter struct{}

// NewWialonAdapter creates a new Wialon IPS adapter
func NewWialonAdapter() *WialonAdapter {
	return &WialonAdapter{}
}

func (a *WialonAdapter) Protocol() string { return "WIALON" }

func (a *WialonAdapter) Format() frame.Format {
	return frame.Delimiter{Sep: []byte("\r\n")}
}

// Match reports whether header starts a Wialon packet.
func (a *WialonAdapter) Match(header []byte) bool {
	return len(header) > 0 && header[0] == '#'
}

func splitPacket(packet []byte) (kind, body string, err error) {
	s := strings.TrimRight(string(packet), "\r\n")
	if len(s) < 3 || s[0] != '#' {
		return "", "", errors.New("wialon: missing packet type")
	}
	end := strings.IndexByte(s[1:], '#')
	if end < 0 {
		return "", "", errors.New("wialon: malformed packet type")
	}
	return s[1 : end+1], s[end+2:], nil
}

// Decode translates a Wialon packet to a standard message. Data packets do
// not carry the device ID; it comes from the login of the same session.
func (a *WialonAdapter) Decode(packet []byte) (*protocol.StandardMessage, error) {
	kind, body, err := splitPacket(packet)
	if err != nil {
		return nil, err
	}

	msg := &protocol.StandardMessage{
		Timestamp: time.Now().Unix(),
		Extras:    make(map[string]interface{}),
	}

	switch kind {
	case "L":
		// #L#imei;password  (2.0: #L#2.0;imei;password;crc)
		msg.Type = protocol.MsgTypeAuth
		parts := strings.Split(body, ";")
		if len(parts) >= 3 && strings.Contains(parts[0], ".") {
			msg.Extras["version"] = parts[0]
			parts = parts[1:]
		}
		msg.DeviceID = parts[0]
		if len(parts) > 1 {
			msg.Extras["password"] = parts[1]
		}

	case "SD", "D":
		msg.Type = protocol.MsgTypeLocation
		if err := a.parseData(strings.Split(body, ";"), msg); err != nil {
			return nil, err
		}

	case "B":
		// Batch of short or full data records separated by '|'.
		msg.Type = protocol.MsgTypeBatch
		var records []map[string]interface{}
		for _, rec := range strings.Split(body, "|") {
			if rec == "" {
				continue
			}
			m := &protocol.StandardMessage{Extras: make(map[string]interface{})}
			if err := a.parseData(strings.Split(rec, ";"), m); err != nil {
				return nil, err
			}
			records = append(records, map[string]interface{}{
				"timestamp": m.Timestamp,
				"lat":       m.Lat,
				"lon":       m.Lon,
				"speed":     m.Speed,
				"direction": m.Direction,
			})
		}
		msg.Extras["records"] = records
		msg.Extras["count"] = len(records)

	case "P":
		msg.Type = protocol.MsgTypeHeartbeat

	case "M":
		msg.Type = "TEXT"
		msg.Extras["text"] = body

	default:
		msg.Type = protocol.MsgTypeUnknown
		msg.Extras["packet_type"] = kind
	}

	return msg, nil
}

// parseData reads date;time;lat1;lat2;lon1;lon2;speed;course;alt;sats and,
// for full data, hdop;inputs;outputs;adc;ibutton;params.
func (a *WialonAdapter) parseData(parts []string, msg *protocol.StandardMessage) error {
	if len(parts) < 10 {
		return fmt.Errorf("wialon: data has %d fields, want at least 10", len(parts))
	}
	msg.Timestamp = parseWialonTime(parts[0], parts[1])

	if lat, err := strconv.ParseFloat(parts[2], 64); err == nil {
		msg.Lat = convertCoord(lat)
		if parts[3] == "S" {
			msg.Lat = -msg.Lat
		}
	}
	if lon, err := strconv.ParseFloat(parts[4], 64); err == nil {
		msg.Lon = convertCoord(lon)
		if parts[5] == "W" {
			msg.Lon = -msg.Lon
		}
	}
	msg.Speed, _ = strconv.ParseFloat(parts[6], 64)
	msg.Direction, _ = strconv.ParseFloat(parts[7], 64)
	if alt, err := strconv.ParseFloat(parts[8], 64); err == nil {
		msg.Extras["altitude"] = alt
	}
	if sats, err := strconv.Atoi(parts[9]); err == nil {
		msg.Extras["satellites"] = sats
	}

	// Full data: params are name:type:value separated by ','.
	if len(parts) >= 16 && parts[15] != "NA" {
		for _, p := range strings.Split(parts[15], ",") {
			kv := strings.SplitN(p, ":", 3)
			if len(kv) != 3 {
				continue
			}
			switch kv[1] {
			case "1":
				if v, err := strconv.ParseInt(kv[2], 10, 64); err == nil {
					msg.Extras[kv[0]] = v
					continue
				}
			case "2":
				if v, err := strconv.ParseFloat(kv[2], 64); err == nil {
					msg.Extras[kv[0]] = v
					continue
				}
			}
			msg.Extras[kv[0]] = kv[2]
		}
	}
	return nil
}

// Encode translates a command to a Wialon packet.
func (a *WialonAdapter) Encode(cmd protocol.StandardCommand) ([]byte, error) {
	switch cmd.Type {
	case protocol.CmdAuthAck:
		return []byte("#AL#1\r\n"), nil

	case protocol.CmdHeartbeatAck:
		return []byte("#AP#\r\n"), nil

	case protocol.CmdDataAck:
		return []byte("#AD#1\r\n"), nil

	case protocol.CmdText:
		text, _ := cmd.Params["text"].(string)
		if text == "" {
			return nil, errors.New("wialon: TEXT needs a text parameter")
		}
		return []byte("#M#" + text + "\r\n"), nil

	default:
		return nil, fmt.Errorf("unsupported command: %s", cmd.Type)
	}
}

func (a *WialonAdapter) IsHeartbeat(packet []byte) bool {
	return bytes.HasPrefix(packet, []byte("#P#"))
}

// Ack returns the answer every Wialon packet type requires.
func (a *WialonAdapter) Ack(packet []byte) ([]byte, error) {
	kind, body, err := splitPacket(packet)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "L":
		return []byte("#AL#1\r\n"), nil
	case "P":
		return []byte("#AP#\r\n"), nil
	case "SD":
		return []byte("#ASD#1\r\n"), nil
	case "D":
		return []byte("#AD#1\r\n"), nil
	case "B":
		n := 0
		for _, rec := range strings.Split(body, "|") {
			if rec != "" {
				n++
			}
		}
		return []byte(fmt.Sprintf("#AB#%d\r\n", n)), nil
	default:
		return nil, nil
	}
}

// parseWialonTime reads DDMMYY and HHMMSS in UTC.
func parseWialonTime(date, clock string) int64 {
	t, err := time.Parse("020106150405", date+clock)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}

// convertCoord turns DDMM.MMMM into decimal degrees.
func convertCoord(coord float64) float64 {
	degrees := float64(int(coord / 100))
	minutes := coord - degrees*100
	return degrees + minutes/60
}
