package protocol

import "errors"

// StandardMessage is the protocol-independent form of a device report.
type StandardMessage struct {
	DeviceID  string                 `json:"device_id"`
	Protocol  string                 `json:"protocol"`
	Type      string                 `json:"type"` // "AUTH", "LOCATION", "HEARTBEAT", etc.
	Timestamp int64                  `json:"timestamp"`
	Lat       float64                `json:"lat"`
	Lon       float64                `json:"lon"`
	Speed     float64                `json:"speed"`
	Direction float64                `json:"direction"`
	Extras    map[string]interface{} `json:"extras"` // fuel, temperature, door state, ...
}

// StandardCommand is a command addressed to a device.
type StandardCommand struct {
	DeviceID string                 `json:"device_id,omitempty"`
	Type     string                 `json:"type"`
	Params   map[string]interface{} `json:"params"`
}

// Message types
const (
	MsgTypeAuth      = "AUTH"
	MsgTypeRegister  = "REGISTER"
	MsgTypeLocation  = "LOCATION"
	MsgTypeHeartbeat = "HEARTBEAT"
	MsgTypeAlarm     = "ALARM"
	MsgTypeMedia     = "MEDIA"
	MsgTypeBatch     = "BATCH"
	// MsgTypeAck is a device's acknowledgement of a platform command.
	MsgTypeAck     = "ACK"
	MsgTypeUnknown = "UNKNOWN"
)

// Command types understood by at least one adapter.
const (
	CmdGeneralAck   = "GENERAL_ACK"
	CmdAuthAck      = "AUTH_ACK"
	CmdHeartbeatAck = "HEARTBEAT_ACK"
	CmdDataAck      = "DATA_ACK"
	CmdText         = "TEXT"
	CmdLocate       = "LOCATE"
)

// Command delivery errors shared by the gateway surfaces.
var (
	ErrNotConnected = errors.New("device not connected")
	ErrUndetermined = errors.New("protocol not determined")
)
