package protocol

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// MessageType represents the type of a live-channel message
type MessageType string

const (
	// Client to Server
	MsgTypeSubscribeLocation MessageType = "subscribe:location"
	MsgTypeSubscribeStation  MessageType = "subscribe:station"
	MsgTypeUnsubscribeAll    MessageType = "unsubscribe:all"

	// Server to Client
	MsgTypeWelcome MessageType = "welcome"
	MsgTypeAck     MessageType = "ack"
	MsgTypeError   MessageType = "error"
	MsgTypeUpdate  MessageType = "aqi:update"
	MsgTypeAlert   MessageType = "aqi:alert"
)

// BaseMessage is the common structure for all messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// SubscribeLocationMessage scopes a session to a coordinate
type SubscribeLocationMessage struct {
	Type MessageType `json:"type"`
	Lat  *float64    `json:"lat"`
	Lon  *float64    `json:"lon"`
}

// SubscribeStationMessage scopes a session to a station
type SubscribeStationMessage struct {
	Type      MessageType `json:"type"`
	StationID string      `json:"station_id"`
}

// UnsubscribeAllMessage clears every scope of a session
type UnsubscribeAllMessage struct {
	Type MessageType `json:"type"`
}

// Envelope wraps every server-to-client message
type Envelope struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// WelcomeData is sent once when a session connects
type WelcomeData struct {
	SessionID  string    `json:"session_id"`
	ServerTime time.Time `json:"server_time"`
}

// AckData acknowledges a client message
type AckData struct {
	Action MessageType `json:"action"`
}

// ErrorData reports an invalid client message
type ErrorData struct {
	Message string `json:"message"`
}

// UpdateData signals that a batch was persisted
type UpdateData struct {
	Source     string    `json:"source"`
	Count      int       `json:"count"`
	ReceivedAt time.Time `json:"received_at"`
}

// AlertData carries a fired alert to live sessions
type AlertData struct {
	Source string            `json:"source"`
	AQI    int               `json:"aqi"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data"`
}

// ParseMessage parses a client frame into the appropriate message type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeSubscribeLocation:
		var msg SubscribeLocationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid subscribe:location message: %w", err)
		}
		if err := validateSubscribeLocation(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeSubscribeStation:
		var msg SubscribeStationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid subscribe:station message: %w", err)
		}
		if msg.StationID == "" {
			return nil, fmt.Errorf("station_id is required")
		}
		return &msg, nil

	case MsgTypeUnsubscribeAll:
		return &UnsubscribeAllMessage{Type: base.Type}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

func validateSubscribeLocation(msg *SubscribeLocationMessage) error {
	if msg.Lat == nil || msg.Lon == nil {
		return fmt.Errorf("lat and lon are required")
	}
	if *msg.Lat < -90 || *msg.Lat > 90 {
		return fmt.Errorf("lat out of range: %v", *msg.Lat)
	}
	if *msg.Lon < -180 || *msg.Lon > 180 {
		return fmt.Errorf("lon out of range: %v", *msg.Lon)
	}
	return nil
}

// EncodeEvent encodes a server-to-client message
func EncodeEvent(msgType MessageType, data interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Data: data})
}

// NewAckMessage creates a new acknowledgment envelope
func NewAckMessage(action MessageType) Envelope {
	return Envelope{Type: MsgTypeAck, Data: AckData{Action: action}}
}

// NewErrorMessage creates a new error envelope
func NewErrorMessage(message string) Envelope {
	return Envelope{Type: MsgTypeError, Data: ErrorData{Message: message}}
}
