package protocol

import (
	"time"

	"github.com/goccy/go-json"
)

// IngestEventMessage is mirrored to Kafka for every persisted batch
type IngestEventMessage struct {
	Source     string    `json:"source"`
	Received   int       `json:"received"`
	Accepted   int       `json:"accepted"`
	Coerced    int       `json:"coerced"`
	Skipped    int       `json:"skipped"`
	Peak       int       `json:"peak"`
	AlertFired bool      `json:"alert_fired"`
	ReceivedAt time.Time `json:"received_at"`
}

// AlertEventMessage is mirrored to Kafka for every fired alert
type AlertEventMessage struct {
	Source  string            `json:"source"`
	AQI     int               `json:"aqi"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data"`
	FiredAt time.Time         `json:"fired_at"`
}

// Serialize converts the message to JSON bytes
func (m *IngestEventMessage) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// DeserializeIngestEvent converts JSON bytes to an IngestEventMessage
func DeserializeIngestEvent(data []byte) (*IngestEventMessage, error) {
	var msg IngestEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Serialize converts the message to JSON bytes
func (m *AlertEventMessage) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// DeserializeAlertEvent converts JSON bytes to an AlertEventMessage
func DeserializeAlertEvent(data []byte) (*AlertEventMessage, error) {
	var msg AlertEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
