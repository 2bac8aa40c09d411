package queue

import "encoding/json"

// Message kinds. A "run" starts a fresh report; a "resume" picks a suspended
// report back up after its clarification was answered.
const (
	KindRun    = "run"
	KindResume = "resume"
)

// Message is the payload sent to downstream queue consumers.
type Message struct {
	ReportID   string `json:"reportId"`
	Kind       string `json:"kind"`
	RequestID  string `json:"requestId"`
	EnqueuedAt string `json:"enqueuedAt"`
	Version    int    `json:"version"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
