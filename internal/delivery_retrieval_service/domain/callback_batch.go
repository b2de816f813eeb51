package domain

import (
	"encoding/json"
	"time"
)

// CallbackSubjectPrefix is the NATS subject family for raw provider callbacks. The backend
// name is the last token: dispatch.callback.<backend>.
const CallbackSubjectPrefix = "dispatch.callback"

// CallbackSubject returns the subject callbacks of backendName are published on.
func CallbackSubject(backendName string) string {
	return CallbackSubjectPrefix + "." + backendName
}

// CallbackBatch carries the raw webhook events of one inbound HTTP callback from the
// public API to the delivery service.
type CallbackBatch struct {
	Backend    string            `json:"backend"`
	Events     []json.RawMessage `json:"events"`
	ReceivedAt time.Time         `json:"received_at"`
}
