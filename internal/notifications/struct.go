// Package notifications implements model.Notifier over an outgoing webhook.
package notifications

import (
	"time"

	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// Webhook posts a Payload to a configured URL for every event/error
// notification the engine raises.
type Webhook struct {
	URL      string
	Username string
	Password string
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Subject  string         `json:"subject"`
	Message  string         `json:"message"`
	Priority model.Priority `json:"priority"`
	Error    string         `json:"error,omitempty"`
	SentAt   time.Time      `json:"sentAt"`
}
