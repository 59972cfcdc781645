package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// SendEventNotification implements model.Notifier for a routine event; the
// engine uses it to report a successful run.
func (w *Webhook) SendEventNotification(subject, message string, priority model.Priority) error {
	return w.post(Payload{Subject: subject, Message: message, Priority: priority, SentAt: time.Now()})
}

// SendErrorNotification implements model.Notifier for a failed run; the
// engine sends it for every failure, reschedulable or not. The payload
// always carries CRITICAL priority and err's message.
func (w *Webhook) SendErrorNotification(subject, message string, err error) error {
	payload := Payload{Subject: subject, Message: message, Priority: model.PriorityCritical, SentAt: time.Now()}
	if err != nil {
		payload.Error = err.Error()
	}
	return w.post(payload)
}

func (w *Webhook) post(payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Username != "" || w.Password != "" {
		req.SetBasicAuth(w.Username, w.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notification rejected with status %d", resp.StatusCode)
	}
	return nil
}
