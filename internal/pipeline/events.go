package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/proposalingest/internal/models"
)

// CloudEvent types the listener understands.
const (
	EventTypeObjectFinalized  = "google.cloud.storage.object.v1.finalized"
	EventTypeMessagePublished = "google.cloud.pubsub.topic.v1.messagePublished"
)

// GCSEvent is the data payload of a Cloud Storage object event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// PubSubEvent is the data payload of a Pub/Sub messagePublished event.
// Message data arrives base64 encoded and is decoded by encoding/json.
type PubSubEvent struct {
	Subscription string `json:"subscription"`
	Message      struct {
		ID         string            `json:"messageId"`
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
}

// EventDecoder turns bus events into notifications. ObjectJobID maps an
// output object name to the external job it belongs to; objects it rejects
// are not notifications.
type EventDecoder struct {
	ObjectJobID func(objectName string) (string, bool)
}

// Decode returns the notification carried by e. ok is false for events that
// carry none, which the caller acknowledges and drops.
func (d EventDecoder) Decode(e cloudevents.Event) (n models.Notification, ok bool, err error) {
	switch e.Type() {
	case EventTypeObjectFinalized:
		var obj GCSEvent
		if err := json.Unmarshal(e.Data(), &obj); err != nil {
			return n, false, fmt.Errorf("failed to unmarshal storage event: %w", err)
		}
		if d.ObjectJobID == nil {
			return n, false, nil
		}
		jobID, match := d.ObjectJobID(obj.Name)
		if !match {
			return n, false, nil
		}
		return models.Notification{
			ExternalJobID: jobID,
			Outcome:       models.OutcomeCompleted,
			Detail:        fmt.Sprintf("gs://%s/%s", obj.Bucket, obj.Name),
		}, true, nil

	case EventTypeMessagePublished:
		var msg PubSubEvent
		if err := json.Unmarshal(e.Data(), &msg); err != nil {
			return n, false, fmt.Errorf("failed to unmarshal pubsub event: %w", err)
		}
		var status models.JobStatusMessage
		if err := json.Unmarshal(msg.Message.Data, &status); err != nil {
			return n, false, fmt.Errorf("failed to unmarshal job status message %s: %w", msg.Message.ID, err)
		}
		if status.JobID == "" {
			return n, false, fmt.Errorf("job status message %s has no jobId", msg.Message.ID)
		}
		outcome, known := parseOutcome(status.Status)
		if !known {
			return n, false, nil
		}
		return models.Notification{
			ExternalJobID: status.JobID,
			Outcome:       outcome,
			Detail:        status.Message,
		}, true, nil
	}
	return n, false, nil
}

func parseOutcome(s string) (models.Outcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETED", "SUCCEEDED", "DONE":
		return models.OutcomeCompleted, true
	case "FAILED", "ERROR":
		return models.OutcomeFailed, true
	}
	return "", false
}
