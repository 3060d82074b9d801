// Package feed carries row change notifications from Postgres to connected
// clients. Delivery is at-least-once and unordered across reconnects, so
// consumers must apply events idempotently.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op is the kind of row change an Event reports.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Event is one change notification as sent over the wire.
type Event struct {
	Type      Op              `json:"type"`
	Table     string          `json:"table"`
	RecordID  string          `json:"recordId"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ClientMessage is an inbound subscription request from a websocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Publisher delivers events to subscribers of the event's topic.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// QueueTopic names the topic carrying one institution's queue for one day.
func QueueTopic(institutionID uuid.UUID, date string) string {
	return fmt.Sprintf("queue:%s:%s", institutionID, date)
}
