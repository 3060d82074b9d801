package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type recorder struct {
	got []Event
	err error
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestFanout_PublishesToAllAndJoinsErrors(t *testing.T) {
	errKafka := errors.New("kafka down")
	ok := &recorder{}
	bad := &recorder{err: errKafka}

	err := Fanout{bad, ok}.Publish(context.Background(), Event{Type: AppointmentCreated})
	if !errors.Is(err, errKafka) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.got) != 1 || len(bad.got) != 1 {
		t.Fatal("every publisher must receive the event even when one fails")
	}
}

func TestKafkaMessage_KeyedByAppointment(t *testing.T) {
	appt, inst := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	msg, err := kafkaMessage(Event{Type: AppointmentCreated, AppointmentID: appt, InstitutionID: inst, OccurredAt: at})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != appt.String() {
		t.Fatalf("key = %s, want appointment id", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != AppointmentCreated {
		t.Fatalf("headers = %+v", msg.Headers)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != AppointmentCreated || decoded.AppointmentID != appt {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestKafkaMessage_QueueEventsKeyedByInstitution(t *testing.T) {
	inst := uuid.New()
	msg, err := kafkaMessage(Event{Type: QueueTicketCreated, InstitutionID: inst})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != inst.String() {
		t.Fatalf("key = %s, want institution id", msg.Key)
	}
}
