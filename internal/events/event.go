package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Data is the open payload of an event. Handlers decode only the keys they
// expect; unknown keys are ignored.
type Data map[string]any

// Event is the unit of communication between managers. Subject and Data are
// required; ID and Timestamp are populated at construction. Events are not
// mutated after creation.
type Event struct {
	Subject   string    `json:"subject"`
	Data      Data      `json:"data"`
	ID        string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

var ErrInvalidEvent = errors.New("event: empty subject or nil data")

// New builds an event with a fresh id and timestamp.
func New(subject string, data Data) Event {
	if data == nil {
		data = Data{}
	}
	return Event{
		Subject:   subject,
		Data:      data,
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
	}
}

// NewFrom is New with an originator tag.
func NewFrom(subject string, data Data, source string) Event {
	e := New(subject, data)
	e.Source = source
	return e
}

// Validate reports whether the event can be published.
func (e Event) Validate() error {
	if e.Subject == "" || e.Data == nil {
		return ErrInvalidEvent
	}
	return nil
}

// Marshal serialises the event for journaling.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal restores an event from its journal row.
func Unmarshal(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, err
	}
	return e, e.Validate()
}

// Accessors below tolerate missing keys and the loose typing JSON
// round-trips introduce (numbers decode as float64).

func (d Data) Str(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

func (d Data) Float(key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func (d Data) Int(key string) int {
	return int(d.Float(key))
}

func (d Data) Bool(key string) bool {
	if v, ok := d[key].(bool); ok {
		return v
	}
	return false
}

func (d Data) Map(key string) Data {
	switch v := d[key].(type) {
	case Data:
		return v
	case map[string]any:
		return Data(v)
	}
	return nil
}
