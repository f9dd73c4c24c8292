package domain

import (
	"fmt"
	"time"
)

// Domain is a business routing domain. Each domain is bound to exactly one
// Routing Target and owns its own handler set.
type Domain string

// Routing domains
const (
	DomainClinical  Domain = "clinical"
	DomainExams     Domain = "exams"
	DomainOPME      Domain = "opme"
	DomainIngestion Domain = "ingestion"
)

// Domains lists the closed set of routing domains in a stable order
var Domains = []Domain{DomainClinical, DomainExams, DomainOPME, DomainIngestion}

// ParseDomain validates a domain name
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown domain %q", s)
	}
	return d, nil
}

// Valid reports whether d belongs to the closed set of domains
func (d Domain) Valid() bool {
	for _, known := range Domains {
		if d == known {
			return true
		}
	}
	return false
}

func (d Domain) String() string {
	return string(d)
}

// Payload maps field names to values. Values are JSON-native types plus
// time.Time for timestamp fields.
type Payload map[string]any

// Message is the unit of work flowing through the broker
type Message struct {
	TaskID     string
	Domain     Domain
	Operation  string
	Payload    Payload
	RetryCount int
	// EnqueuedAt is set once at first publish and survives every requeue
	EnqueuedAt time.Time
}

// NewMessage creates a message ready for its first publish
func NewMessage(taskID string, d Domain, operation string, payload Payload) *Message {
	return &Message{
		TaskID:     taskID,
		Domain:     d,
		Operation:  operation,
		Payload:    payload,
		RetryCount: 0,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Requeued returns a copy of the message for the next attempt. The payload is
// shared, enqueued_at is preserved and retry_count grows by exactly one.
func (m *Message) Requeued() *Message {
	next := *m
	next.RetryCount = m.RetryCount + 1
	return &next
}

// Age reports how long ago the task was first published
func (m *Message) Age(now time.Time) time.Duration {
	if m.EnqueuedAt.IsZero() {
		return 0
	}
	return now.Sub(m.EnqueuedAt)
}
