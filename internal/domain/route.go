package domain

import "fmt"

// Durability selects how the consumer's queue is asserted on connect
type Durability string

const (
	// DurabilityQuorum declares a durable quorum queue
	DurabilityQuorum Durability = "quorum"
	// DurabilityDurable declares a classic durable queue
	DurabilityDurable Durability = "durable"
	// DurabilityPassive only checks that a pre-provisioned queue exists
	DurabilityPassive Durability = "passive"
)

// Valid reports whether the durability mode is known
func (d Durability) Valid() bool {
	switch d {
	case DurabilityQuorum, DurabilityDurable, DurabilityPassive:
		return true
	default:
		return false
	}
}

// RoutingTarget binds a domain to a virtual host and queue
type RoutingTarget struct {
	Domain          Domain
	VHost           string
	Queue           string
	Durability      Durability
	DeadLetterQueue string
}

func (r RoutingTarget) String() string {
	return fmt.Sprintf("%s(%s/%s)", r.Domain, r.VHost, r.Queue)
}
