// Package registry defines the data exchanged between the lookup, normalize
// and store stages of the crawler.
package registry

// Unknown marks a field whose value could not be obtained from the registry.
const Unknown = "N/A"

// MaxPhones is the number of phone numbers retained per record.
const MaxPhones = 2

// Resource identifies one of the three lookup endpoints describing an identifier.
type Resource string

const (
	// ResourceName returns the legal names and registration number.
	ResourceName Resource = "name"

	// ResourceActivity returns the economic activity classification.
	ResourceActivity Resource = "activity"

	// ResourceInfo returns the address and contact details.
	ResourceInfo Resource = "info"
)

// Resources lists every resource in fetch order.
var Resources = []Resource{ResourceName, ResourceActivity, ResourceInfo}

// PayloadStatus describes how a lookup for one resource ended.
type PayloadStatus int

const (
	// PayloadFailed means the lookup gave up (attempts exhausted or unparseable body).
	PayloadFailed PayloadStatus = iota

	// PayloadAbsent means the registry has no entry for the identifier.
	PayloadAbsent

	// PayloadPresent means the registry returned a JSON body.
	PayloadPresent
)

// String implements fmt.Stringer.
func (s PayloadStatus) String() string {
	switch s {
	case PayloadAbsent:
		return "absent"
	case PayloadPresent:
		return "present"
	default:
		return "failed"
	}
}

// Payload is the decoded body of one lookup: an ordered list of loosely
// typed objects.
type Payload struct {
	Status PayloadStatus
	Items  []map[string]any
}

// Present builds a payload carrying items.
func Present(items ...map[string]any) Payload {
	return Payload{Status: PayloadPresent, Items: items}
}

// Absent builds a payload for a nonexistent identifier.
func Absent() Payload {
	return Payload{Status: PayloadAbsent}
}

// Failed builds a payload for a lookup that gave up.
func Failed() Payload {
	return Payload{Status: PayloadFailed}
}

// First returns the first object of the payload, or nil.
func (p Payload) First() map[string]any {
	if p.Status != PayloadPresent || len(p.Items) == 0 {
		return nil
	}
	return p.Items[0]
}

// Empty reports whether the payload carries no object, or only an empty one.
func (p Payload) Empty() bool {
	return len(p.First()) == 0
}

// Triple holds the three payloads fetched for one identifier.
type Triple struct {
	ID       string
	Name     Payload
	Activity Payload
	Info     Payload
}

// Record is the flat, normalized entity persisted for one identifier.
// Text fields hold Unknown when the source value was missing.
type Record struct {
	Name        string   `json:"name"`
	ExternalID  string   `json:"external_id"`
	Activity    string   `json:"activity"`
	PostalIndex string   `json:"postal_index"`
	Address     string   `json:"address"`
	Email       string   `json:"email"`
	Phones      []string `json:"phones"`
}

// Phone returns the i-th phone number, or Unknown when there is none.
func (r Record) Phone(i int) string {
	if i < 0 || i >= len(r.Phones) {
		return Unknown
	}
	return r.Phones[i]
}

// Outcome is the terminal state reached by one identifier.
type Outcome string

const (
	// OutcomeSkipped means the identifier does not exist in the registry.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeWritten means a record was inserted into the store.
	OutcomeWritten Outcome = "written"

	// OutcomeFailed means the name lookup gave up; nothing was written.
	OutcomeFailed Outcome = "failed"

	// OutcomeConflict means the store already held the external id.
	OutcomeConflict Outcome = "conflict"

	// OutcomeStoreError means the insert failed for this record only.
	OutcomeStoreError Outcome = "store_error"
)
