// Package normalize flattens the three registry payloads of an identifier
// into a single registry.Record.
//
// The registry is inconsistent about field presence and types: numbers may
// arrive as JSON numbers or strings, optional fields are simply omitted, and
// some values live under alternate keys. Every extraction therefore walks a
// fallback chain and ends at registry.Unknown.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
	"github.com/rs/zerolog"
)

// Registry field names.
const (
	FieldShortName      = "vn"
	FieldFullName       = "vnaim"
	FieldRegNumber      = "ngrn"
	FieldClassification = "nsi00114"
	FieldActivityName   = "vnvdnp"
	FieldEmail          = "vemail"
	FieldPhones         = "vtels"
	FieldPostalIndex    = "nindex"
	FieldCity           = "vnp"
	FieldStreet         = "vulitsa"
	FieldBuilding       = "vdom"
	FieldCorpus         = "vkorp"
	FieldUnit           = "vpom"
)

// AddressFormat composes city, street, building and unit.
const AddressFormat = "%s, street %s %s %s"

// Normalizer converts lookup triples into records.
type Normalizer struct {
	logger zerolog.Logger
}

// New creates a Normalizer that reports recovered failures to logger.
func New(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize builds the record for t. It never fails: an unexpected
// extraction failure yields AllUnknown and is logged.
func (n *Normalizer) Normalize(t registry.Triple) (rec registry.Record) {
	defer func() {
		if r := recover(); r != nil {
			rec = n.recovered(t, r)
		}
	}()

	name := t.Name.First()
	activity := t.Activity.First()
	info := t.Info.First()

	rec = registry.Record{
		Name:        firstOf(name, FieldShortName, FieldFullName),
		ExternalID:  firstOf(name, FieldRegNumber),
		Activity:    lookupPath(activity, FieldClassification, FieldActivityName),
		PostalIndex: firstOf(info, FieldPostalIndex),
		Address:     composeAddress(info),
		Email:       firstOf(info, FieldEmail),
		Phones:      SplitPhones(firstOf(info, FieldPhones)),
	}

	if rec.ExternalID == registry.Unknown && t.ID != "" {
		rec.ExternalID = t.ID
	}

	n.logger.Debug().
		Str("id", t.ID).
		Str("name", rec.Name).
		Int("phones", len(rec.Phones)).
		Msg("Record normalized")

	return rec
}

// recovered logs an extraction panic and returns the all-unknown record,
// keyed by the probed identifier when there is one.
func (n *Normalizer) recovered(t registry.Triple, r any) registry.Record {
	n.logger.Error().
		Str("id", t.ID).
		Str("panic", fmt.Sprint(r)).
		Msg("Format error, storing unknown record")

	rec := AllUnknown()
	if t.ID != "" {
		rec.ExternalID = t.ID
	}
	return rec
}

// AllUnknown returns a record with every field set to the unknown marker.
func AllUnknown() registry.Record {
	return registry.Record{
		Name:        registry.Unknown,
		ExternalID:  registry.Unknown,
		Activity:    registry.Unknown,
		PostalIndex: registry.Unknown,
		Address:     registry.Unknown,
		Email:       registry.Unknown,
		Phones:      []string{},
	}
}

// SplitPhones splits a delimited phone string into at most
// registry.MaxPhones trimmed entries.
func SplitPhones(raw string) []string {
	phones := make([]string, 0, registry.MaxPhones)
	if raw == registry.Unknown {
		return phones
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	})
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		phones = append(phones, f)
		if len(phones) == registry.MaxPhones {
			break
		}
	}
	return phones
}

// composeAddress returns Unknown unless every address part is present.
func composeAddress(info map[string]any) string {
	city := firstOf(info, FieldCity)
	street := firstOf(info, FieldStreet)
	building := firstOf(info, FieldBuilding, FieldCorpus)
	unit := firstOf(info, FieldUnit)

	for _, part := range []string{city, street, building, unit} {
		if part == registry.Unknown {
			return registry.Unknown
		}
	}
	return fmt.Sprintf(AddressFormat, city, street, building, unit)
}

// firstOf returns the first non-empty scalar among keys of obj.
func firstOf(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := scalar(obj[k]); ok {
			return s
		}
	}
	return registry.Unknown
}

// lookupPath walks nested objects along path and returns the scalar at the end.
func lookupPath(obj map[string]any, path ...string) string {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return registry.Unknown
		}
		cur = m[key]
	}
	if s, ok := scalar(cur); ok {
		return s
	}
	return registry.Unknown
}

// scalar stringifies JSON scalars; empty strings and composites are rejected.
func scalar(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case bool:
		s = strconv.FormatBool(x)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
