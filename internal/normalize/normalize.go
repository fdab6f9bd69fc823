// Package normalize converts heterogeneous backend-call results into the
// canonical outcome type. The backend's stored procedures answer in several
// incompatible shapes depending on which code path produced the response; a
// fixed priority list of shape matchers makes the conversion total and
// order-deterministic.
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/movillink/sync_layer/internal/outcome"
)

// DefaultIdentityField identifies a bare payload object (shape 3).
const DefaultIdentityField = "id"

// Normalizer parses raw backend responses. The zero value is not usable;
// construct with New.
type Normalizer struct {
	identityField string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithIdentityField overrides the field whose presence identifies a bare
// payload object.
func WithIdentityField(field string) Option {
	return func(n *Normalizer) { n.identityField = field }
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{identityField: DefaultIdentityField}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts a raw backend response into a canonical Result.
// The shape matchers run in fixed priority order, first match wins:
//
//  1. transport envelope: numeric "status" plus nested payload, where the
//     payload may itself be a JSON-encoded string needing a second parse
//  2. flat object with an explicit boolean "success" flag
//  3. flat object that is the payload itself, identified by the identity field
//  4. explicit transport-level "error" field
//
// A response matching none of the shapes yields an Unknown result carrying
// the raw bytes; the caller decides whether to treat it as success.
func (n *Normalizer) Normalize(raw []byte) outcome.Result {
	if !json.Valid(raw) {
		return outcome.UnknownResult(json.RawMessage(raw))
	}
	doc := gjson.ParseBytes(raw)

	// Shape 1: transport envelope.
	if status := doc.Get("status"); status.Exists() && status.Type == gjson.Number {
		return n.fromEnvelope(doc)
	}

	// Shape 2: flat success-flag object.
	if flag := doc.Get("success"); isBool(flag) {
		return n.fromFlagged(doc)
	}

	// Shape 3: bare payload object.
	if doc.IsObject() && doc.Get(n.identityField).Exists() {
		return outcome.OKResult(rawOf(doc))
	}

	// Shape 4: transport-level error.
	if errv := doc.Get("error"); errv.Exists() && errv.Type != gjson.Null {
		return outcome.FailResult(outcome.KindBackend, errorDetail(errv))
	}

	return outcome.UnknownResult(json.RawMessage(raw))
}

// fromEnvelope unwraps {status, data, error} transport envelopes.
func (n *Normalizer) fromEnvelope(doc gjson.Result) outcome.Result {
	if errv := doc.Get("error"); errv.Exists() && errv.Type != gjson.Null {
		return outcome.FailResult(outcome.KindBackend, errorDetail(errv))
	}

	status := int(doc.Get("status").Int())
	data := doc.Get("data")
	if status >= 300 {
		return outcome.FailResult(outcome.KindBackend,
			fmt.Sprintf("envelope status %d: %s", status, data.String()))
	}

	payload := data
	if data.Type == gjson.String {
		// Nested JSON-encoded string needs a second parse.
		inner := data.String()
		if !json.Valid([]byte(inner)) {
			return outcome.FailResult(outcome.KindParse,
				"malformed nested payload in envelope")
		}
		payload = gjson.Parse(inner)
	}
	return n.fromFlagged(payload)
}

// fromFlagged interprets objects carrying a boolean "success" flag; objects
// without the flag pass through as the payload itself.
func (n *Normalizer) fromFlagged(doc gjson.Result) outcome.Result {
	flag := doc.Get("success")
	if !isBool(flag) {
		return outcome.OKResult(rawOf(doc))
	}
	if !flag.Bool() {
		detail := doc.Get("error").String()
		if detail == "" {
			detail = "backend reported failure"
		}
		return outcome.FailResult(outcome.KindBackend, detail)
	}
	if data := doc.Get("data"); data.Exists() && data.Type != gjson.Null {
		return outcome.OKResult(rawOf(data))
	}
	// Flag-only acknowledgment: keep the surrounding object so fields such
	// as rows_affected or generated ids stay visible.
	return outcome.OKResult(rawOf(doc))
}

func isBool(r gjson.Result) bool {
	return r.Type == gjson.True || r.Type == gjson.False
}

func rawOf(r gjson.Result) json.RawMessage {
	return json.RawMessage(r.Raw)
}

func errorDetail(errv gjson.Result) string {
	if errv.IsObject() {
		if msg := errv.Get("message"); msg.Exists() {
			return msg.String()
		}
		return errv.Raw
	}
	return errv.String()
}
