package converter

import "encoding/json"

// Payload is an encoded action or workflow state value. It is embedded verbatim in wire
// messages.
type Payload = json.RawMessage

type Converter interface {
	To(v any) (Payload, error)
	From(data Payload, vptr any) error
}

var DefaultConverter Converter = &jsonConverter{}
