package converter

import (
	"encoding/json"
	"errors"
)

type jsonConverter struct{}

func (jc *jsonConverter) To(v any) (Payload, error) {
	if p, ok := v.(Payload); ok {
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}

		return append(Payload(nil), p...), nil
	}

	return json.Marshal(v)
}

func (jc *jsonConverter) From(data Payload, vptr any) error {
	return json.Unmarshal(data, vptr)
}
