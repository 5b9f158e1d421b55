package handlers

import (
	"bytes"
	"encoding/json"
	"errors"

	"gis-polygon/internal/codec"
	"gis-polygon/internal/models"
)

var errInvalidBody = errors.New("invalid request body")

// polygonPayload is a write request body. Presence of each optional field
// is tracked so PUT only touches what the client sent.
type polygonPayload struct {
	Geom json.RawMessage

	Name    *string
	NameSet bool

	ClassID    *int64
	ClassIDSet bool

	Props    models.Props
	PropsSet bool
}

// parsePayload decodes body into a payload. It returns errInvalidBody when
// body is not a JSON object, and collects per-field messages in errs.
func parsePayload(body []byte) (*polygonPayload, codec.FieldErrors, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, nil, errInvalidBody
	}

	p := &polygonPayload{}
	errs := codec.FieldErrors{}

	if raw, ok := fields["geom"]; ok {
		p.Geom = raw
	}

	if raw, ok := fields["name"]; ok {
		p.NameSet = true
		if !isNull(raw) {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				errs.Add("name", codec.InvalidStringMessage)
			} else {
				p.Name = &s
			}
		}
	}

	if raw, ok := fields["class_id"]; ok {
		p.ClassIDSet = true
		if !isNull(raw) {
			var n int64
			if err := json.Unmarshal(raw, &n); err != nil {
				errs.Add("class_id", codec.InvalidIntegerMessage)
			} else {
				p.ClassID = &n
			}
		}
	}

	if raw, ok := fields["props"]; ok {
		p.PropsSet = true
		if !isNull(raw) {
			p.Props = models.Props(append([]byte(nil), raw...))
		}
	}

	return p, errs, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
