package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// BoundingBox is expressed in image pixel space. x1 <= x2 and y1 <= y2 is
// expected from the service but not enforced here.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is a single labelled box. On the wire it is the triple
// [box, label, score].
type Detection struct {
	Box   BoundingBox
	Label string
	Score float64
}

// Display renders the detection the way it is shown to the user.
func (d Detection) Display() string {
	return d.Label + ": " + FormatScore(d.Score)
}

func (d Detection) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{d.Box, d.Label, d.Score})
}

func (d *Detection) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("detection: expected 3 elements, got %d", len(parts))
	}
	for i, part := range parts {
		if isNull(part) {
			return fmt.Errorf("detection: element %d is null", i)
		}
	}

	box, err := decodeBox(parts[0])
	if err != nil {
		return fmt.Errorf("detection box: %w", err)
	}
	var label string
	if err := json.Unmarshal(parts[1], &label); err != nil {
		return fmt.Errorf("detection label: %w", err)
	}
	var score float64
	if err := json.Unmarshal(parts[2], &score); err != nil {
		return fmt.Errorf("detection score: %w", err)
	}

	*d = Detection{Box: box, Label: label, Score: score}
	return nil
}

// decodeBox requires all four coordinates to be present numbers.
func decodeBox(data json.RawMessage) (BoundingBox, error) {
	var raw struct {
		X1 *float64 `json:"x1"`
		Y1 *float64 `json:"y1"`
		X2 *float64 `json:"x2"`
		Y2 *float64 `json:"y2"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return BoundingBox{}, err
	}
	if raw.X1 == nil || raw.Y1 == nil || raw.X2 == nil || raw.Y2 == nil {
		return BoundingBox{}, errors.New("box requires x1, y1, x2 and y2")
	}
	return BoundingBox{X1: *raw.X1, Y1: *raw.Y1, X2: *raw.X2, Y2: *raw.Y2}, nil
}

func isNull(data json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

// ClassificationResult is the ordered sequence of detections returned by the
// service. A parsed result is never empty.
type ClassificationResult []Detection

// ParseResult decodes a service response body. Anything other than a
// non-empty array of detections is a parse error.
func ParseResult(body []byte) (ClassificationResult, error) {
	var result ClassificationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, ParseError(err)
	}
	if len(result) == 0 {
		return nil, ParseError(ErrEmptyResult)
	}
	return result, nil
}

// errNoDetections keeps Select total over empty input.
var errNoDetections = errors.New("no detections to select from")
