package recorder

import (
	"encoding/json"
	"math"

	"labkit/internal/protocol"
)

func sampleMagnitude(s protocol.Sample) float64 {
	return math.Hypot(s["x"], s["y"])
}

func encodeSample(s protocol.Sample) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw)
}

// DecodeSample restores the demod fields stored in a sample's str column.
func DecodeSample(str string) (protocol.Sample, error) {
	var s protocol.Sample
	if err := json.Unmarshal([]byte(str), &s); err != nil {
		return nil, err
	}
	return s, nil
}
