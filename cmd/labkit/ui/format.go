package ui

import (
	"fmt"
	"strconv"

	"labkit/pkg/nodetree"
)

// FormatValue renders a node value for terminal output. Vectors and byte
// blobs show their length instead of the payload.
func FormatValue(v nodetree.Value) string {
	switch d := v.Data.(type) {
	case int64:
		return strconv.FormatInt(d, 10)
	case float64:
		return strconv.FormatFloat(d, 'g', -1, 64)
	case string:
		return d
	case nodetree.Complex:
		return fmt.Sprintf("%g%+gi", d.Re, d.Im)
	case []float64:
		return fmt.Sprintf("vector_double[%d]", len(d))
	case []int64:
		return fmt.Sprintf("vector_int[%d]", len(d))
	case []byte:
		return fmt.Sprintf("bytes[%d]", len(d))
	case nodetree.Sample:
		return formatSample(d)
	default:
		return fmt.Sprintf("%v", d)
	}
}

func formatSample(s nodetree.Sample) string {
	out := fmt.Sprintf("x=%.6g y=%.6g", s["x"], s["y"])
	if f, ok := s["frequency"]; ok {
		out += fmt.Sprintf(" freq=%.6g", f)
	}
	if p, ok := s["phase"]; ok {
		out += fmt.Sprintf(" phase=%.4g", p)
	}
	return out
}
