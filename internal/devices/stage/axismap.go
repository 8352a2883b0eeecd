package stage

import "strings"

// AxisMap relabels axes, e.g. instrument axis -> hardware axis. Keys are
// lower-case without a sign; a leading '-' on a value means the axes run in
// opposite directions.
type AxisMap map[string]string

// SanitizeAxisMap lower-cases both sides of m and moves any sign onto the
// value. A sign on both sides cancels.
func SanitizeAxisMap(m map[string]string) AxisMap {
	out := make(AxisMap, len(m))
	for axis, target := range m {
		axis = strings.ToLower(strings.TrimSpace(axis))
		target = strings.ToLower(strings.TrimSpace(target))
		sign := ""
		if strings.HasPrefix(axis, "-") != strings.HasPrefix(target, "-") {
			sign = "-"
		}
		out[strings.TrimLeft(axis, "-")] = sign + strings.TrimLeft(target, "-")
	}
	return out
}

// Invert returns the reverse mapping.
func (m AxisMap) Invert() AxisMap {
	raw := make(map[string]string, len(m))
	for axis, target := range m {
		raw[target] = axis
	}
	return SanitizeAxisMap(raw)
}

// Remap relabels the keys of values. Axes absent from m keep their name;
// values mapped onto a negative axis are negated.
func (m AxisMap) Remap(values map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	for axis, v := range values {
		axis = strings.ToLower(axis)
		target, ok := m[axis]
		if !ok {
			target = axis
		}
		if t, neg := strings.CutPrefix(target, "-"); neg {
			out[t] = -v
			continue
		}
		out[target] = v
	}
	return out
}

// RemapAxis relabels a single axis value.
func (m AxisMap) RemapAxis(axis string, v float64) (string, float64) {
	for k, x := range m.Remap(map[string]float64{axis: v}) {
		return k, x
	}
	return strings.ToLower(axis), v
}
