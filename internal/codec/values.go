package codec

import "fmt"

// Values holds the decoded, non-pad fields of a reply in layout order. Each
// element is a uint8, an int16 or a []byte.
type Values []any

// Uint8 returns value i as a uint8.
func (v Values) Uint8(i int) (uint8, error) {
	x, err := v.at(i)
	if err != nil {
		return 0, err
	}
	u, ok := x.(uint8)
	if !ok {
		return 0, fmt.Errorf("value %d is %T, not uint8", i, x)
	}
	return u, nil
}

// Int16 returns value i as an int16.
func (v Values) Int16(i int) (int16, error) {
	x, err := v.at(i)
	if err != nil {
		return 0, err
	}
	n, ok := x.(int16)
	if !ok {
		return 0, fmt.Errorf("value %d is %T, not int16", i, x)
	}
	return n, nil
}

// Bytes returns value i as a byte string.
func (v Values) Bytes(i int) ([]byte, error) {
	x, err := v.at(i)
	if err != nil {
		return nil, err
	}
	b, ok := x.([]byte)
	if !ok {
		return nil, fmt.Errorf("value %d is %T, not []byte", i, x)
	}
	return b, nil
}

func (v Values) at(i int) (any, error) {
	if i < 0 || i >= len(v) {
		return nil, fmt.Errorf("value index %d out of range (have %d)", i, len(v))
	}
	return v[i], nil
}
