package tensor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Non-finite float values travel as these JSON strings, encoding/json refuses them as numbers.
const (
	NAN_TOKEN     = "NaN"
	POS_INF_TOKEN = "+Inf"
	NEG_INF_TOKEN = "-Inf"
)

type wireTensor struct {
	DType  DType           `json:"dtype"`
	Shape  []int           `json:"shape"`
	Values json.RawMessage `json:"values,omitempty"`
	Ints   []int64         `json:"ints,omitempty"`
}

func (t Tensor) MarshalJSON() ([]byte, error) {
	wire := wireTensor{DType: t.DType, Shape: t.Shape, Ints: t.Ints}
	if len(t.Values) > 0 {
		wire.Values = appendFloats(make([]byte, 0, len(t.Values)*8+2), t.Values)
	}
	return json.Marshal(wire)
}

func (t *Tensor) UnmarshalJSON(body []byte) error {
	var wire wireTensor
	if err := json.Unmarshal(body, &wire); err != nil {
		return err
	}
	values, err := parseFloats(wire.Values)
	if err != nil {
		return err
	}
	*t = Tensor{DType: wire.DType, Shape: wire.Shape, Values: values, Ints: wire.Ints}
	return nil
}

func appendFloats(buf []byte, values []float64) []byte {
	buf = append(buf, '[')
	for i, v := range values {
		if i > 0 {
			buf = append(buf, ',')
		}
		switch {
		case math.IsNaN(v):
			buf = append(buf, `"`+NAN_TOKEN+`"`...)
		case math.IsInf(v, 1):
			buf = append(buf, `"`+POS_INF_TOKEN+`"`...)
		case math.IsInf(v, -1):
			buf = append(buf, `"`+NEG_INF_TOKEN+`"`...)
		default:
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
	}
	return append(buf, ']')
}

func parseFloats(raw json.RawMessage) ([]float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var values []float64
	if !bytes.Contains(raw, []byte(`"`)) {
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, err
		}
		return values, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	values = make([]float64, len(items))
	for i, item := range items {
		if len(item) > 0 && item[0] == '"' {
			var token string
			if err := json.Unmarshal(item, &token); err != nil {
				return nil, err
			}
			switch token {
			case NAN_TOKEN:
				values[i] = math.NaN()
			case POS_INF_TOKEN:
				values[i] = math.Inf(1)
			case NEG_INF_TOKEN:
				values[i] = math.Inf(-1)
			default:
				return nil, fmt.Errorf("invalid tensor value %q", token)
			}
			continue
		}
		if err := json.Unmarshal(item, &values[i]); err != nil {
			return nil, err
		}
	}
	return values, nil
}
