package hub

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// AttributeState is the last reported value of a single capability attribute.
type AttributeState struct {
	Value     any    `json:"value"`
	Unit      string `json:"unit,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Attributes is an insertion-ordered attribute name -> state container.
// The zero value is ready to use.
type Attributes struct {
	m *orderedmap.OrderedMap[string, AttributeState]
}

// NewAttributes returns an empty container.
func NewAttributes() *Attributes {
	return &Attributes{m: orderedmap.New[string, AttributeState]()}
}

func (a *Attributes) init() {
	if a.m == nil {
		a.m = orderedmap.New[string, AttributeState]()
	}
}

// Set stores st under name, keeping the original position if name exists.
func (a *Attributes) Set(name string, st AttributeState) {
	a.init()
	a.m.Set(name, st)
}

// Get returns the state stored under name.
func (a *Attributes) Get(name string) (AttributeState, bool) {
	if a == nil || a.m == nil {
		return AttributeState{}, false
	}
	return a.m.Get(name)
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil || a.m == nil {
		return 0
	}
	return a.m.Len()
}

// Keys returns attribute names in insertion order.
func (a *Attributes) Keys() []string {
	if a == nil || a.m == nil {
		return nil
	}
	keys := make([]string, 0, a.m.Len())
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Each calls fn for every attribute in insertion order until fn returns false.
func (a *Attributes) Each(fn func(name string, st AttributeState) bool) {
	if a == nil || a.m == nil {
		return
	}
	for p := a.m.Oldest(); p != nil; p = p.Next() {
		if !fn(p.Key, p.Value) {
			return
		}
	}
}

// String returns the value under name if it is a string.
func (a *Attributes) String(name string) (string, bool) {
	st, ok := a.Get(name)
	if !ok {
		return "", false
	}
	s, ok := st.Value.(string)
	return s, ok
}

// Float returns the value under name as a float64. Numeric strings are accepted.
func (a *Attributes) Float(name string) (float64, bool) {
	st, ok := a.Get(name)
	if !ok {
		return 0, false
	}
	return toFloat(st.Value)
}

// Int returns the value under name truncated to an int.
func (a *Attributes) Int(name string) (int, bool) {
	f, ok := a.Float(name)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Clone returns a deep copy of the ordering and a shallow copy of the values.
func (a *Attributes) Clone() *Attributes {
	out := NewAttributes()
	a.Each(func(name string, st AttributeState) bool {
		out.m.Set(name, st)
		return true
	})
	return out
}

func (a *Attributes) MarshalJSON() ([]byte, error) {
	if a == nil || a.m == nil {
		return []byte("{}"), nil
	}
	return a.m.MarshalJSON()
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	a.m = orderedmap.New[string, AttributeState]()
	if err := a.m.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("decoding attributes: %w", err)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
