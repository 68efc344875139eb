package hub

import (
	"bytes"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// CapabilityStatus is one capability of a component with its attributes.
type CapabilityStatus struct {
	Capability string
	Attributes *Attributes
}

// ComponentStatus is one component of a device ("main" for most devices).
type ComponentStatus struct {
	Component    string
	Capabilities []CapabilityStatus
}

// Status is a device status snapshot. It keeps the registry's component and
// capability order. The JSON form is the registry's nested
// component -> capability -> attribute object.
type Status struct {
	DeviceID   string
	Components []ComponentStatus
}

// Capability returns the attributes of capability on component.
func (s Status) Capability(component, capability string) (*Attributes, bool) {
	for _, c := range s.Components {
		if c.Component != component {
			continue
		}
		for _, cs := range c.Capabilities {
			if cs.Capability == capability {
				return cs.Attributes, true
			}
		}
	}
	return nil, false
}

// Attribute looks up a single attribute.
func (s Status) Attribute(component, capability, attribute string) (AttributeState, bool) {
	attrs, ok := s.Capability(component, capability)
	if !ok {
		return AttributeState{}, false
	}
	return attrs.Get(attribute)
}

// FirstInt returns the first numeric attribute of capability in any
// component, in registry order, truncated to an int.
func (s Status) FirstInt(capability string) (int, bool) {
	f, ok := s.FirstFloat(capability)
	return int(f), ok
}

// FirstFloat returns the first numeric attribute of capability. An empty
// capability matches any.
func (s Status) FirstFloat(capability string) (float64, bool) {
	for _, c := range s.Components {
		for _, cs := range c.Capabilities {
			if capability != "" && cs.Capability != capability {
				continue
			}
			var (
				val   float64
				found bool
			)
			cs.Attributes.Each(func(_ string, st AttributeState) bool {
				if f, ok := toFloat(st.Value); ok {
					val, found = f, true
					return false
				}
				return true
			})
			if found {
				return val, true
			}
		}
	}
	return 0, false
}

// IsZero reports whether the status holds no components.
func (s Status) IsZero() bool { return len(s.Components) == 0 }

// Clone returns a copy that shares nothing mutable with s.
func (s Status) Clone() Status {
	out := Status{DeviceID: s.DeviceID, Components: make([]ComponentStatus, len(s.Components))}
	for i, c := range s.Components {
		caps := make([]CapabilityStatus, len(c.Capabilities))
		for j, cs := range c.Capabilities {
			caps[j] = CapabilityStatus{Capability: cs.Capability, Attributes: cs.Attributes.Clone()}
		}
		out.Components[i] = ComponentStatus{Component: c.Component, Capabilities: caps}
	}
	return out
}

type statusWire struct {
	Components json.RawMessage `json:"components"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"components":{`)
	for i, c := range s.Components {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(c.Component)
		buf.Write(key)
		buf.WriteString(":{")
		for j, cs := range c.Capabilities {
			if j > 0 {
				buf.WriteByte(',')
			}
			ckey, _ := json.Marshal(cs.Capability)
			buf.Write(ckey)
			buf.WriteByte(':')
			attrs, err := cs.Attributes.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(attrs)
		}
		buf.WriteByte('}')
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var w statusWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	s.Components = nil
	if len(w.Components) == 0 || string(w.Components) == "null" {
		return nil
	}

	comps := orderedmap.New[string, json.RawMessage]()
	if err := comps.UnmarshalJSON(w.Components); err != nil {
		return fmt.Errorf("decoding status components: %w", err)
	}
	for cp := comps.Oldest(); cp != nil; cp = cp.Next() {
		caps := orderedmap.New[string, json.RawMessage]()
		if err := caps.UnmarshalJSON(cp.Value); err != nil {
			return fmt.Errorf("decoding component %s: %w", cp.Key, err)
		}
		comp := ComponentStatus{Component: cp.Key}
		for p := caps.Oldest(); p != nil; p = p.Next() {
			attrs := NewAttributes()
			if err := attrs.UnmarshalJSON(p.Value); err != nil {
				return fmt.Errorf("decoding capability %s: %w", p.Key, err)
			}
			comp.Capabilities = append(comp.Capabilities, CapabilityStatus{Capability: p.Key, Attributes: attrs})
		}
		s.Components = append(s.Components, comp)
	}
	return nil
}
