package ucs

import (
	"fmt"
	"sync"
	"time"
)

// ValueType is the declared type of a Property's value.
type ValueType int

const (
	ValueInt ValueType = iota + 1
	ValueFloat
	ValueDouble
	ValueString
	ValueBool
	ValueList
	ValueEnum
	ValueNone
)

// ValueSpec distinguishes a Property holding a real value from one
// that's currently unavailable ("N/A") -- e.g. a telemetry field the
// vehicle hasn't reported yet, or has stopped reporting.
type ValueSpec int

const (
	ValueRegular ValueSpec = iota + 1
	ValueNA
)

// commitThrottle caps how often a single Property is allowed to report
// itself changed, so a rapidly-updating telemetry field doesn't flood
// the UCS connection with an envelope per sample.
const commitThrottle = 200 * time.Millisecond

// Property is a typed, named parameter: the unit the UCS envelope
// exchanges for telemetry fields, command parameters, and mission
// arguments. It tracks its own value, whether that value has changed
// since it was last reported, and an optional staleness timeout after
// which an unreported value reverts to N/A.
type Property struct {
	mu sync.Mutex

	id        int
	name      string
	valueType ValueType
	spec      ValueSpec
	value     any

	enumValues map[int]string
	minValue   *Property
	maxValue   *Property
	defValue   *Property

	timeout    time.Duration
	changed    bool
	updateTime time.Time
	commitTime time.Time
}

// NewProperty creates an empty (N/A) Property of the given type.
func NewProperty(id int, name string, valueType ValueType) *Property {
	return &Property{id: id, name: name, valueType: valueType, spec: ValueNA}
}

// NewPropertyWithValue creates a Property and immediately sets its
// value, deriving valueType from the Go type of v.
func NewPropertyWithValue(id int, name string, v any) *Property {
	p := &Property{id: id, name: name, valueType: inferValueType(v)}
	_ = p.SetValue(v)
	return p
}

func inferValueType(v any) ValueType {
	switch v.(type) {
	case bool:
		return ValueBool
	case int, int32, int64, uint, uint32, uint64:
		return ValueInt
	case float32:
		return ValueFloat
	case float64:
		return ValueDouble
	case string:
		return ValueString
	case []any:
		return ValueList
	default:
		return ValueNone
	}
}

// ID returns the property's field id.
func (p *Property) ID() int { return p.id }

// Name returns the property's declared name.
func (p *Property) Name() string { return p.name }

// Type returns the property's declared value type.
func (p *Property) Type() ValueType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valueType
}

// SetValue stores v as the property's current value, marking it
// changed if it differs from the previous value (or the property was
// previously N/A).
func (p *Property) SetValue(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spec == ValueNA || !valuesEqual(p.value, v) {
		p.changed = true
	}
	p.value = v
	p.spec = ValueRegular
	p.updateTime = time.Now()
	return nil
}

// SetNA marks the property as unavailable, e.g. because its source has
// stopped reporting it.
func (p *Property) SetNA() {
	p.mu.Lock()
	if p.spec != ValueNA {
		p.changed = true
	}
	p.spec = ValueNA
	p.value = nil
	p.mu.Unlock()
}

// Value returns the current value and whether it's a real (non-N/A)
// value.
func (p *Property) Value() (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.spec == ValueRegular
}

// SetTimeout arms a staleness timeout: if the property isn't updated
// again within d, the next IsChanged call reverts it to N/A.
func (p *Property) SetTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// IsChanged reports whether the value has changed since the last
// SetChanged/ClearChanged call. A property that has gone silent past
// its configured timeout is treated as changed (it flips to N/A).
func (p *Property) IsChanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout > 0 && p.spec == ValueRegular && time.Since(p.updateTime) >= p.timeout {
		p.spec = ValueNA
		p.value = nil
		p.changed = true
	}
	return p.changed
}

// SetChanged forces the next IsChanged to report true, even if the
// value itself hasn't moved -- used to force a telemetry field onto
// the wire on first registration.
func (p *Property) SetChanged() {
	p.mu.Lock()
	p.changed = true
	p.mu.Unlock()
}

// ClearChanged resets the changed flag after the current value has
// been committed to the wire.
func (p *Property) ClearChanged() {
	p.mu.Lock()
	p.changed = false
	p.mu.Unlock()
}

// ShouldCommit reports whether enough time has elapsed since the last
// commit to allow sending this property's value again, and if so
// stamps the commit time. Call once per candidate send.
func (p *Property) ShouldCommit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if now.Sub(p.commitTime) < commitThrottle {
		return false
	}
	p.commitTime = now
	return true
}

// IsNA reports whether the property currently has no real value.
func (p *Property) IsNA() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec == ValueNA
}

// AddEnum registers a name for an enum value, used by DumpValue to
// render enum-typed properties symbolically.
func (p *Property) AddEnum(name string, value int) {
	p.mu.Lock()
	if p.enumValues == nil {
		p.enumValues = make(map[int]string)
	}
	p.enumValues[value] = name
	p.mu.Unlock()
}

// MinValue, MaxValue, and DefaultValue carry the optional bound/default
// properties a typed parameter may declare alongside its live value.
func (p *Property) MinValue() *Property     { return p.minValue }
func (p *Property) MaxValue() *Property     { return p.maxValue }
func (p *Property) DefaultValue() *Property { return p.defValue }

func (p *Property) SetMinValue(v *Property)     { p.minValue = v }
func (p *Property) SetMaxValue(v *Property)     { p.maxValue = v }
func (p *Property) SetDefaultValue(v *Property) { p.defValue = v }

// DumpValue renders the property's current value for diagnostics,
// resolving enum values to their registered name where known.
func (p *Property) DumpValue() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spec == ValueNA {
		return "N/A"
	}
	if p.valueType == ValueEnum {
		if n, ok := p.value.(int); ok {
			if name, ok := p.enumValues[n]; ok {
				return name
			}
		}
	}
	return fmt.Sprintf("%v", p.value)
}

func valuesEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// PropertyList is a named collection of Properties, e.g. the set of
// command parameters a vehicle currently advertises as available.
type PropertyList map[string]*Property

// GetValue returns the named property's value if present and not N/A.
func (l PropertyList) GetValue(name string) (any, bool) {
	p, ok := l[name]
	if !ok {
		return nil, false
	}
	return p.Value()
}

// IsEqual reports whether every property in l has the same value as
// its counterpart in other (by name); extra entries on either side are
// ignored.
func (l PropertyList) IsEqual(other PropertyList) bool {
	for name, p := range l {
		op, ok := other[name]
		if !ok {
			continue
		}
		v1, ok1 := p.Value()
		v2, ok2 := op.Value()
		if ok1 != ok2 || !valuesEqual(v1, v2) {
			return false
		}
	}
	return true
}
