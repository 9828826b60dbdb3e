package market

import (
	"encoding/json"
	"fmt"
)

// Quality grades how a field value was obtained and whether it can be trusted.
type Quality string

const (
	QualityValid   Quality = "VALID"
	QualityMissing Quality = "MISSING"
	QualityDerived Quality = "DERIVED"
	QualityStale   Quality = "STALE"
	QualityInvalid Quality = "INVALID"
)

// Field carries one market datum together with its provenance. A field is
// never coerced to a default: when the upstream value could not be obtained
// or derived, Quality is not VALID and Value must be ignored. Zero is a
// legitimate VALID value (open interest of 0 is data, not absence).
type Field[T any] struct {
	Value   T
	Quality Quality
	Reason  string
	Name    string
}

// Valid wraps a value observed directly from the upstream record.
func Valid[T any](name string, value T) Field[T] {
	return Field[T]{Value: value, Quality: QualityValid, Name: name}
}

// Missing marks a field that could not be obtained. The reason is mandatory;
// "0" or "" stand-ins are exactly what this type exists to prevent.
func Missing[T any](name, reason string) Field[T] {
	return Field[T]{Quality: QualityMissing, Reason: reason, Name: name}
}

// Derived wraps a value computed from other fields rather than observed.
func Derived[T any](name string, value T, reason string) Field[T] {
	return Field[T]{Value: value, Quality: QualityDerived, Reason: reason, Name: name}
}

// Stale wraps an observed value older than the freshness window.
func Stale[T any](name string, value T, reason string) Field[T] {
	return Field[T]{Value: value, Quality: QualityStale, Reason: reason, Name: name}
}

// Invalid marks a field whose upstream value was present but unusable.
func Invalid[T any](name, reason string) Field[T] {
	return Field[T]{Quality: QualityInvalid, Reason: reason, Name: name}
}

// Usable reports whether Value may participate in comparisons. MISSING and
// INVALID fields carry no usable value.
func (f Field[T]) Usable() bool {
	switch f.Quality {
	case QualityValid, QualityDerived, QualityStale:
		return true
	default:
		return false
	}
}

// Ptr returns the value by pointer, or nil when the field is not usable.
func (f Field[T]) Ptr() *T {
	if !f.Usable() {
		return nil
	}
	v := f.Value
	return &v
}

func (f Field[T]) String() string {
	if !f.Usable() {
		return fmt.Sprintf("%s (%s: %s)", f.Name, f.Quality, f.Reason)
	}
	return fmt.Sprintf("%s=%v (%s)", f.Name, f.Value, f.Quality)
}

type fieldJSON[T any] struct {
	Value   *T      `json:"value"`
	Quality Quality `json:"quality"`
	Reason  string  `json:"reason,omitempty"`
	Name    string  `json:"field_name,omitempty"`
}

// MarshalJSON emits a null value for every non-usable field so that readers
// can never mistake absence for zero.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	out := fieldJSON[T]{Quality: f.Quality, Reason: f.Reason, Name: f.Name}
	if f.Usable() {
		v := f.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a field, leaving Value at its zero when the payload
// carries null.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	var in fieldJSON[T]
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var zero T
	f.Value = zero
	if in.Value != nil {
		f.Value = *in.Value
	}
	f.Quality = in.Quality
	f.Reason = in.Reason
	f.Name = in.Name
	return nil
}
