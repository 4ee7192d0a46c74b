package models

// Optimistic is a setting that is shown to the user immediately after a local
// request and reconciled against the authoritative server echo later.
type Optimistic[T comparable] struct {
	Confirmed   T    `json:"confirmed"`
	Pending     T    `json:"pending,omitempty"`
	HavePending bool `json:"have_pending,omitempty"`
}

// Effective returns the value the user should currently see.
func (o Optimistic[T]) Effective() T {
	if o.HavePending {
		return o.Pending
	}
	return o.Confirmed
}

// SetPending stores an optimistic value and reports whether the effective
// value changed.
func (o *Optimistic[T]) SetPending(value T) bool {
	old := o.Effective()
	o.Pending = value
	o.HavePending = true
	return old != value
}

// Confirm accepts the pending value as authoritative and reports whether the
// effective value changed.
func (o *Optimistic[T]) Confirm() bool {
	if !o.HavePending {
		return false
	}
	old := o.Effective()
	o.Confirmed = o.Pending
	o.HavePending = false
	var zero T
	o.Pending = zero
	return old != o.Effective()
}

// Revert drops the pending value after a failed request and reports whether
// the effective value changed, in which case a correcting notification must
// be emitted.
func (o *Optimistic[T]) Revert() bool {
	if !o.HavePending {
		return false
	}
	old := o.Effective()
	o.HavePending = false
	var zero T
	o.Pending = zero
	return old != o.Effective()
}

// Apply merges a server-confirmed value and reports whether the effective
// value changed. A pending value equal to the echo is considered confirmed.
func (o *Optimistic[T]) Apply(value T) bool {
	old := o.Effective()
	o.Confirmed = value
	if o.HavePending && o.Pending == value {
		o.HavePending = false
		var zero T
		o.Pending = zero
	}
	return old != o.Effective()
}
