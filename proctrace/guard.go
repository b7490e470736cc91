package proctrace

// Attacher is the slice of Controller needed by AttachGuard.
type Attacher interface {
	IsAttached() bool
	Attach() error
	Detach() error
}

// AttachGuard composes operations that need the target stopped without
// nesting attach/detach logic in every caller. It attaches iff the
// controller is not already attached, remembers whether it was the one
// responsible, and detaches on Release only in that case.
//
//	guard := proctrace.NewAttachGuard(controller)
//	defer guard.Release()
//	if !guard.Ok() {
//		return guard.Err()
//	}
type AttachGuard struct {
	target   Attacher
	acquired bool
	err      error
}

func NewAttachGuard(target Attacher) *AttachGuard {
	guard := &AttachGuard{target: target}

	if !target.IsAttached() {
		guard.err = target.Attach()
		guard.acquired = guard.err == nil
	}

	return guard
}

// Ok reports whether the target is attached.
func (o *AttachGuard) Ok() bool {
	return o.target.IsAttached()
}

// Err returns the attach error, if the guard attempted an attach and
// it failed.
func (o *AttachGuard) Err() error {
	return o.err
}

// Release detaches iff this guard performed the attach. It is safe to
// call multiple times.
func (o *AttachGuard) Release() {
	if o.acquired {
		o.acquired = false
		o.target.Detach()
	}
}
