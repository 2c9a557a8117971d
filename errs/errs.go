// Package errs defines the sentinel error kinds returned by the fusion
// executor. Callers should use errors.Is against these values rather than
// matching on message text.
package errs

import "errors"

var (
	// ErrShapeUnresolved means a symbolic extent could not be evaluated
	// against the bound inputs.
	ErrShapeUnresolved = errors.New("fuser: shape extent unresolved")

	// ErrRankMismatch means an allocation-to-logical transform traversal
	// ended with a frontier that is not a permutation of the logical domain.
	ErrRankMismatch = errors.New("fuser: rank mismatch in domain traversal")

	// ErrUnsupportedAllocTransform means a domain transform node was
	// neither a split nor a merge.
	ErrUnsupportedAllocTransform = errors.New("fuser: unsupported allocation transform")

	// ErrInvalidProgram means a kernel precondition evaluated to false.
	ErrInvalidProgram = errors.New("fuser: invalid program")

	// ErrIndexTypeConflict means the argument-implied index width
	// conflicts with an explicit override or a TMA-forced width.
	ErrIndexTypeConflict = errors.New("fuser: index type conflict")

	// ErrDeviceTooOld means the selected device's capability is below the
	// kernel summary's declared minimum.
	ErrDeviceTooOld = errors.New("fuser: device capability too old")

	// ErrSharedMemoryExceeded means static plus dynamic shared memory
	// exceeds the device limit.
	ErrSharedMemoryExceeded = errors.New("fuser: shared memory exceeded")

	// ErrDynamicLocalAllocation means the kernel declares a local-memory
	// allocation with a non-constant size.
	ErrDynamicLocalAllocation = errors.New("fuser: dynamic local allocation")

	// ErrCooperativeTooLarge means a cooperative launch's grid would
	// exceed the device's resident-block capacity.
	ErrCooperativeTooLarge = errors.New("fuser: cooperative launch too large")

	// ErrUnknownDtype means no NaN-fill sentinel is defined for an
	// element type.
	ErrUnknownDtype = errors.New("fuser: unknown dtype")

	// ErrNoDevice means no suitable GPU adapter could be acquired.
	ErrNoDevice = errors.New("fuser: no gpu device available")

	// ErrNotInitialized means an operation was attempted on an executor
	// that is not initialized.
	ErrNotInitialized = errors.New("fuser: executor not initialized")

	// ErrNilKernel means a nil lowered kernel was passed to Compile.
	ErrNilKernel = errors.New("fuser: nil kernel")
)
