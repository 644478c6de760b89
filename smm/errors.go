package smm

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/sarchlab/archsim/addr"
	"github.com/sarchlab/archsim/mmu"
)

// ErrUnsupportedSize is returned for accesses that are not 1, 2, 4 or 8
// bytes wide.
var ErrUnsupportedSize = errors.New("unsupported access size")

// Fault is a guest-visible translation failure. When the access had side
// effects the exception has already been delivered to the hart.
type Fault struct {
	Addr   addr.VirtualAddress
	Access mmu.AccessInfo
	Result mmu.TranslateResult
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s on %s access to %s", f.Result, f.Access, f.Addr)
}

// InternalError is a simulator failure while servicing an access, such as
// a host page that cannot be locked or a malformed page table.
type InternalError struct {
	Addr   addr.VirtualAddress
	Access mmu.AccessInfo
	Thread int
	Result mmu.TranslateResult
	Err    error
}

func (e *InternalError) Error() string {
	msg := fmt.Sprintf("internal error on %s access to %s (thread %d)", e.Access, e.Addr, e.Thread)
	if e.Result != mmu.TranslateOK {
		msg += ": " + e.Result.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *InternalError) Unwrap() error { return e.Err }
