package invoke

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// SuccessExitCode is what an entry returns to report success. It is not 0
// so that a child that exits early, for any reason, never looks successful.
const SuccessExitCode = 42

// Request identifies one entry in one binary plus its arguments.
type Request struct {
	ID           string
	AssemblyName string
	TypeName     string
	MethodName   string
	Args         []string
}

// Name is the runtime function name the registry is keyed by.
func (r Request) Name() string {
	return r.TypeName + "." + r.MethodName
}

// Result is what a host observed for one request.
type Result struct {
	ExitCode int
	Log      string
	// PID of the process that ran the entry, HostPID of the companion.
	PID      int
	HostPID  int
	Duration time.Duration
}

// NewRequest validates fn and builds its identity in the running binary.
func NewRequest(fn any, args ...string) (Request, error) {
	v, err := entryValue(fn)
	if err != nil {
		return Request{}, err
	}
	if n := v.Type().NumIn(); n != len(args) {
		return Request{}, &SignatureError{Name: funcName(v), Reason: fmt.Sprintf("takes %d args, got %d", n, len(args))}
	}
	exe, err := os.Executable()
	if err != nil {
		return Request{}, fmt.Errorf("invoke: resolve executable: %w", err)
	}
	typeName, methodName := splitName(funcName(v))
	return Request{
		ID:           uuid.NewString(),
		AssemblyName: exe,
		TypeName:     typeName,
		MethodName:   methodName,
		Args:         append([]string(nil), args...),
	}, nil
}
