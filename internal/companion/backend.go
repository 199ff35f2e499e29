package companion

import (
	"context"
	"os"
	"path/filepath"

	"github.com/danmuck/testhost/internal/invoke"
)

// selfRouter runs requests aimed at the companion's own binary in process
// and hands everything else to spawn.
type selfRouter struct {
	self  string
	spawn invoke.Invoker
}

// NewBackend wraps spawn so entries compiled into the companion itself are
// served by invoke.Local without starting a child.
func NewBackend(spawn invoke.Invoker) invoke.Invoker {
	self, err := os.Executable()
	if err != nil {
		return spawn
	}
	if resolved, err := filepath.EvalSymlinks(self); err == nil {
		self = resolved
	}
	return selfRouter{self: self, spawn: spawn}
}

func (r selfRouter) Name() string { return r.spawn.Name() }

func (r selfRouter) Invoke(ctx context.Context, req invoke.Request, settings invoke.Settings) (invoke.Result, error) {
	target := req.AssemblyName
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}
	if target == r.self {
		return invoke.Local{}.Invoke(ctx, req, settings)
	}
	return r.spawn.Invoke(ctx, req, settings)
}
