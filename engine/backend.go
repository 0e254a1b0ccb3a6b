package engine

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"k8s.io/klog/v2"
)

// NewBackend creates the compute backend for a run. Accelerator availability
// is probed exactly once, here: if the default (typically XLA with a GPU)
// cannot be created, the whole run is downgraded to the pure-Go CPU backend
// instead of failing. The engine itself never branches on device type again.
func NewBackend() backends.Backend {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() {
		backend = backends.MustNew()
	})
	if err != nil {
		klog.Warningf("accelerator backend unavailable, running on CPU: %v", err)
		backend, err = backends.NewWithConfig("go")
		if err != nil {
			panic(err)
		}
	}
	return backend
}
