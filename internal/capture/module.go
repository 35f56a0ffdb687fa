package capture

import "context"

// Module is one recording source on a node. Start must return once the
// module is recording into dir; Stop must flush and close its files.
type Module interface {
	ID() string
	Start(ctx context.Context, dir string) error
	Stop(ctx context.Context) error
}

// Flasher is implemented by modules that can stamp a visible or audible
// sync marker at a synchronized timestamp.
type Flasher interface {
	Flash(ctx context.Context, syncNS int64) error
}

// Describer is implemented by modules that expose capability details to
// query_capabilities.
type Describer interface {
	Describe() map[string]string
}
