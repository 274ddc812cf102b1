package storage

import (
	"fmt"

	"github.com/haasonsaas/nexuskernel/internal/kernel"
)

// Open builds a kernel.DurableMirror for the given driver name ("sqlite3" or
// "postgres"). An empty or "none" driver disables mirroring and returns a nil
// mirror with no error. This is the single entry point cmd/nexus uses so the
// kernel's construction path stays agnostic to which dialect backs it.
//
// The returned mirror also implements io.Closer; callers should close it
// when the kernel shuts down.
func Open(driver, dsn string) (kernel.DurableMirror, error) {
	switch driver {
	case "", "none":
		return nil, nil
	case "sqlite3":
		return NewSQLiteMirror(dsn)
	case "postgres":
		return NewPostgresMirror(dsn)
	default:
		return nil, fmt.Errorf("storage: unknown mirror driver %q", driver)
	}
}
