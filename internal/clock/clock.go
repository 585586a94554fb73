package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time for schedulers and the deferred linker so tests can
// drive the matching windows deterministically.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
