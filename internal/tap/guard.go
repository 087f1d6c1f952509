package tap

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

type release struct {
	name string
	fn   func() error
}

// guard records backend handles as they are created and releases them in
// reverse order.
type guard struct {
	releases []release
}

func (g *guard) push(name string, fn func() error) {
	g.releases = append(g.releases, release{name: name, fn: fn})
}

// release runs every release function, newest first. A failing release
// does not stop the rest.
func (g *guard) release(log zerolog.Logger) error {
	if g == nil {
		return nil
	}
	var errs []error
	for i := len(g.releases) - 1; i >= 0; i-- {
		r := g.releases[i]
		if err := r.fn(); err != nil {
			log.Warn().Err(err).Str("resource", r.name).Msg("Failed to release capture resource")
			errs = append(errs, fmt.Errorf("release %s: %w", r.name, err))
		}
	}
	g.releases = nil
	return errors.Join(errs...)
}
