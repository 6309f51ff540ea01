package sources

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/task/provider"
)

// ErrUnknownProvider is returned for a built-in provider name that does
// not exist.
var ErrUnknownProvider = errors.New("unknown task provider")

var builtins = map[string]func(*logging.Logger) provider.Provider{
	NPMType:      func(l *logging.Logger) provider.Provider { return NewNPM(l) },
	MakeType:     func(l *logging.Logger) provider.Provider { return NewMake(l) },
	TaskfileType: func(l *logging.Logger) provider.Provider { return NewTaskfile(l) },
}

// Builtin returns the built-in providers with the given names.
func Builtin(names []string, logger *logging.Logger) ([]provider.Provider, error) {
	out := make([]provider.Provider, 0, len(names))
	for _, name := range names {
		mk, ok := builtins[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
		out = append(out, mk(logger))
	}
	return out, nil
}

// LoadLua loads every provider script in paths. Scripts that fail to load
// are reported together; the others are returned.
func LoadLua(ctx context.Context, paths []string, logger *logging.Logger) ([]*Lua, error) {
	var (
		out  []*Lua
		errs []error
	)
	for _, path := range paths {
		p, err := NewLua(ctx, path, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	return out, errors.Join(errs...)
}
