package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/mimosync/internal/proxy"
	"github.com/rjboer/mimosync/internal/sdr"
)

// fanOut calls fn on every unit concurrently, each under its own timeout,
// and waits for all of them. Results and errors are keyed by unit name.
func fanOut[T any](ctx context.Context, units map[string]Unit, timeout time.Duration, fn func(context.Context, Unit) (T, error)) (map[string]T, map[string]error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]T, len(units))
		errs    = make(map[string]error)
	)
	for name, u := range units {
		wg.Add(1)
		go func(name string, u Unit) {
			defer wg.Done()
			callCtx, cancel := ctx, context.CancelFunc(func() {})
			if timeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, timeout)
			}
			defer cancel()

			v, err := fn(callCtx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[name] = unitError(callCtx, name, u, err)
				return
			}
			results[name] = v
		}(name, u)
	}
	wg.Wait()
	return results, errs
}

// unitError tags err with the unit. A call that outlived its deadline is a
// transport failure whatever the unit reported.
func unitError(ctx context.Context, name string, u Unit, err error) error {
	rue := &proxy.RemoteUnitError{Unit: name, Address: u.Addr(), Err: err}
	var inner *proxy.RemoteUnitError
	if errors.As(err, &inner) {
		rue = &proxy.RemoteUnitError{Unit: inner.Unit, Address: inner.Address, Err: inner.Err}
	}
	if ctx.Err() != nil && !errors.Is(rue.Err, sdr.ErrTransport) {
		rue.Err = fmt.Errorf("%w: %w", sdr.ErrTransport, rue.Err)
	}
	return rue
}
