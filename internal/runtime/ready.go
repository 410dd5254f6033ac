package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReadyCheck is a named dependency check
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

// Ready runs every check with its own timeout and joins the failures
func Ready(ctx context.Context, checks ...ReadyCheck) error {
	var errs []error

	for _, check := range checks {
		if check.Check == nil {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check.Check(cctx)

		cancel()

		if err != nil {
			name := check.Name
			if name == "" {
				name = "dependency"
			}

			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
