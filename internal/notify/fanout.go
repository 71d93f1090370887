package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

// Fanout delivers to every target and joins their failures. One failing
// target does not stop the others.
type Fanout []lending.Notifier

func (f Fanout) Notify(ctx context.Context, n lending.Notification) error {
	var errs []error
	for i, target := range f {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("target %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
