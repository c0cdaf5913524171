package installer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/supersign/interfaces"
)

// performWithRecovery retries op for as long as the device waits on its user, asking
// the delegate to present the matching message on every attempt. It gives up only on
// success, another error or cancellation.
func performWithRecovery[T any](ctx context.Context, i *Installer, op func(context.Context) (T, error)) (T, error) {
	var zero T
	presented := false
	defer func() {
		if presented {
			i.delegate.SetPresentedMessage(nil)
		}
	}()

	for {
		if !i.shouldContinue() {
			return zero, interfaces.ErrUserCancelled
		}

		v, err := op(ctx)
		var msg Message
		switch {
		case errors.Is(err, interfaces.ErrPairingDialogResponsePending):
			msg = MessagePairDevice
		case errors.Is(err, interfaces.ErrPasswordProtected):
			msg = MessageUnlockDevice
		default:
			return v, err
		}

		i.log.Debug("Waiting on device", slog.String("message", msg.String()))
		i.delegate.SetPresentedMessage(&msg)
		presented = true

		select {
		case <-ctx.Done():
			if !i.shouldContinue() {
				return zero, interfaces.ErrUserCancelled
			}
			return zero, ctx.Err()
		case <-time.After(i.cfg.RecoveryInterval):
		}
	}
}
