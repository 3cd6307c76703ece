package vm

import (
	"context"

	"github.com/containerd/log"

	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

// Delegate receives guest lifecycle notifications. It observes; it never
// drives the controller.
type Delegate interface {
	// GuestDidStop is called when the guest shuts itself down cleanly.
	GuestDidStop()

	// DidStopWithError is called when the guest stops because of an error.
	DidStopWithError(err error)
}

// LoggingDelegate logs lifecycle notifications.
type LoggingDelegate struct {
	Ctx context.Context
}

func (d LoggingDelegate) ctx() context.Context {
	if d.Ctx == nil {
		return context.Background()
	}
	return d.Ctx
}

func (d LoggingDelegate) GuestDidStop() {
	log.G(d.ctx()).Info("guest stopped")
}

func (d LoggingDelegate) DidStopWithError(err error) {
	log.G(d.ctx()).WithError(err).Error("guest stopped with error")
}

// WatchMachine forwards machine events to delegate until the event channel
// closes or ctx is done. It returns the error the guest stopped with, if
// any.
func WatchMachine(ctx context.Context, events <-chan hypervisor.MachineEvent, delegate Delegate) error {
	var stopErr error
	for {
		select {
		case <-ctx.Done():
			return stopErr
		case ev, ok := <-events:
			if !ok {
				return stopErr
			}
			switch ev.Kind {
			case hypervisor.GuestStopped:
				delegate.GuestDidStop()
			case hypervisor.GuestError:
				stopErr = ev.Err
				delegate.DidStopWithError(ev.Err)
			default:
				log.G(ctx).WithField("kind", ev.Kind.String()).Debug("ignoring machine event")
			}
		}
	}
}
