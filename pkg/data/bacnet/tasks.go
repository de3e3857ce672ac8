package bacnet

import (
	"bytes"
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/dataerr"
)

// subscribeCOVTask owns one COV subscription's lifetime: the initial
// SubscribeCOV request, periodic re-subscription at cov_lifetime minus
// a small jitter so re-subscriptions across many points spread out
// instead of bursting together, and cancellation.
//
// States: Pending -> (SimpleAck) -> Active -> (lifetime timer) ->
// Reconfirming -> (SimpleAck) -> Active; any state -> (error or
// cancel) -> Cancelled, terminal.
type subscribeCOVTask struct {
	logger   zerolog.Logger
	app      *application
	dest     string
	object   ObjectIdentifier
	lifetime time.Duration
	timeout  time.Duration
	pid      int

	cancelled atomic.Bool
	stop      chan struct{}
}

func newSubscribeCOVTask(logger zerolog.Logger, app *application, dest string, object ObjectIdentifier, lifetime, timeout time.Duration, pid int) *subscribeCOVTask {
	return &subscribeCOVTask{
		logger:   logger,
		app:      app,
		dest:     dest,
		object:   object,
		lifetime: lifetime,
		timeout:  timeout,
		pid:      pid,
		stop:     make(chan struct{}),
	}
}

func (t *subscribeCOVTask) buildRequest() []byte {
	var body bytes.Buffer
	contextUnsigned(&body, 0, uint32(t.pid))
	contextObjectID(&body, 1, t.object)
	contextBoolean(&body, 2, false)
	contextUnsigned(&body, 3, uint32(t.lifetime/time.Second))
	return body.Bytes()
}

// subscribeOnce sends one SubscribeCOV request and waits for its
// SimpleAck. It returns ok=false (not an error) when the device
// rejects the subscription; it returns a non-nil error only when the
// request itself could not be answered in time.
func (t *subscribeCOVTask) subscribeOnce(ctx context.Context) (ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, callErr := t.app.call(ctx, t.dest, serviceConfirmedSubscribeCOV, t.buildRequest(),
		func(apdu []byte, pduType byte) (data.Value, error) {
			return data.Value{}, decodeAck(apdu, pduType)
		})
	if callErr == nil {
		return true, nil
	}
	if dataerr.KindOf(callErr) == dataerr.Timeout {
		return false, callErr
	}
	t.logger.Error().Err(callErr).Str("dest", t.dest).Str("object", t.object.String()).Msg("bacnet subscribe_cov failed")
	return false, nil
}

// install performs the initial subscription and, on success, starts
// the background re-subscription loop. It blocks until the initial
// SimpleAck, error, or timeout.
func (t *subscribeCOVTask) install(ctx context.Context) (bool, error) {
	ok, err := t.subscribeOnce(ctx)
	if err != nil || !ok {
		return false, err
	}
	go t.loop()
	return true, nil
}

// loop re-subscribes every t.lifetime minus a random jitter of up to a
// tenth of the lifetime, chosen once per task, so many subscriptions on
// the same device don't all re-confirm in the same instant and each
// re-subscription is sent before the previous one expires.
func (t *subscribeCOVTask) loop() {
	period := t.lifetime
	if t.lifetime/10 > 0 {
		period -= time.Duration(rand.Int63n(int64(t.lifetime / 10)))
	}
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
			if t.cancelled.Load() {
				return
			}
			ok, err := t.subscribeOnce(context.Background())
			if err != nil || !ok {
				t.cancel()
				return
			}
			timer.Reset(period)
		}
	}
}

// cancel flips the cancelled flag; the next scheduled re-arm checks it
// and exits instead of re-installing.
func (t *subscribeCOVTask) cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		close(t.stop)
	}
}
