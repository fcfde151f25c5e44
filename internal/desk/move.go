package desk

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/desklink/internal/device"
	"github.com/srg/desklink/internal/timeutil"
	"golang.org/x/sync/errgroup"
)

// Reasons a move task ends early. They stay internal: callers of Move see nil
// for a stop or supersede and NotConnected for a lost connection.
var (
	errStopped        = errors.New("move stopped")
	errSuperseded     = errors.New("move superseded")
	errManualOverride = errors.New("desk stopped manually")
	errMoveTimeout    = errors.New("move timed out")
	errConnectionLost = errors.New("connection lost")
)

// stopWriteTimeout bounds the STOP written after the caller gave up on a move
const stopWriteTimeout = 2 * time.Second

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newMoveID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// moveTask is one movement sequence. Cancellation is cooperative: the loop
// checks ctx once per iteration and never aborts a write in flight.
type moveTask struct {
	id     ulid.ULID
	target uint16

	ctx    context.Context
	cancel context.CancelCauseFunc

	// detached tasks have no caller waiting on them and log their own failure
	detached bool

	done chan struct{}
	err  error
}

func newMoveTask(parent context.Context, target uint16, timeout time.Duration) *moveTask {
	ctx, cancel := context.WithCancelCause(parent)
	t := &moveTask{
		id:     newMoveID(),
		target: target,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if timeout > 0 {
		tctx, stop := context.WithTimeoutCause(ctx, timeout, errMoveTimeout)
		t.ctx = tctx
		t.cancel = func(cause error) {
			cancel(cause)
			stop()
		}
	}
	return t
}

// cancelled reports why the task was asked to end, or nil
func (t *moveTask) cancelled() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// wait blocks until the loop has exited or ctx is done
func (t *moveTask) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Move drives the desk to position and blocks until the movement ends. It
// returns nil when the target is reached or the move is stopped or
// superseded, InvalidPositionCommand for targets outside the limits and
// NotConnected when the desk is not ready or drops mid-move. Cancelling ctx
// stops the move and returns ctx.Err().
func (c *Controller) Move(ctx context.Context, position float64) error {
	if err := c.checkTarget(position); err != nil {
		return err
	}

	task, err := c.startMove(ctx, position, false)
	if err != nil || task == nil {
		return err
	}

	select {
	case <-task.done:
		return task.err
	case <-ctx.Done():
		task.cancel(ctx.Err())
		<-task.done
		return ctx.Err()
	}
}

// StartMove stops any active move and starts a new one without waiting for
// it to finish. It returns once the new move is registered, so a later Stop
// or Move always acts on it. ctx only bounds the stop of the previous move.
// Failures of the running move are logged.
func (c *Controller) StartMove(ctx context.Context, position float64) error {
	if err := c.checkTarget(position); err != nil {
		return err
	}
	_, err := c.startMove(ctx, position, true)
	return err
}

func (c *Controller) checkTarget(position float64) error {
	if !c.validTarget(position) {
		return device.NewError(device.KindInvalidPositionCommand, nil,
			"target %.2f outside [%.2f, %.2f]", position, c.opts.MinPosition, c.opts.MaxPosition)
	}
	return nil
}

// startMove stops any previous task and launches a new one. A nil task with
// a nil error means the desk already sits at the target.
func (c *Controller) startMove(ctx context.Context, position float64, detached bool) (*moveTask, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	conn, runCtx, err := c.ready()
	if err != nil {
		return nil, err
	}

	if err := c.stopActive(ctx, conn, errSuperseded); err != nil {
		return nil, err
	}

	target := c.codec.RawPosition(position)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return nil, device.NewError(device.KindNotConnected, nil, "desk disconnected")
	}
	if c.hasLast && c.last.RawPosition == target {
		c.mu.Unlock()
		c.logger.WithField("position", position).Debug("Desk already at target")
		return nil, nil
	}
	task := newMoveTask(runCtx, target, c.opts.MoveTimeout)
	task.detached = detached
	c.move = task
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"move":     task.id.String(),
		"position": position,
		"raw":      target,
	}).Info("Moving desk")

	c.group.Go(runCtx, "desk-move", func(context.Context) {
		c.runMove(runCtx, conn, task)
	})
	return task, nil
}

// Stop ends any active move, waits for its loop to exit and writes STOP.
func (c *Controller) Stop(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	conn, _, err := c.ready()
	if err != nil {
		return err
	}

	c.mu.Lock()
	task := c.move
	c.mu.Unlock()
	if task != nil {
		task.cancel(errStopped)
		if err := task.wait(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("Stopping desk")
	return commandError(c.bridge.WriteValue(ctx, CommandStop.Bytes(), conn.command))
}

// stopActive cancels and joins the current task, then writes STOP so the
// motor is released before a new sequence starts. Caller holds cmdMu.
func (c *Controller) stopActive(ctx context.Context, conn *connection, cause error) error {
	c.mu.Lock()
	task := c.move
	c.mu.Unlock()
	if task == nil {
		return nil
	}

	task.cancel(cause)
	if err := task.wait(ctx); err != nil {
		return err
	}
	return commandError(c.bridge.WriteValue(ctx, CommandStop.Bytes(), conn.command))
}

// runMove is the move loop. Bridge calls use the connection context so a
// cancelled task never abandons a write halfway.
func (c *Controller) runMove(ctx context.Context, conn *connection, task *moveTask) {
	logger := c.logger.WithField("move", task.id.String())
	defer func() {
		c.mu.Lock()
		if c.move == task {
			c.move = nil
		}
		c.mu.Unlock()
		task.cancel(nil)
		if task.detached && task.err != nil {
			logger.WithField("error", task.err).Warn("Move failed")
		}
		close(task.done)
	}()

	write := func(data []byte, ch *ble.Characteristic) error {
		return c.bridge.WriteValue(ctx, data, ch)
	}

	// UNDEFINED unlatches the move-to characteristic
	if err := write(CommandUndefined.Bytes(), conn.command); err != nil {
		task.err = commandError(err)
		return
	}
	if !timeutil.Sleep(task.ctx, c.opts.SettleDelay) {
		task.err = c.endEarly(ctx, conn, task, logger)
		return
	}

	payload := EncodeRaw(task.target)
	for iteration := 1; ; iteration++ {
		if task.cancelled() != nil {
			task.err = c.endEarly(ctx, conn, task, logger)
			return
		}

		var g errgroup.Group
		g.Go(func() error {
			return write(payload, conn.moveTo)
		})
		g.Go(func() error {
			timeutil.Sleep(task.ctx, c.opts.PollInterval)
			return nil
		})
		if err := g.Wait(); err != nil {
			task.err = commandError(err)
			logger.WithField("error", err).Warn("Move-to write failed")
			return
		}

		if task.cancelled() != nil {
			task.err = c.endEarly(ctx, conn, task, logger)
			return
		}

		raw, err := c.bridge.ReadValue(ctx, conn.position)
		if err != nil {
			task.err = commandError(err)
			return
		}
		st, err := c.apply(conn, raw)
		if err != nil {
			task.err = err
			return
		}

		logger.WithFields(logrus.Fields{
			"iteration": iteration,
			"raw":       st.RawPosition,
			"speed":     st.Speed,
		}).Debug("Move progress")

		if st.RawPosition == task.target {
			break
		}
	}

	if err := write(CommandStop.Bytes(), conn.command); err != nil {
		task.err = commandError(err)
		return
	}
	if err := write(CommandUndefined.Bytes(), conn.command); err != nil {
		task.err = commandError(err)
		return
	}
	logger.Info("Desk reached target")
}

// endEarly finishes a cancelled task. A stop or supersede writes STOP from
// the command that cancelled it; every other cause writes its own.
func (c *Controller) endEarly(ctx context.Context, conn *connection, task *moveTask, logger *logrus.Entry) error {
	cause := task.cancelled()
	logger.WithField("reason", cause).Info("Move ended early")

	switch {
	case errors.Is(cause, errMoveTimeout):
		return commandError(c.bridge.WriteValue(ctx, CommandStop.Bytes(), conn.command))
	case errors.Is(cause, errConnectionLost):
		return device.NewError(device.KindNotConnected, cause, "desk disconnected during move")
	case errors.Is(cause, errStopped), errors.Is(cause, errSuperseded), errors.Is(cause, errManualOverride):
		return nil
	default:
		// caller context; the connection context may be gone as well
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopWriteTimeout)
		defer cancel()
		if err := c.bridge.WriteValue(stopCtx, CommandStop.Bytes(), conn.command); err != nil {
			logger.WithField("error", err).Debug("STOP after cancelled move failed")
		}
		return cause
	}
}
