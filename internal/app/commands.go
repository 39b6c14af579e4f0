package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/earshot/internal/streaming"
)

// ErrCommanderClosed is returned by [Commander.Do] once [Commander.Run] has
// returned.
var ErrCommanderClosed = errors.New("app: commander closed")

// Op is a command understood by the [Commander].
type Op int

const (
	OpStart Op = iota + 1
	OpStop
	OpToggle
)

// String returns the lower-case name of the op.
func (o Op) String() string {
	switch o {
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpToggle:
		return "toggle"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Controller is the part of [*streaming.Controller] the commander drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() streaming.Status
}

type command struct {
	ctx   context.Context
	op    Op
	reply chan result
}

type result struct {
	status streaming.Status
	err    error
}

// Commander serialises session commands. A single goroutine started by
// [Commander.Run] executes them in submission order, so the controller only
// ever sees one Start or Stop at a time no matter how many callers there are.
type Commander struct {
	ctl  Controller
	cmds chan command
	done chan struct{}
}

// NewCommander returns a commander for ctl. Call [Commander.Run] before
// submitting commands.
func NewCommander(ctl Controller) *Commander {
	return &Commander{
		ctl:  ctl,
		cmds: make(chan command),
		done: make(chan struct{}),
	}
}

// Run executes submitted commands until ctx is done. On the way out it stops
// any active session with a going-away close. It always returns nil.
func (c *Commander) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.shutdown(context.WithoutCancel(ctx))
			return nil
		case cmd := <-c.cmds:
			status, err := c.exec(cmd.ctx, cmd.op)
			cmd.reply <- result{status: status, err: err}
		}
	}
}

func (c *Commander) shutdown(ctx context.Context) {
	if c.ctl.Status().State == streaming.StateIdle {
		return
	}
	slog.Info("commander: stopping session for shutdown")
	if err := c.ctl.Stop(ctx); err != nil {
		slog.Warn("commander: stop on shutdown", "err", err)
	}
}

func (c *Commander) exec(ctx context.Context, op Op) (streaming.Status, error) {
	if err := ctx.Err(); err != nil {
		// The caller gave up while queued.
		return c.ctl.Status(), err
	}

	if op == OpToggle {
		switch c.ctl.Status().State {
		case streaming.StateIdle, streaming.StateErrored:
			op = OpStart
		default:
			op = OpStop
		}
		slog.Debug("commander: toggle resolved", "op", op.String())
	}

	var err error
	switch op {
	case OpStart:
		err = c.ctl.Start(ctx)
	case OpStop:
		err = c.ctl.Stop(ctx)
	default:
		err = fmt.Errorf("app: unknown command %s", op)
	}
	return c.ctl.Status(), err
}

// Do submits op and waits for its result. It returns the controller status
// after the command ran.
func (c *Commander) Do(ctx context.Context, op Op) (streaming.Status, error) {
	cmd := command{ctx: ctx, op: op, reply: make(chan result, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return streaming.Status{}, ErrCommanderClosed
	case <-ctx.Done():
		return streaming.Status{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res.status, res.err
	case <-ctx.Done():
		return streaming.Status{}, ctx.Err()
	}
}

// Start submits [OpStart].
func (c *Commander) Start(ctx context.Context) (streaming.Status, error) {
	return c.Do(ctx, OpStart)
}

// Stop submits [OpStop].
func (c *Commander) Stop(ctx context.Context) (streaming.Status, error) {
	return c.Do(ctx, OpStop)
}

// Toggle starts a session when idle or errored and stops it otherwise.
func (c *Commander) Toggle(ctx context.Context) (streaming.Status, error) {
	return c.Do(ctx, OpToggle)
}

// Status returns the controller status without queueing.
func (c *Commander) Status() streaming.Status {
	return c.ctl.Status()
}
