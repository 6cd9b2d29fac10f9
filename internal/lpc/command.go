// Package lpc stands for "Local Procedure Call". It's a typed RPC-like mechanism implemented over Go channels, for
// talking to a long-running goroutine that owns some state.
package lpc

import (
	"errors"

	"github.com/alanbriolat/dlqueue/generic"
	"github.com/alanbriolat/dlqueue/internal/sync_"
)

var (
	ErrClosed     = errors.New("command response already sent")
	ErrNoResponse = errors.New("no response")
)

// Command carries one argument to the owning goroutine and one response (or error) back. The response may be sent
// long after the command was received, e.g. once some asynchronous operation it started has completed.
type Command[Arg any, Response any] struct {
	initialized bool
	arg         Arg
	response    generic.Result[Response]
	done        sync_.Event
}

// New is called through a nil pointer of the (aliased) command type: `(*MyCommand)(nil).New(arg)`.
func (*Command[Arg, Response]) New(arg Arg) *Command[Arg, Response] {
	return &Command[Arg, Response]{
		initialized: true,
		arg:         arg,
		response:    generic.Err[Response](ErrNoResponse),
	}
}

func (c *Command[Arg, Response]) Arg() Arg {
	return c.arg
}

func (c *Command[Arg, Response]) Respond(response Response) error {
	return c.send(generic.Ok(response))
}

func (c *Command[Arg, Response]) RespondError(err error) error {
	return c.send(generic.Err[Response](err))
}

// Reply sends either response or err, whichever applies; handy for forwarding a (T, error) pair.
func (c *Command[Arg, Response]) Reply(response Response, err error) error {
	return c.send(generic.NewResult(response, err))
}

func (c *Command[Arg, Response]) send(result generic.Result[Response]) error {
	c.mustBeInitialized()
	if c.done.IsSet() {
		return ErrClosed
	}
	c.response = result
	c.done.Set()
	return nil
}

// Done returns a channel that closes once a response has been sent.
func (c *Command[Arg, Response]) Done() <-chan struct{} {
	c.mustBeInitialized()
	return c.done.Wait()
}

func (c *Command[Arg, Response]) Wait() (Response, error) {
	<-c.Done()
	return c.response.Parts()
}

// Close ends the command without a response, so Wait returns ErrNoResponse.
func (c *Command[Arg, Response]) Close() {
	c.mustBeInitialized()
	c.done.Set()
}

func (c *Command[Arg, Response]) mustBeInitialized() {
	if c == nil || !c.initialized {
		panic("attempted to use uninitialized Command, must use .New() first")
	}
}

// Call sends a new command with arg on ch and waits for the response. If closed is closed before the command is
// accepted or answered, the result is closedErr.
func Call[Arg any, Response any](ch chan *Command[Arg, Response], closed <-chan struct{}, closedErr error, arg Arg) (Response, error) {
	c := (*Command[Arg, Response])(nil).New(arg)
	var zero Response
	select {
	case ch <- c:
	case <-closed:
		return zero, closedErr
	}
	select {
	case <-c.Done():
		return c.Wait()
	case <-closed:
		return zero, closedErr
	}
}
