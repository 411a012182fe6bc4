package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

// defaultRequestTimeout is how long a pending request waits for its
// response before being evicted and failed.
const defaultRequestTimeout = 15 * time.Second

// pending is one sent request awaiting its response. It is owned
// exclusively by the correlator loop from registration until resolution
// or eviction; the outcome channel is the only part the caller sees.
type pending struct {
	id        int64
	createdAt time.Time
	timer     *time.Timer
	outcome   chan outcome
}

type outcome struct {
	result json.RawMessage
	err    error
}

type sendReq struct {
	method    string
	params    json.RawMessage
	wantReply bool
	reply     chan sendReply
}

type sendReply struct {
	outcome <-chan outcome
	err     error
}

// correlator matches asynchronous responses back to the request that
// caused them, by id. A single goroutine (run) owns the pending table
// and the id counter; callers and the stream pumps only ever talk to it
// through channels, so no locks are needed. Outbound bytes go through
// the writes channel to a dedicated writer goroutine, so a stalled
// stdin write never stops the loop from consuming response lines.
type correlator struct {
	w       io.Writer
	timeout time.Duration
	logger  *slog.Logger

	// notify receives notifications read off the stdout stream, in line
	// order. May be nil.
	notify func(protocol.Message)

	sendReqs chan sendReq
	lines    chan string
	expiries chan int64
	writes   chan []byte
	done     chan struct{}
	doneOnce sync.Once
	finished chan struct{}
}

func newCorrelator(w io.Writer, timeout time.Duration, notify func(protocol.Message), logger *slog.Logger) *correlator {
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &correlator{
		w:        w,
		timeout:  timeout,
		logger:   logger,
		notify:   notify,
		sendReqs: make(chan sendReq),
		lines:    make(chan string),
		expiries: make(chan int64),
		writes:   make(chan []byte, 16),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// run is the correlator loop. It exits when stop is called or the line
// channel closes (child stdout gone); either way every still-pending
// request fails with SessionClosedError rather than hanging.
func (c *correlator) run() {
	go c.writeLoop()

	pendings := make(map[int64]*pending)
	var counter int64

	defer func() {
		// Closing done here as well keeps senders from blocking forever
		// when the loop exits because the child's stdout went away.
		c.shutdown()
		for id, p := range pendings {
			p.timer.Stop()
			p.outcome <- outcome{err: &SessionClosedError{}}
			delete(pendings, id)
		}
		close(c.finished)
	}()

	for {
		select {
		case <-c.done:
			return

		case req := <-c.sendReqs:
			msg := protocol.Message{JSONRPC: protocol.Version, Method: req.method, Params: req.params}

			var p *pending
			if req.wantReply {
				counter++
				id := counter
				msg.ID = &id
				p = &pending{
					id:        id,
					createdAt: time.Now(),
					outcome:   make(chan outcome, 1),
				}
			}

			if err := c.writeLine(msg); err != nil {
				req.reply <- sendReply{err: err}
				continue
			}

			if p != nil {
				pendings[p.id] = p
				id := p.id
				p.timer = time.AfterFunc(c.timeout, func() {
					select {
					case c.expiries <- id:
					case <-c.done:
					}
				})
				req.reply <- sendReply{outcome: p.outcome}
				continue
			}
			req.reply <- sendReply{}

		case line, ok := <-c.lines:
			if !ok {
				c.logger.Info("child stdout closed")
				return
			}
			c.handleLine(pendings, line)

		case id := <-c.expiries:
			p, ok := pendings[id]
			if !ok {
				// Already resolved; the late timer fire is a no-op.
				continue
			}
			delete(pendings, id)
			c.logger.Warn("request timed out", "id", id, "age", time.Since(p.createdAt))
			p.outcome <- outcome{err: &TimeoutError{ID: id}}
		}
	}
}

// handleLine classifies one stdout line. Unparseable lines are opaque
// child log output; responses for unknown ids are dropped with a
// diagnostic, so a duplicate response can never resolve a request twice.
func (c *correlator) handleLine(pendings map[int64]*pending, line string) {
	msg, ok := protocol.Parse(line)
	if !ok {
		c.logger.Debug("child output", "line", line)
		return
	}

	switch msg.Kind() {
	case protocol.KindResponse:
		p, ok := pendings[*msg.ID]
		if !ok {
			c.logger.Warn("dropping response for unknown id", "id", *msg.ID)
			return
		}
		delete(pendings, p.id)
		p.timer.Stop()
		if msg.Error != nil {
			p.outcome <- outcome{err: remoteError(msg.Error)}
			return
		}
		p.outcome <- outcome{result: msg.Result}

	case protocol.KindNotification:
		c.logger.Debug("notification from child", "method", msg.Method)
		if c.notify != nil {
			c.notify(msg)
		}

	case protocol.KindRequest:
		// The agent never serves requests; answer so the child is not
		// left waiting on its own correlator.
		c.logger.Warn("unsupported request from child", "method", msg.Method, "id", *msg.ID)
		resp := protocol.Message{
			JSONRPC: protocol.Version,
			ID:      msg.ID,
			Error:   &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "method not supported"},
		}
		if err := c.writeLine(resp); err != nil {
			c.logger.Error("failed to reject child request", "err", err)
		}

	default:
		c.logger.Warn("dropping malformed protocol message", "line", line)
	}
}

// writeLine marshals msg and queues it for the writer goroutine. Only
// marshal failures are reported here; write failures are logged by the
// writer and surface to the caller as a timeout.
func (c *correlator) writeLine(msg protocol.Message) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.writes <- append(bs, '\n'):
	case <-c.done:
	}
	return nil
}

// writeLoop drains the outbound queue onto the child's stdin. It is the
// single writer to the pipe.
func (c *correlator) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case bs := <-c.writes:
			if _, err := c.w.Write(bs); err != nil {
				c.logger.Error("failed to write to child stdin", "err", err)
			}
		}
	}
}

// call sends a request and blocks until its response, remote error,
// timeout, or cancellation.
func (c *correlator) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	req := sendReq{method: method, params: params, wantReply: true, reply: make(chan sendReply, 1)}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, &SessionClosedError{}
	case c.sendReqs <- req:
	}

	reply := <-req.reply
	if reply.err != nil {
		return nil, reply.err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-reply.outcome:
		return out.result, out.err
	}
}

// notifyPeer sends a fire-and-forget notification through the single
// writer; nothing is registered in the pending table.
func (c *correlator) notifyPeer(ctx context.Context, method string, params json.RawMessage) error {
	req := sendReq{method: method, params: params, reply: make(chan sendReply, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return &SessionClosedError{}
	case c.sendReqs <- req:
	}

	reply := <-req.reply
	return reply.err
}

func (c *correlator) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// stop shuts the loop down and waits for every pending request to be
// failed with SessionClosedError. Idempotent.
func (c *correlator) stop() {
	c.shutdown()
	<-c.finished
}
