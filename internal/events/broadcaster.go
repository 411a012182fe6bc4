// Package events publishes query-lifecycle events to HTTP subscribers
// over Server-Sent Events. It is optional observer plumbing around the
// agent: nothing in it touches protocol or session state, and a
// Broadcaster that was never started accepts Publish calls as no-ops.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Event types published by the agent.
const (
	TypeQueryReceived = "query_received"
	TypeToolInvoked   = "tool_invoked"
	TypeQueryResult   = "query_result"
	TypeQueryError    = "query_error"
)

// Event is one lifecycle notification.
type Event struct {
	Type  string `json:"type"`
	Query string `json:"query,omitempty"`
	Tool  string `json:"tool,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
	At    string `json:"at"`
}

type subscriber struct {
	id   string
	sess *sse.Session
	gone chan struct{}
}

// Broadcaster fans events out to all connected SSE subscribers. A single
// loop goroutine owns the subscriber set; handlers and publishers only
// talk to it through channels.
type Broadcaster struct {
	addr   string
	logger *slog.Logger

	srv *http.Server

	subscribe   chan subscriber
	unsubscribe chan string
	events      chan Event
	done        chan struct{}
	finished    chan struct{}
}

// New creates a broadcaster listening on addr once Start is called.
func New(addr string, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		addr:        addr,
		logger:      logger,
		subscribe:   make(chan subscriber),
		unsubscribe: make(chan string),
		events:      make(chan Event, 16),
		done:        make(chan struct{}),
		finished:    make(chan struct{}),
	}
}

// Start begins serving /events and runs the fan-out loop. The HTTP
// listener failing is logged, not fatal: the agent works without its
// observers.
func (b *Broadcaster) Start() {
	mux := http.NewServeMux()
	mux.Handle("/events", b.handleSubscribe())
	b.srv = &http.Server{Addr: b.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go b.run()
	go func() {
		if err := b.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error("event listener failed", "addr", b.addr, "err", err)
		}
	}()
	b.logger.Info("event listener started", "addr", b.addr)
}

// Publish queues an event for delivery to all subscribers. Never blocks:
// when the queue is full the event is dropped, observers being strictly
// best-effort.
func (b *Broadcaster) Publish(ev Event) {
	if b == nil {
		return
	}
	ev.At = time.Now().UTC().Format(time.RFC3339)
	select {
	case b.events <- ev:
	case <-b.done:
	default:
		b.logger.Debug("dropping event, queue full", "type", ev.Type)
	}
}

// Close stops the listener and disconnects all subscribers.
func (b *Broadcaster) Close(ctx context.Context) error {
	if b == nil || b.srv == nil {
		return nil
	}
	close(b.done)
	err := b.srv.Shutdown(ctx)
	select {
	case <-b.finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (b *Broadcaster) run() {
	defer close(b.finished)

	subs := make(map[string]subscriber)
	defer func() {
		for _, sub := range subs {
			close(sub.gone)
		}
	}()

	for {
		select {
		case <-b.done:
			return
		case sub := <-b.subscribe:
			subs[sub.id] = sub
		case id := <-b.unsubscribe:
			if sub, ok := subs[id]; ok {
				close(sub.gone)
				delete(subs, id)
			}
		case ev := <-b.events:
			data, err := json.Marshal(ev)
			if err != nil {
				b.logger.Error("failed to marshal event", "err", err)
				continue
			}
			for id, sub := range subs {
				msg := &sse.Message{Type: sse.Type(ev.Type)}
				msg.AppendData(string(data))
				if err := sub.sess.Send(msg); err != nil {
					b.logger.Debug("dropping dead subscriber", "id", id, "err", err)
					close(sub.gone)
					delete(subs, id)
					continue
				}
				if err := sub.sess.Flush(); err != nil {
					close(sub.gone)
					delete(subs, id)
				}
			}
		}
	}
}

func (b *Broadcaster) handleSubscribe() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			b.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		// The upgrade alone writes nothing; the first flush is what puts
		// the response headers on the wire.
		if err := sess.Flush(); err != nil {
			b.logger.Debug("subscriber gone before setup", "err", err)
			return
		}

		sub := subscriber{
			id:   uuid.New().String(),
			sess: sess,
			gone: make(chan struct{}),
		}

		select {
		case b.subscribe <- sub:
		case <-b.done:
			return
		}

		// Keep the connection open until the client leaves or we shut
		// down; the loop owns the send side.
		select {
		case <-r.Context().Done():
			select {
			case b.unsubscribe <- sub.id:
			case <-b.done:
			}
		case <-sub.gone:
		}
	})
}
