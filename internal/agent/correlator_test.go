package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

// testPeer is the far side of the pipe: it reads the requests the
// correlator writes and lets tests script responses on the "stdout"
// stream.
type testPeer struct {
	t        *testing.T
	requests *bufio.Scanner
	out      io.Writer
}

func newTestCorrelator(t *testing.T, timeout time.Duration, notify func(protocol.Message)) (*correlator, *testPeer) {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	corr := newCorrelator(reqW, timeout, notify, slog.Default())
	go corr.run()
	go pumpStdout(respR, corr.lines, corr.done, slog.Default())

	t.Cleanup(func() {
		corr.stop()
		_ = respW.Close()
		_ = reqR.Close()
	})

	return corr, &testPeer{t: t, requests: bufio.NewScanner(reqR), out: respW}
}

func (p *testPeer) readRequest() protocol.Message {
	p.t.Helper()
	if !p.requests.Scan() {
		p.t.Fatalf("failed to read request: %v", p.requests.Err())
	}
	msg, ok := protocol.Parse(p.requests.Text())
	if !ok {
		p.t.Fatalf("request line is not a protocol message: %q", p.requests.Text())
	}
	return msg
}

func (p *testPeer) writeLine(line string) {
	p.t.Helper()
	if _, err := io.WriteString(p.out, line+"\n"); err != nil {
		p.t.Fatalf("failed to write line: %v", err)
	}
}

func (p *testPeer) respond(id int64, result string) {
	p.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

func TestCorrelatorResolvesResponse(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0, nil)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = corr.call(context.Background(), "tools/list", json.RawMessage(`{}`))
	}()

	req := peer.readRequest()
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want tools/list", req.Method)
	}
	peer.respond(*req.ID, `{"tools":[]}`)

	<-done
	if callErr != nil {
		t.Fatalf("call error: %v", callErr)
	}
	if string(result) != `{"tools":[]}` {
		t.Errorf("result = %s", result)
	}
}

func TestCorrelatorUniqueIDs(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0, nil)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = corr.call(context.Background(), "tools/call", nil)
		}()
	}

	seen := make(map[int64]bool)
	for i := 0; i < n; i++ {
		req := peer.readRequest()
		if seen[*req.ID] {
			t.Fatalf("duplicate pending id %d", *req.ID)
		}
		seen[*req.ID] = true
		peer.respond(*req.ID, `{}`)
	}
	wg.Wait()
}

func TestCorrelatorOutOfOrderResponses(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0, nil)

	type res struct {
		result json.RawMessage
		err    error
	}
	resA := make(chan res, 1)
	resB := make(chan res, 1)

	go func() {
		r, err := corr.call(context.Background(), "a", nil)
		resA <- res{r, err}
	}()
	reqA := peer.readRequest()

	go func() {
		r, err := corr.call(context.Background(), "b", nil)
		resB <- res{r, err}
	}()
	reqB := peer.readRequest()

	// B answers before A; each caller must still get its own payload.
	peer.respond(*reqB.ID, `{"for":"b"}`)
	peer.respond(*reqA.ID, `{"for":"a"}`)

	a := <-resA
	b := <-resB
	if a.err != nil || b.err != nil {
		t.Fatalf("call errors: %v, %v", a.err, b.err)
	}
	if string(a.result) != `{"for":"a"}` {
		t.Errorf("caller A got %s", a.result)
	}
	if string(b.result) != `{"for":"b"}` {
		t.Errorf("caller B got %s", b.result)
	}
}

func TestCorrelatorResolvesWhileWriteParked(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0, nil)

	resA := make(chan error, 1)
	go func() {
		_, err := corr.call(context.Background(), "a", nil)
		resA <- err
	}()
	reqA := peer.readRequest()

	// Issue a second request but leave its line unread on the pipe, so
	// the stdin write is parked mid-flight.
	resB := make(chan error, 1)
	go func() {
		_, err := corr.call(context.Background(), "b", nil)
		resB <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// The loop must still consume and resolve A's response even though
	// B's write has not been accepted by the peer yet.
	peer.respond(*reqA.ID, `{}`)
	select {
	case err := <-resA:
		if err != nil {
			t.Fatalf("call a: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response not resolved while a request write was in flight")
	}

	reqB := peer.readRequest()
	peer.respond(*reqB.ID, `{}`)
	if err := <-resB; err != nil {
		t.Fatalf("call b: %v", err)
	}
}

func TestCorrelatorRemoteError(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0, nil)

	done := make(chan error, 1)
	go func() {
		_, err := corr.call(context.Background(), "tools/call", nil)
		done <- err
	}()

	req := peer.readRequest()
	peer.writeLine(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"db offline"}}`, *req.ID))

	err := <-done
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if remoteErr.Code != -32000 || remoteErr.Message != "db offline" {
		t.Errorf("RemoteError = %+v", remoteErr)
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	corr, peer := newTestCorrelator(t, 50*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() {
		_, err := corr.call(context.Background(), "tools/call", nil)
		done <- err
	}()

	req := peer.readRequest()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request not failed within timeout window")
	}

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want TimeoutError", err)
	}
	if timeoutErr.ID != *req.ID {
		t.Errorf("TimeoutError.ID = %d, want %d", timeoutErr.ID, *req.ID)
	}

	// The id was evicted: a late response is a dropped no-op, and the
	// correlator keeps serving later requests.
	peer.respond(*req.ID, `{"late":true}`)

	after := make(chan error, 1)
	go func() {
		_, err := corr.call(context.Background(), "ping", nil)
		after <- err
	}()
	next := peer.readRequest()
	peer.respond(*next.ID, `{}`)
	if err := <-after; err != nil {
		t.Fatalf("correlator unusable after timeout: %v", err)
	}
}

func TestCorrelatorDuplicateResponseDropped(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0, nil)

	done := make(chan json.RawMessage, 1)
	go func() {
		r, err := corr.call(context.Background(), "tools/call", nil)
		if err != nil {
			t.Errorf("call error: %v", err)
		}
		done <- r
	}()

	req := peer.readRequest()
	peer.respond(*req.ID, `{"n":1}`)
	if got := <-done; string(got) != `{"n":1}` {
		t.Fatalf("result = %s", got)
	}

	// A duplicate for the same id must not resolve anything.
	peer.respond(*req.ID, `{"n":2}`)

	after := make(chan struct{})
	go func() {
		defer close(after)
		_, _ = corr.call(context.Background(), "ping", nil)
	}()
	next := peer.readRequest()
	peer.respond(*next.ID, `{}`)
	<-after
}

func TestCorrelatorStopFailsPending(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0, nil)

	done := make(chan error, 1)
	go func() {
		_, err := corr.call(context.Background(), "tools/call", nil)
		done <- err
	}()
	peer.readRequest()

	corr.stop()

	err := <-done
	var closedErr *SessionClosedError
	if !errors.As(err, &closedErr) {
		t.Fatalf("error = %v, want SessionClosedError", err)
	}
}

func TestCorrelatorOpaqueLinesIgnored(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0, nil)

	// Plain-text child output interleaved with protocol traffic must not
	// corrupt the stream.
	peer.writeLine("server booting up...")
	peer.writeLine("{not json at all")

	done := make(chan error, 1)
	go func() {
		_, err := corr.call(context.Background(), "tools/list", nil)
		done <- err
	}()
	req := peer.readRequest()
	peer.writeLine("another log line")
	peer.respond(*req.ID, `{}`)

	if err := <-done; err != nil {
		t.Fatalf("call error: %v", err)
	}
}

func TestCorrelatorNotificationsRouted(t *testing.T) {
	notifs := make(chan protocol.Message, 2)
	corr, peer := newTestCorrelator(t, 0, func(msg protocol.Message) {
		notifs <- msg
	})
	_ = corr

	peer.writeLine(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"n":1}}`)
	peer.writeLine(`{"jsonrpc":"2.0","method":"notifications/message","params":{"n":2}}`)

	// Delivered in line order.
	first := <-notifs
	second := <-notifs
	if first.Method != "notifications/progress" || second.Method != "notifications/message" {
		t.Errorf("notification order = %q, %q", first.Method, second.Method)
	}
}

func TestCorrelatorUnknownIDDropped(t *testing.T) {
	corr, peer := newTestCorrelator(t, 0, nil)

	peer.respond(999, `{}`)

	// The drop must not affect a real request.
	done := make(chan error, 1)
	go func() {
		_, err := corr.call(context.Background(), "tools/list", nil)
		done <- err
	}()
	req := peer.readRequest()
	peer.respond(*req.ID, `{}`)
	if err := <-done; err != nil {
		t.Fatalf("call error: %v", err)
	}
}
