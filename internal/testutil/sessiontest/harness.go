// Package sessiontest runs a session.ConnectionTask over an in-memory
// connection for tests of code that consumes transactions.
package sessiontest

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/session"
	"example.com/rpcmux/internal/transport"
	"example.com/rpcmux/internal/wire"
)

// Timeout bounds every blocking harness operation.
const Timeout = 5 * time.Second

// Result is a reassembled response value.
type Result struct {
	Kind    wire.ResponseKind
	Payload []byte
	Packets int
}

// Harness serves one connection with a ConnectionTask; the test plays the client.
type Harness struct {
	t      *testing.T
	Task   *session.ConnectionTask
	Client *transport.Conn

	packets chan *wire.Response
	mu      sync.Mutex
	pending map[wire.TransactionID][]*wire.Response

	done   chan struct{}
	runErr error
	cancel context.CancelFunc
}

// New starts a ConnectionTask with config on one end of a net.Pipe.
func New(t *testing.T, config session.SessionConfig, opts ...session.ConnectionOption) *Harness {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	task, err := session.NewConnectionTask("pipe", session.NewSessionID(), config, nil, logger.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewConnectionTask failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Harness{
		t:       t,
		Task:    task,
		Client:  transport.NewConn(clientSide),
		packets: make(chan *wire.Response, 256),
		pending: make(map[wire.TransactionID][]*wire.Response),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	server := transport.NewConn(serverSide)
	go func() {
		defer close(h.done)
		h.runErr = task.Run(ctx, server, server)
		server.Close()
	}()
	go func() {
		defer close(h.packets)
		for {
			res, err := h.Client.ReadResponse(context.Background())
			if err != nil {
				return
			}
			h.packets <- res
		}
	}()

	t.Cleanup(func() {
		h.cancel()
		h.Client.Close()
		select {
		case <-h.done:
		case <-time.After(Timeout):
			t.Error("connection task did not stop")
		}
	})
	return h
}

// Send writes req to the server.
func (h *Harness) Send(req *wire.Request) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	if err := h.Client.WriteRequest(ctx, req); err != nil {
		h.t.Fatalf("failed to send request: %v", err)
	}
}

// Begin sends a Begin frame.
func (h *Harness) Begin(id wire.TransactionID, service wire.ServiceDescriptor, procedure uint16, payload []byte, end bool) {
	h.t.Helper()
	h.Send(&wire.Request{
		Header: wire.RequestHeader{ID: id, Flags: endFlag(end)},
		Body: &wire.RequestBegin{
			Service:   service,
			Procedure: wire.ProcedureDescriptor{ID: procedure},
			Payload:   payload,
		},
	})
}

// Frame sends a continuation frame.
func (h *Harness) Frame(id wire.TransactionID, payload []byte, end bool) {
	h.t.Helper()
	h.Send(&wire.Request{
		Header: wire.RequestHeader{ID: id, Flags: endFlag(end)},
		Body:   &wire.RequestFrame{Payload: payload},
	})
}

// Malformed sends a header for id whose body type is unknown, which the
// server decodes as a non-fatal wire.DecodeError.
func (h *Harness) Malformed(id wire.TransactionID) {
	h.t.Helper()
	header := make([]byte, wire.HeaderLen)
	copy(header, "rpcm")
	header[4] = wire.ProtocolVersion
	binary.BigEndian.PutUint32(header[5:], uint32(id))
	header[10] = 0x7f

	nc := h.Client.NetConn()
	nc.SetWriteDeadline(time.Now().Add(Timeout))
	defer nc.SetWriteDeadline(time.Time{})
	if _, err := nc.Write(header); err != nil {
		h.t.Fatalf("failed to send malformed header: %v", err)
	}
}

func endFlag(end bool) wire.RequestFlags {
	if end {
		return wire.RequestFlagEndOfRequest
	}
	return 0
}

// Accept returns the next transaction handed to the application.
func (h *Harness) Accept() *session.Transaction {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	txn, err := h.Task.Output().Recv(ctx)
	if err != nil {
		h.t.Fatalf("no transaction accepted: %v", err)
	}
	return txn
}

// Packets returns every packet of the response to id, up to and including the
// one with EndOfResponse. Packets of other transactions are kept for later calls.
func (h *Harness) Packets(id wire.TransactionID) []*wire.Response {
	h.t.Helper()
	deadline := time.After(Timeout)
	for {
		h.mu.Lock()
		got := h.pending[id]
		if n := len(got); n > 0 && got[n-1].IsEnd() {
			delete(h.pending, id)
			h.mu.Unlock()
			return got
		}
		h.mu.Unlock()

		select {
		case res, ok := <-h.packets:
			if !ok {
				h.t.Fatalf("connection closed before the response to %d ended", id)
				return nil
			}
			h.mu.Lock()
			h.pending[res.Header.ID] = append(h.pending[res.Header.ID], res)
			h.mu.Unlock()
		case <-deadline:
			h.t.Fatalf("timed out waiting for the response to %d", id)
			return nil
		}
	}
}

// Response reassembles the response to id. Values of different kinds are
// reported by their last kind; use Packets to inspect them individually.
func (h *Harness) Response(id wire.TransactionID) Result {
	h.t.Helper()
	var (
		r   Result
		buf bytes.Buffer
	)
	for _, p := range h.Packets(id) {
		if b, ok := p.Body.(*wire.ResponseBegin); ok {
			if r.Packets > 0 && b.Kind != r.Kind {
				buf.Reset()
			}
			r.Kind = b.Kind
		}
		buf.Write(p.Payload())
		r.Packets++
	}
	r.Payload = buf.Bytes()
	return r
}

// Message decodes the plain error payload of r.
func (r Result) Message() string {
	msg, err := session.DecodePlainError(r.Payload)
	if err != nil {
		return ""
	}
	return msg
}

// CloseClient closes the client's write side, so the server reads io.EOF.
func (h *Harness) CloseClient() {
	h.t.Helper()
	h.Client.Close()
}

// Wait waits for the ConnectionTask to finish and returns its result.
func (h *Harness) Wait() error {
	h.t.Helper()
	select {
	case <-h.done:
		return h.runErr
	case <-time.After(Timeout):
		h.t.Fatal("connection task did not finish")
		return nil
	}
}
