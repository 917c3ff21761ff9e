package session

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/wire"
)

// ConnectionTask owns one connection: it routes incoming frames to
// transactions, hands new transactions to the application through Output,
// and coordinates graceful shutdown.
type ConnectionTask struct {
	peer    string
	session SessionID
	config  SessionConfig
	events  *EventBus
	log     *logger.Logger
	encoder ErrorEncoder

	ctx          context.Context
	cancel       context.CancelFunc
	transactions *TransactionCollection
	output       *Output

	runOnce sync.Once
}

// ConnectionOption customizes a ConnectionTask.
type ConnectionOption func(*ConnectionTask)

// WithErrorEncoder replaces the PlainErrorEncoder used for synthesized errors.
func WithErrorEncoder(enc ErrorEncoder) ConnectionOption {
	return func(t *ConnectionTask) { t.encoder = enc }
}

// NewConnectionTask creates the task for one accepted connection. events may
// be shared between connections.
func NewConnectionTask(peer string, session SessionID, config SessionConfig, events *EventBus, lg *logger.Logger, opts ...ConnectionOption) (*ConnectionTask, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid session configuration")
	}
	if events == nil {
		events = NewEventBus()
	}
	if lg == nil {
		lg = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &ConnectionTask{
		peer:         peer,
		session:      session,
		config:       config,
		events:       events,
		log:          lg.With(logger.LogFields{"session_id": session.String(), "peer": peer}),
		encoder:      PlainErrorEncoder{},
		ctx:          ctx,
		cancel:       cancel,
		transactions: NewTransactionCollection(ctx, config),
		output:       newOutput(config.PerConnectionResponseBufferSize),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Output returns the queue of accepted transactions.
func (t *ConnectionTask) Output() *Output { return t.output }

// Transactions returns the connection's transaction collection.
func (t *ConnectionTask) Transactions() *TransactionCollection { return t.transactions }

// Session returns the session id.
func (t *ConnectionTask) Session() SessionID { return t.session }

type readResult struct {
	req *wire.Request
	err error
}

// Run serves the connection until it terminates. It returns the first
// transport error (a read failure other than io.EOF, or a failed write), or
// nil on a clean shutdown. Run may only be called once.
//
// The task terminates when
//   - the read side has ended and either no transaction is live or the
//     outgoing side is gone,
//   - Output has been closed and no transaction is live, or
//   - ctx is cancelled.
func (t *ConnectionTask) Run(ctx context.Context, sink ResponseSink, source RequestSource) error {
	err := errors.New("connection task already ran")
	t.runOnce.Do(func() {
		err = t.run(ctx, sink, source)
	})
	return err
}

func (t *ConnectionTask) run(parent context.Context, sink ResponseSink, source RequestSource) error {
	stop := context.AfterFunc(parent, t.cancel)
	defer stop()
	defer t.cancel()
	ctx := t.ctx

	responses := newResponseQueue(t.config.PerConnectionResponseBufferSize)
	responses.acquire()
	responses.closeWhenIdle()

	delegateErr := make(chan error, 1)
	go func() {
		err := NewConnectionDelegateTask(sink, responses.ch).Run(ctx)
		responses.markDelegateDone()
		delegateErr <- err
	}()

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	incoming := make(chan readResult)
	go t.read(readCtx, source, incoming)

	t.log.Debug("Connection task started", nil)

	var (
		readDone, delegateFinished bool
		readErr, writeErr          error
		outputDone                 = t.output.Done()
		delegateResult             = delegateErr
	)

loop:
	for {
		empty := t.transactions.IsEmpty()
		switch {
		case readDone && (empty || delegateFinished):
			break loop
		case t.output.IsClosed() && empty:
			t.log.Debug("Output closed and no transaction is live, stopping", nil)
			break loop
		}

		select {
		case <-ctx.Done():
			break loop
		case res, ok := <-incoming:
			if !ok {
				incoming = nil
				readDone = true
				t.transactions.shutdownSenders()
				continue
			}
			if res.err != nil {
				var de *wire.DecodeError
				if errors.As(res.err, &de) {
					t.handleDecodeError(de)
					continue
				}
				if res.err != io.EOF && ctx.Err() == nil {
					readErr = errors.Wrap(res.err, "failed to read request")
					t.log.Warn("Connection read failed", logger.LogFields{"error": res.err.Error()})
				}
				continue
			}
			t.handleRequest(ctx, res.req, responses)
		case err := <-delegateResult:
			delegateResult = nil
			delegateFinished = true
			if err != nil {
				writeErr = errors.Wrap(err, "failed to write response")
				t.log.Warn("Connection write failed", logger.LogFields{"error": err.Error()})
			}
		case <-t.transactions.Emptied():
		case <-outputDone:
			outputDone = nil
		}
	}

	stopReading()
	t.output.Close()
	t.transactions.cancelAll()
	responses.release()

	if !delegateFinished {
		if err := <-delegateResult; err != nil && writeErr == nil {
			writeErr = errors.Wrap(err, "failed to write response")
		}
	}
	t.transactions.Close()

	t.events.Publish(SessionDropped{ID: t.session})
	t.log.Debug("Connection task stopped", nil)

	if readErr != nil {
		return readErr
	}
	return writeErr
}

// read forwards results from source until a terminal error or ctx is done.
// Decode errors are not terminal.
func (t *ConnectionTask) read(ctx context.Context, source RequestSource, out chan<- readResult) {
	defer close(out)
	for {
		req, err := source.ReadRequest(ctx)
		select {
		case out <- readResult{req: req, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			var de *wire.DecodeError
			if !errors.As(err, &de) {
				return
			}
		}
	}
}

func (t *ConnectionTask) handleRequest(ctx context.Context, req *wire.Request, responses *responseQueue) {
	if begin, ok := req.Body.(*wire.RequestBegin); ok {
		t.handleBegin(ctx, req, begin, responses)
		return
	}

	id := req.Header.ID
	switch t.transactions.deliver(req) {
	case delivered:
	case deliverUnknown:
		t.log.Debug("Dropping frame for unknown transaction", logger.LogFields{"transaction_id": id})
	case deliverClosed:
		t.log.Debug("Dropping frame for finished transaction", logger.LogFields{"transaction_id": id})
	case deliverLagging:
		t.log.Warn("Transaction is lagging, dropping it", logger.LogFields{
			"transaction_id": id,
			"buffer_size":    t.config.PerTransactionRequestBufferSize,
		})
		t.reject(ctx, id, &TransactionLaggingError{}, responses)
	case deliverLaggingAnswered:
		t.log.Warn("Transaction is lagging after its response ended, dropping it", logger.LogFields{
			"transaction_id": id,
			"buffer_size":    t.config.PerTransactionRequestBufferSize,
		})
	}
}

func (t *ConnectionTask) handleBegin(ctx context.Context, req *wire.Request, begin *wire.RequestBegin, responses *responseQueue) {
	id := req.Header.ID

	if t.output.IsClosed() {
		t.reject(ctx, id, &ConnectionShutdownError{}, responses)
		return
	}

	permit, requests, err := t.transactions.Acquire(id)
	if err != nil {
		t.log.Warn("Rejecting transaction", logger.LogFields{"transaction_id": id, "error": err.Error()})
		t.reject(ctx, id, err, responses)
		return
	}
	// The channel is fresh and holds at least one item, so this cannot lag.
	t.transactions.deliver(req)

	stream := newTransactionStream(permit, requests, t.transactions)
	sender := newResponseSender(newResponseWriter(id, t.config.flushPolicy(), permit.send(responses)), t.config.PerTransactionResponseByteStreamBufferSize)
	txn := &Transaction{
		peer:      t.peer,
		session:   t.session,
		service:   begin.Service,
		procedure: begin.Procedure,
		permit:    permit,
		stream:    stream,
		sink:      sender.sink(permit.Context(), t.encoder),
	}

	if err := t.output.push(txn); err != nil {
		if errors.Is(err, ErrOutputClosed) {
			err = &ConnectionShutdownError{}
		}
		t.log.Warn("Rejecting transaction", logger.LogFields{"transaction_id": id, "error": err.Error()})
		t.transactions.Release(id)
		stream.finish(streamIncomplete, nil)
		t.reject(ctx, id, err, responses)
		return
	}

	permit.retain()
	responses.acquire()
	go func() {
		defer responses.release()
		defer permit.release()
		sender.run(permit.Context())
	}()

	t.log.Debug("Accepted transaction", logger.LogFields{
		"transaction_id": id,
		"service":        begin.Service.ID,
		"procedure":      begin.Procedure.ID,
	})
}

func (t *ConnectionTask) handleDecodeError(de *wire.DecodeError) {
	fields := logger.LogFields{"error": de.Error()}
	if de.HasID && t.transactions.deliverError(de.ID, de) {
		fields["transaction_id"] = de.ID
		t.log.Warn("Malformed frame ended transaction request", fields)
		return
	}
	t.log.Warn("Dropping malformed frame", fields)
}

// reject sends a single error packet with EndOfResponse for id.
func (t *ConnectionTask) reject(ctx context.Context, id wire.TransactionID, err error, responses *responseQueue) {
	code := codeOf(err)
	res := &wire.Response{
		Header: wire.ResponseHeader{ID: id, Flags: wire.ResponseFlagEndOfResponse},
		Body:   &wire.ResponseBegin{Kind: wire.KindErr(code), Payload: t.encoder.Encode(code, err.Error())},
	}
	if sendErr := responses.send(ctx, res); sendErr != nil {
		t.log.Debug("Unable to send error response", logger.LogFields{
			"transaction_id": id,
			"code":           code.String(),
			"error":          sendErr.Error(),
		})
	}
}
