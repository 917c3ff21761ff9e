package session

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/rpcmux/internal/wire"
)

// packetSummary is a comparable view of an emitted packet.
type packetSummary struct {
	Begin bool
	Kind  string
	Len   int
	End   bool
}

type packetRecorder struct {
	packets []*wire.Response
}

func (r *packetRecorder) emit(_ context.Context, res *wire.Response) error {
	r.packets = append(r.packets, res)
	return nil
}

func (r *packetRecorder) summary() []packetSummary {
	out := make([]packetSummary, 0, len(r.packets))
	for _, p := range r.packets {
		s := packetSummary{Len: len(p.Payload()), End: p.IsEnd()}
		if b, ok := p.Body.(*wire.ResponseBegin); ok {
			s.Begin = true
			s.Kind = b.Kind.String()
		}
		out = append(out, s)
	}
	return out
}

func begin(kind string, n int, end bool) packetSummary {
	return packetSummary{Begin: true, Kind: kind, Len: n, End: end}
}

func frame(n int, end bool) packetSummary {
	return packetSummary{Len: n, End: end}
}

func okItem(n int) responseItem {
	return responseItem{kind: wire.KindOk, data: bytes.Repeat([]byte{'a'}, n)}
}

func errItem(code wire.ErrorCode, n int) responseItem {
	return responseItem{kind: wire.KindErr(code), data: bytes.Repeat([]byte{'e'}, n)}
}

// repeatItems returns n copies of the given item sequence.
func repeatItems(n int, items ...responseItem) []responseItem {
	out := make([]responseItem, 0, n*len(items))
	for i := 0; i < n; i++ {
		out = append(out, items...)
	}
	return out
}

func assertPackets(t *testing.T, rec *packetRecorder, want ...packetSummary) {
	t.Helper()
	if want == nil {
		want = []packetSummary{}
	}
	if diff := cmp.Diff(want, rec.summary()); diff != "" {
		t.Fatalf("unexpected packets (-want +got):\n%s", diff)
	}
}

const maxSize = wire.MaxPayloadSize

func TestResponseWriter_Delay(t *testing.T) {
	errKind := wire.KindErr(wire.ErrCodeNotFound).String()

	tests := []struct {
		name       string
		items      []responseItem
		beforeDone []packetSummary
		afterDone  []packetSummary
	}{
		{
			name:      "empty source",
			afterDone: []packetSummary{begin("Ok", 0, true)},
		},
		{
			name:      "exactly max payload",
			items:     []responseItem{okItem(maxSize)},
			afterDone: []packetSummary{begin("Ok", maxSize, true)},
		},
		{
			name:       "max payload plus eight",
			items:      []responseItem{okItem(maxSize + 8)},
			beforeDone: []packetSummary{begin("Ok", maxSize, false)},
			afterDone:  []packetSummary{begin("Ok", maxSize, false), frame(8, true)},
		},
		{
			name:      "merge small chunks",
			items:     []responseItem{okItem(8), okItem(8), okItem(8), okItem(8)},
			afterDone: []packetSummary{begin("Ok", 32, true)},
		},
		{
			name:       "merge across boundary",
			items:      []responseItem{okItem(maxSize - 4), okItem(8), okItem(maxSize)},
			beforeDone: []packetSummary{begin("Ok", maxSize, false), frame(maxSize, false)},
			afterDone:  []packetSummary{begin("Ok", maxSize, false), frame(maxSize, false), frame(4, true)},
		},
		{
			name:       "kind change flushes buffer",
			items:      []responseItem{okItem(8), errItem(wire.ErrCodeNotFound, 3)},
			beforeDone: []packetSummary{begin("Ok", 8, false)},
			afterDone:  []packetSummary{begin("Ok", 8, false), begin(errKind, 3, true)},
		},
		{
			name:       "kind change flush precedes size flush",
			items:      []responseItem{okItem(10), errItem(wire.ErrCodeNotFound, maxSize+5)},
			beforeDone: []packetSummary{begin("Ok", 10, false), begin(errKind, maxSize, false)},
			afterDone:  []packetSummary{begin("Ok", 10, false), begin(errKind, maxSize, false), frame(5, true)},
		},
		{
			name:       "kind change after started value",
			items:      []responseItem{okItem(maxSize + 1), errItem(wire.ErrCodeNotFound, 0), okItem(2)},
			beforeDone: []packetSummary{begin("Ok", maxSize, false), frame(1, false)},
			afterDone:  []packetSummary{begin("Ok", maxSize, false), frame(1, false), begin(errKind, 0, true)},
		},
		{
			name:       "empty error value is not lost",
			items:      []responseItem{okItem(4), errItem(wire.ErrCodeNotFound, 0), okItem(2)},
			beforeDone: []packetSummary{begin("Ok", 4, false)},
			afterDone:  []packetSummary{begin("Ok", 4, false), begin(errKind, 0, true)},
		},
		{
			name:       "error after split ok value",
			items:      []responseItem{okItem(maxSize + 8), errItem(wire.ErrCodeNotFound, 8)},
			beforeDone: []packetSummary{begin("Ok", maxSize, false), frame(8, false)},
			afterDone:  []packetSummary{begin("Ok", maxSize, false), frame(8, false), begin(errKind, 8, true)},
		},
		{
			name:  "ok interspersed with errors",
			items: repeatItems(4, okItem(maxSize+8), errItem(wire.ErrCodeNotFound, maxSize+8)),
			beforeDone: []packetSummary{
				begin("Ok", maxSize, false), frame(8, false),
				begin(errKind, maxSize, false), frame(maxSize, false), frame(maxSize, false), frame(maxSize, false),
			},
			afterDone: []packetSummary{
				begin("Ok", maxSize, false), frame(8, false),
				begin(errKind, maxSize, false), frame(maxSize, false), frame(maxSize, false), frame(maxSize, false),
				frame(32, true),
			},
		},
		{
			name:       "small ok interspersed with errors",
			items:      repeatItems(4, okItem(8), errItem(wire.ErrCodeNotFound, 8)),
			beforeDone: []packetSummary{begin("Ok", 8, false)},
			afterDone:  []packetSummary{begin("Ok", 8, false), begin(errKind, 32, true)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &packetRecorder{}
			w := newResponseWriter(7, flushDelay, rec.emit)
			ctx := context.Background()
			for _, item := range tt.items {
				require.NoError(t, w.push(ctx, item))
			}
			assertPackets(t, rec, tt.beforeDone...)
			require.NoError(t, w.finish(ctx))
			assertPackets(t, rec, tt.afterDone...)
			for _, p := range rec.packets {
				assert.Equal(t, wire.TransactionID(7), p.Header.ID)
				assert.LessOrEqual(t, len(p.Payload()), wire.MaxPayloadSize)
			}
		})
	}
}

func TestResponseWriter_NoDelay(t *testing.T) {
	errKind := wire.KindErr(wire.ErrCodeBadRequest).String()
	notFoundKind := wire.KindErr(wire.ErrCodeNotFound).String()

	tests := []struct {
		name       string
		items      []responseItem
		beforeDone []packetSummary
		afterDone  []packetSummary
	}{
		{
			name:      "empty source",
			afterDone: []packetSummary{begin("Ok", 0, true)},
		},
		{
			name:       "immediate flush",
			items:      []responseItem{okItem(8), okItem(8), okItem(8), okItem(8)},
			beforeDone: []packetSummary{begin("Ok", 8, false), frame(8, false), frame(8, false), frame(8, false)},
			afterDone:  []packetSummary{begin("Ok", 8, false), frame(8, false), frame(8, false), frame(8, false), frame(0, true)},
		},
		{
			name:       "empty items are skipped",
			items:      []responseItem{okItem(0), okItem(8), okItem(0)},
			beforeDone: []packetSummary{begin("Ok", 8, false)},
			afterDone:  []packetSummary{begin("Ok", 8, false), frame(0, true)},
		},
		{
			name:       "large item is split",
			items:      []responseItem{okItem(2*maxSize + 1)},
			beforeDone: []packetSummary{begin("Ok", maxSize, false), frame(maxSize, false), frame(1, false)},
			afterDone:  []packetSummary{begin("Ok", maxSize, false), frame(maxSize, false), frame(1, false), frame(0, true)},
		},
		{
			name:       "kind change starts new value",
			items:      []responseItem{okItem(8), errItem(wire.ErrCodeBadRequest, 3)},
			beforeDone: []packetSummary{begin("Ok", 8, false), begin(errKind, 3, false)},
			afterDone:  []packetSummary{begin("Ok", 8, false), begin(errKind, 3, false), frame(0, true)},
		},
		{
			name:       "empty error value is not lost",
			items:      []responseItem{okItem(4), errItem(wire.ErrCodeBadRequest, 0), okItem(2)},
			beforeDone: []packetSummary{begin("Ok", 4, false)},
			afterDone:  []packetSummary{begin("Ok", 4, false), begin(errKind, 0, true)},
		},
		{
			name:       "empty error value before another code",
			items:      []responseItem{errItem(wire.ErrCodeNotFound, 0), errItem(wire.ErrCodeBadRequest, 3)},
			beforeDone: []packetSummary{begin(notFoundKind, 0, false), begin(errKind, 3, false)},
			afterDone:  []packetSummary{begin(notFoundKind, 0, false), begin(errKind, 3, false), frame(0, true)},
		},
		{
			name:       "ok interspersed with errors",
			items:      repeatItems(3, okItem(2), errItem(wire.ErrCodeBadRequest, 5)),
			beforeDone: []packetSummary{begin("Ok", 2, false), begin(errKind, 5, false), frame(5, false), frame(5, false)},
			afterDone:  []packetSummary{begin("Ok", 2, false), begin(errKind, 5, false), frame(5, false), frame(5, false), frame(0, true)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &packetRecorder{}
			w := newResponseWriter(1, flushNoDelay, rec.emit)
			ctx := context.Background()
			for _, item := range tt.items {
				require.NoError(t, w.push(ctx, item))
			}
			assertPackets(t, rec, tt.beforeDone...)
			require.NoError(t, w.finish(ctx))
			assertPackets(t, rec, tt.afterDone...)
		})
	}
}

func TestResponseWriter_NothingAfterEnd(t *testing.T) {
	for _, policy := range []flushPolicy{flushDelay, flushNoDelay} {
		t.Run(policy.String(), func(t *testing.T) {
			rec := &packetRecorder{}
			w := newResponseWriter(1, policy, rec.emit)
			ctx := context.Background()

			require.NoError(t, w.push(ctx, okItem(4)))
			require.NoError(t, w.finish(ctx))
			n := len(rec.packets)

			require.NoError(t, w.push(ctx, okItem(4)))
			require.NoError(t, w.finish(ctx))
			assert.Len(t, rec.packets, n)
			assert.True(t, rec.packets[n-1].IsEnd())
		})
	}
}

func TestResponseWriter_PayloadBytesPreserved(t *testing.T) {
	rec := &packetRecorder{}
	w := newResponseWriter(1, flushDelay, rec.emit)
	ctx := context.Background()

	var want []byte
	for i := 0; i < 5; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, maxSize/2+i)
		want = append(want, chunk...)
		require.NoError(t, w.push(ctx, responseItem{kind: wire.KindOk, data: chunk}))
	}
	require.NoError(t, w.finish(ctx))

	var got []byte
	for _, p := range rec.packets {
		got = append(got, p.Payload()...)
	}
	assert.Equal(t, want, got)
}

func TestResponseWriter_EmitErrorStops(t *testing.T) {
	boom := errors.New("boom")
	w := newResponseWriter(1, flushNoDelay, func(context.Context, *wire.Response) error { return boom })
	assert.ErrorIs(t, w.push(context.Background(), okItem(1)), boom)
}

func TestResponseWriter_RunFinishesOnClose(t *testing.T) {
	rec := &packetRecorder{}
	w := newResponseWriter(3, flushDelay, rec.emit)
	items := make(chan responseItem, 4)
	items <- okItem(5)
	items <- okItem(6)
	close(items)

	require.NoError(t, w.run(context.Background(), items))
	assertPackets(t, rec, begin("Ok", 11, true))
}

func TestResponseWriter_RunCancelledDoesNotFlush(t *testing.T) {
	rec := &packetRecorder{}
	w := newResponseWriter(3, flushDelay, rec.emit)
	items := make(chan responseItem, 4)
	items <- okItem(5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx, items) }()

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assertPackets(t, rec)
}
