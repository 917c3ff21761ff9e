package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutput_PushAndRecv(t *testing.T) {
	o := newOutput(2)
	a, b := &Transaction{}, &Transaction{}

	require.NoError(t, o.push(a))
	require.NoError(t, o.push(b))
	assert.Equal(t, 2, o.Len())

	var limitErr *InstanceTransactionLimitReachedError
	assert.ErrorAs(t, o.push(&Transaction{}), &limitErr)

	ctx := context.Background()
	got, err := o.Recv(ctx)
	require.NoError(t, err)
	assert.Same(t, a, got)
	got, err = o.Recv(ctx)
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestOutput_CloseKeepsBuffered(t *testing.T) {
	o := newOutput(2)
	a := &Transaction{}
	require.NoError(t, o.push(a))

	o.Close()
	o.Close()
	assert.True(t, o.IsClosed())
	assert.ErrorIs(t, o.push(&Transaction{}), ErrOutputClosed)

	select {
	case <-o.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}

	got, err := o.Recv(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = o.Recv(context.Background())
	assert.ErrorIs(t, err, ErrOutputClosed)
}

func TestOutput_RecvContext(t *testing.T) {
	o := newOutput(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
