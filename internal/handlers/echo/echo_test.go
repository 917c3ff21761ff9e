package echo

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/rpcmux/internal/logger"
	"example.com/rpcmux/internal/session"
	"example.com/rpcmux/internal/testutil/sessiontest"
	"example.com/rpcmux/internal/wire"
)

var echoService = wire.ServiceDescriptor{ID: 1, Version: wire.Version{Major: 1}}

func newEcho(t *testing.T, cfg string) *Echo {
	t.Helper()
	var raw json.RawMessage
	if cfg != "" {
		raw = json.RawMessage(cfg)
	}
	h, err := New(raw, logger.Nop())
	require.NoError(t, err)
	return h.(*Echo)
}

func serve(t *testing.T, h *Echo, harness *sessiontest.Harness) {
	t.Helper()
	txn := harness.Accept()
	go func() {
		h.ServeTransaction(context.Background(), txn)
		txn.Close()
	}()
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       string
		uppercase bool
		wantErr   bool
	}{
		{name: "no config"},
		{name: "empty object", cfg: `{}`},
		{name: "uppercase", cfg: `{"uppercase": true}`, uppercase: true},
		{name: "unknown field", cfg: `{"shout": true}`, wantErr: true},
		{name: "wrong type", cfg: `{"uppercase": "yes"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw json.RawMessage
			if tt.cfg != "" {
				raw = json.RawMessage(tt.cfg)
			}
			h, err := New(raw, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "echo: invalid handler_config")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.uppercase, h.(*Echo).cfg.Uppercase)
		})
	}
}

func TestEcho_SingleFrame(t *testing.T) {
	h := sessiontest.New(t, session.DefaultSessionConfig())
	h.Begin(1, echoService, 1, []byte("hello"), true)
	serve(t, newEcho(t, ""), h)

	res := h.Response(1)
	assert.True(t, res.Kind.IsOk())
	assert.Equal(t, "hello", string(res.Payload))
}

func TestEcho_MultipleFrames(t *testing.T) {
	h := sessiontest.New(t, session.DefaultSessionConfig())
	h.Begin(4, echoService, 1, []byte("one "), false)
	serve(t, newEcho(t, ""), h)
	h.Frame(4, []byte("two "), false)
	h.Frame(4, nil, false)
	h.Frame(4, []byte("three"), true)

	res := h.Response(4)
	assert.True(t, res.Kind.IsOk())
	assert.Equal(t, "one two three", string(res.Payload))
}

func TestEcho_Uppercase(t *testing.T) {
	h := sessiontest.New(t, session.DefaultSessionConfig())
	h.Begin(2, echoService, 1, []byte("Mixed Case 123"), true)
	serve(t, newEcho(t, `{"uppercase": true}`), h)

	res := h.Response(2)
	assert.Equal(t, "MIXED CASE 123", string(res.Payload))
}

func TestEcho_LargeBodySplitIntoPackets(t *testing.T) {
	h := sessiontest.New(t, session.DefaultSessionConfig())
	body := strings.Repeat("x", wire.MaxPayloadSize)
	h.Begin(3, echoService, 1, []byte(body), false)
	serve(t, newEcho(t, ""), h)
	h.Frame(3, []byte("tail"), true)

	packets := h.Packets(3)
	require.Len(t, packets, 2)
	for _, p := range packets {
		assert.LessOrEqual(t, len(p.Payload()), wire.MaxPayloadSize)
	}
	var got []byte
	for _, p := range packets {
		got = append(got, p.Payload()...)
	}
	assert.Equal(t, body+"tail", string(got))
}

func TestEcho_MalformedFrameIsBadRequest(t *testing.T) {
	h := sessiontest.New(t, session.DefaultSessionConfig())
	h.Begin(9, echoService, 1, []byte("partial"), false)
	serve(t, newEcho(t, ""), h)
	h.Malformed(9)

	packets := h.Packets(9)
	require.Len(t, packets, 2)

	first, ok := packets[0].Body.(*wire.ResponseBegin)
	require.True(t, ok)
	assert.True(t, first.Kind.IsOk())
	assert.Equal(t, "partial", string(first.Payload))

	second, ok := packets[1].Body.(*wire.ResponseBegin)
	require.True(t, ok)
	assert.Equal(t, wire.ErrCodeBadRequest, second.Kind.Code())
	assert.True(t, packets[1].IsEnd())
}
