// Package testutil starts the rpcmuxd binary and talks to it over the wire
// protocol for end-to-end tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"

	"example.com/rpcmux/internal/client"
	"example.com/rpcmux/internal/session"
	"example.com/rpcmux/internal/wire"
)

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData as JSON or TOML into dir and returns the
// file path.
func WriteTempConfig(dir string, configData interface{}, format string) (string, error) {
	var (
		data []byte
		err  error
		ext  string
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	tmpFile, err := os.CreateTemp(dir, "testconfig-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp config file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp config file: %w", err)
	}
	return tmpFile.Name(), nil
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a process's
// stdout and stderr.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance is a running rpcmuxd process.
type ServerInstance struct {
	Cmd     *exec.Cmd
	Address string
	Logs    *syncBuffer

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// StartTestServer runs the binary with args and waits until address accepts
// TCP connections.
func StartTestServer(binaryPath, address string, args ...string) (*ServerInstance, error) {
	fi, err := os.Stat(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("server binary path '%s' error: %w", binaryPath, err)
	}
	if fi.IsDir() || fi.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("server binary path '%s' is a directory or not executable", binaryPath)
	}

	s := &ServerInstance{
		Cmd:     exec.Command(binaryPath, args...),
		Address: address,
		Logs:    &syncBuffer{},
		exited:  make(chan struct{}),
	}
	s.Cmd.Stdout = s.Logs
	s.Cmd.Stderr = s.Logs
	if err := s.Cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server process '%s': %w", binaryPath, err)
	}
	go s.wait()

	const readyTimeout = 10 * time.Second
	const pollInterval = 50 * time.Millisecond
	deadline := time.Now().Add(readyTimeout)
	var lastDialErr error
	for time.Now().Before(deadline) {
		select {
		case <-s.exited:
			return nil, fmt.Errorf("server exited before becoming ready: %v. Logs captured:\n%s", s.waitErr, s.Logs.String())
		default:
		}
		conn, dialErr := net.DialTimeout("tcp", address, pollInterval)
		if dialErr == nil {
			conn.Close()
			return s, nil
		}
		lastDialErr = dialErr
		time.Sleep(pollInterval)
	}
	s.Stop()
	return nil, fmt.Errorf("server not ready at %s after %v. Last dial error: %v. Logs captured:\n%s", address, readyTimeout, lastDialErr, s.Logs.String())
}

// RunServer runs the binary with args to completion and returns its exit code
// and output.
func RunServer(binaryPath string, timeout time.Duration, args ...string) (int, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out := &syncBuffer{}
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), out.String(), nil
	}
	if err != nil {
		return -1, out.String(), err
	}
	return 0, out.String(), nil
}

func (s *ServerInstance) wait() {
	s.waitOnce.Do(func() {
		s.waitErr = s.Cmd.Wait()
		close(s.exited)
	})
}

// IsRunning reports whether the process is still alive.
func (s *ServerInstance) IsRunning() bool {
	select {
	case <-s.exited:
		return false
	default:
	}
	return s.Cmd.Process.Signal(unix.Signal(0)) == nil
}

// Signal sends sig to the process.
func (s *ServerInstance) Signal(sig unix.Signal) error {
	return unix.Kill(s.Cmd.Process.Pid, sig)
}

// WaitExit waits up to timeout for the process to exit and returns its exit code.
func (s *ServerInstance) WaitExit(timeout time.Duration) (int, error) {
	select {
	case <-s.exited:
		return s.Cmd.ProcessState.ExitCode(), nil
	case <-time.After(timeout):
		return -1, fmt.Errorf("server did not exit within %v", timeout)
	}
}

// Stop terminates the process: SIGTERM first, then SIGKILL.
func (s *ServerInstance) Stop() error {
	if !s.IsRunning() {
		return nil
	}
	if err := s.Signal(unix.SIGTERM); err == nil {
		if _, err := s.WaitExit(5 * time.Second); err == nil {
			return nil
		}
	}
	if err := s.Cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill server: %w", err)
	}
	_, err := s.WaitExit(2 * time.Second)
	return err
}

// Response is a reassembled response value.
type Response struct {
	Kind    wire.ResponseKind
	Payload []byte
}

// ErrorMessage decodes a plain error payload.
func (r Response) ErrorMessage() string {
	msg, err := session.DecodePlainError(r.Payload)
	if err != nil {
		return ""
	}
	return msg
}

// Client issues transactions over a single multiplexed connection. It is
// safe for concurrent use.
type Client struct {
	conn *client.Connection
}

// Dial connects to a running server.
func Dial(ctx context.Context, address string) (*Client, error) {
	conn, err := client.Dial(ctx, address, nil, client.DefaultConfig(), nil)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends payload and returns the last value of the response.
func (c *Client) Call(ctx context.Context, service wire.ServiceDescriptor, procedure uint16, payload []byte) (Response, error) {
	stream, err := c.conn.Call(ctx, service, wire.ProcedureDescriptor{ID: procedure}, bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	defer stream.Close()

	values, err := stream.ReadAll(ctx)
	if err != nil {
		return Response{}, err
	}
	if len(values) == 0 {
		return Response{}, fmt.Errorf("transaction %d: empty response", stream.ID())
	}
	last := values[len(values)-1]
	return Response{Kind: last.Kind, Payload: last.Payload}, nil
}
