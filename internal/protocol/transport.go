package protocol

import (
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"time"
)

// Transport carries framed JSON-RPC messages. Messages are
// newline-delimited JSON in both directions.
type Transport interface {
	io.ReadWriteCloser
}

// Dial picks a transport from the endpoint form: host:port dials TCP,
// anything else is treated as a server command started as a subprocess
// speaking the protocol on stdio.
func Dial(endpoint string, timeout time.Duration) (Transport, error) {
	if looksLikeAddr(endpoint) {
		conn, err := net.DialTimeout("tcp", endpoint, timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, endpoint, err)
		}
		return conn, nil
	}
	return startStdio(endpoint)
}

func looksLikeAddr(endpoint string) bool {
	host, port, err := net.SplitHostPort(endpoint)
	return err == nil && host != "" && port != "" && !strings.Contains(endpoint, "/")
}

// stdioTransport wraps a subprocess exposing the protocol on its
// stdin/stdout pipes.
type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startStdio(command string) (*stdioTransport, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty endpoint command", ErrConnection)
	}
	cmd := exec.Command(fields[0], fields[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrConnection, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrConnection, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrConnection, fields[0], err)
	}

	return &stdioTransport{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (t *stdioTransport) Read(p []byte) (int, error) {
	return t.stdout.Read(p)
}

func (t *stdioTransport) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

// Close shuts the pipes and reaps the subprocess. The process is killed
// if closing stdin does not end it promptly.
func (t *stdioTransport) Close() error {
	t.stdin.Close()
	t.stdout.Close()

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.cmd.Process.Kill()
		return <-done
	}
}
