package mpv

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	maxRetries   = 3
	retryDelay   = 100 * time.Millisecond
	readDeadline = time.Second
)

// ipcCommand is one JSON-IPC request line.
type ipcCommand struct {
	Command []any `json:"command"`
}

// ipcResponse is the reply mpv writes for a request.
type ipcResponse struct {
	Data  any    `json:"data"`
	Error string `json:"error"`
}

// ipcClient sends one-shot commands over the mpv socket. Each command opens
// its own connection so replies are never mixed with event traffic.
type ipcClient struct {
	socketPath string
	mu         sync.Mutex
}

// send runs command, retrying transient failures.
func (c *ipcClient) send(command ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		result, err := sendOnce(c.socketPath, command)
		if err == nil {
			return result, nil
		}
		var cmdErr *commandError
		if errors.As(err, &cmdErr) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("mpv: ipc command %v failed after %d attempts: %w", command[0], maxRetries, lastErr)
}

// commandError is an error mpv itself returned; it is not retried.
type commandError struct {
	command any
	reason  string
}

func (e *commandError) Error() string {
	return fmt.Sprintf("mpv: %v: %s", e.command, e.reason)
}

func sendOnce(socketPath string, command []any) (any, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := writeCommand(conn, command); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	// mpv may interleave unsolicited events before the reply.
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var resp ipcResponse
		var probe map[string]json.RawMessage
		line := scanner.Bytes()
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if _, isEvent := probe["event"]; isEvent {
			continue
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		if resp.Error != "" && resp.Error != "success" {
			return nil, &commandError{command: command[0], reason: resp.Error}
		}
		return resp.Data, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return nil, fmt.Errorf("read: connection closed")
}

func writeCommand(conn net.Conn, command []any) error {
	payload, err := json.Marshal(ipcCommand{Command: command})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
