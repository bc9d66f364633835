package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.olrik.dev/camwarden/internal/core"
)

var ErrNotRunning = errors.New("daemon is not running")

// SendCommand connects to the agent, sends a command line and returns the
// decoded response.
func SendCommand(command string) (Response, error) {
	return SendCommandTo(core.GetSocketPath(), command)
}

// SendCommandTo is SendCommand against an explicit socket.
func SendCommandTo(socketPath, command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return response, fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}
	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}
	return response, nil
}

// StreamCommand sends a command whose reply is a plain text stream (LOGS)
// and copies it to w until either side closes.
func StreamCommand(socketPath, command string, w io.Writer) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("failed to send command to daemon: %w", err)
	}
	_, err = io.Copy(w, conn)
	return err
}

// EnsureRunning starts `camwarden <subcommand>` in the background unless
// something already answers on socketPath, then waits for the socket.
func EnsureRunning(socketPath, subcommand string, logger *slog.Logger) error {
	if conn, err := net.Dial("unix", socketPath); err == nil {
		conn.Close()
		return nil
	}

	logger.Info(fmt.Sprintf("Starting %s in the background", subcommand))
	cmd := exec.Command(os.Args[0], subcommand)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not fork %s: %w", subcommand, err)
	}
	logger.Debug(fmt.Sprintf("%s launched with PID %d", subcommand, cmd.Process.Pid))
	go cmd.Wait()

	for range 30 {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("%s was launched but %s did not come up in time", subcommand, socketPath)
}
