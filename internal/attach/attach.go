// Package attach talks to a running HotSpot JVM through its dynamic attach
// listener, the same UNIX socket used by jcmd and jmap.
package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	protocolVersion = "1"
	// maxArgs is fixed by the protocol: every request carries exactly three.
	maxArgs = 3

	defaultProcRoot         = "/proc"
	defaultHandshakeTimeout = 6 * time.Second
	pollStep                = 20 * time.Millisecond
	maxPollDelay            = 500 * time.Millisecond
)

var (
	// ErrNoListener means the target never opened its attach socket.
	ErrNoListener = errors.New("attach listener did not start")
	// ErrDetached is returned when a VirtualMachine is used after Detach.
	ErrDetached = errors.New("virtual machine is detached")
)

// CommandError is a non-zero result code returned by the attach listener.
type CommandError struct {
	Command string
	Code    int
	Output  string
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("attach command %s failed with code %d", e.Command, e.Code)
	}
	return fmt.Sprintf("attach command %s failed with code %d: %s", e.Command, e.Code, e.Output)
}

// Config controls how Attach locates and wakes the attach listener.
type Config struct {
	// ProcRoot is the procfs mount point (default /proc).
	ProcRoot string
	// TempDir overrides the directory holding the .java_pid socket.
	TempDir string
	// HandshakeTimeout bounds the wait for the listener after SIGQUIT.
	HandshakeTimeout time.Duration

	// signal wakes the target; nil means SIGQUIT.
	signal func(pid int) error
}

func (c Config) procRoot() string {
	if c.ProcRoot == "" {
		return defaultProcRoot
	}
	return c.ProcRoot
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return defaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

// VirtualMachine is an attached target JVM.
type VirtualMachine struct {
	pid      int
	nspid    int
	socket   string
	root     string
	detached bool
}

// Attach connects to the attach listener of pid, starting it if needed.
func Attach(ctx context.Context, pid int, cfg Config) (*VirtualMachine, error) {
	procRoot := cfg.procRoot()
	nspid := namespacePID(procRoot, pid)
	tmp := cfg.TempDir
	if tmp == "" {
		tmp = targetTempDir(procRoot, pid)
	}
	socket := filepath.Join(tmp, ".java_pid"+strconv.Itoa(nspid))

	if !isSocket(socket) {
		if err := startListener(ctx, cfg, pid, nspid, tmp, socket); err != nil {
			return nil, fmt.Errorf("attach to %d: %w", pid, err)
		}
	}
	return &VirtualMachine{
		pid:    pid,
		nspid:  nspid,
		socket: socket,
		root:   targetRoot(procRoot, pid),
	}, nil
}

// PID returns the host pid of the target.
func (vm *VirtualMachine) PID() int { return vm.pid }

// Socket returns the path of the attach listener socket.
func (vm *VirtualMachine) Socket() string { return vm.socket }

// Execute sends one command to the target and returns its output.
func (vm *VirtualMachine) Execute(ctx context.Context, command string, args ...string) (string, error) {
	if vm.detached {
		return "", ErrDetached
	}
	return Exec(ctx, vm.socket, command, args...)
}

// Detach releases the VirtualMachine. The listener itself stays up in the
// target, as it does for jcmd.
func (vm *VirtualMachine) Detach() error {
	if vm.detached {
		return ErrDetached
	}
	vm.detached = true
	return nil
}

// hostPath maps a path inside the target's filesystem to one we can stat.
func (vm *VirtualMachine) hostPath(p string) string {
	if vm.root == "" {
		return p
	}
	return filepath.Join(vm.root, p)
}

// startListener drops the .attach_pid trigger file and sends SIGQUIT, then
// polls for the socket with a growing delay.
func startListener(ctx context.Context, cfg Config, pid, nspid int, tmp, socket string) error {
	name := ".attach_pid" + strconv.Itoa(nspid)
	var trigger string
	for _, dir := range triggerDirs(cfg.procRoot(), pid, tmp) {
		p := filepath.Join(dir, name)
		if err := createTrigger(p); err == nil {
			trigger = p
			break
		}
	}
	if trigger == "" {
		return fmt.Errorf("could not create %s", name)
	}
	defer func() { _ = os.Remove(trigger) }()

	wake := cfg.signal
	if wake == nil {
		wake = sendQuit
	}
	if err := wake(pid); err != nil {
		return fmt.Errorf("signal target: %w", err)
	}

	deadline := time.Now().Add(cfg.handshakeTimeout())
	delay := pollStep
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if isSocket(socket) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNoListener
		}
		delay = min(delay+pollStep, maxPollDelay)
	}
}

func isSocket(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

// Exec opens a fresh connection to the listener at socket, sends a single
// protocol version 1 request and reads the complete response.
func Exec(ctx context.Context, socket, command string, args ...string) (string, error) {
	if len(args) > maxArgs {
		return "", fmt.Errorf("attach command %s takes at most %d arguments, got %d", command, maxArgs, len(args))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", socket, err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := writeRequest(conn, command, args...); err != nil {
		return "", fmt.Errorf("send %s: %w", command, ctxOr(ctx, err))
	}
	code, out, err := readResponse(conn)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", command, ctxOr(ctx, err))
	}
	if code != 0 {
		return out, &CommandError{Command: command, Code: code, Output: strings.TrimSpace(out)}
	}
	return out, nil
}

func writeRequest(w io.Writer, command string, args ...string) error {
	var b bytes.Buffer
	b.WriteString(protocolVersion)
	b.WriteByte(0)
	b.WriteString(command)
	b.WriteByte(0)
	for i := 0; i < maxArgs; i++ {
		if i < len(args) {
			b.WriteString(args[i])
		}
		b.WriteByte(0)
	}
	_, err := w.Write(b.Bytes())
	return err
}

// readResponse reads until the listener closes the connection. The first
// line is the decimal result code.
func readResponse(r io.Reader) (int, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", err
	}
	head, rest, _ := strings.Cut(string(data), "\n")
	code, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, "", fmt.Errorf("malformed response header %q", head)
	}
	return code, rest, nil
}

func ctxOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
