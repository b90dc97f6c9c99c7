// Package attachtest provides a fake HotSpot attach listener for tests.
package attachtest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Request is one command received by the fake listener.
type Request struct {
	Command string
	Args    [3]string
}

// Handler produces the raw response for a request, including the leading
// result code line.
type Handler func(Request) string

// Listener serves attach requests on a UNIX socket named like the real one.
type Listener struct {
	Dir    string
	Socket string

	ln      net.Listener
	handler Handler

	mu       sync.Mutex
	requests []Request
	wg       sync.WaitGroup
}

// Start listens on <dir>/.java_pid<pid>. An empty dir gets a short
// temporary directory so the socket path stays under the sun_path limit.
func Start(t testing.TB, dir string, pid int, h Handler) *Listener {
	t.Helper()
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "jvm")
		if err != nil {
			t.Fatalf("mkdir temp: %v", err)
		}
		t.Cleanup(func() { _ = os.RemoveAll(dir) })
	}
	socket := filepath.Join(dir, ".java_pid"+strconv.Itoa(pid))
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen %s: %v", socket, err)
	}
	l := &Listener{Dir: dir, Socket: socket, ln: ln, handler: h}
	l.wg.Add(1)
	go l.serve()
	t.Cleanup(l.Close)
	return l
}

// Requests returns a copy of every request seen so far.
func (l *Listener) Requests() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Request(nil), l.requests...)
}

// Commands returns the command names seen so far, in order.
func (l *Listener) Commands() []string {
	var out []string
	for _, r := range l.Requests() {
		out = append(out, r.Command)
	}
	return out
}

// Close stops accepting and waits for in-flight requests.
func (l *Listener) Close() {
	_ = l.ln.Close()
	l.wg.Wait()
}

func (l *Listener) serve() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	req, err := readRequest(bufio.NewReader(conn))
	if err != nil {
		return
	}
	l.mu.Lock()
	l.requests = append(l.requests, req)
	l.mu.Unlock()
	_, _ = io.WriteString(conn, l.handler(req))
}

func readRequest(r *bufio.Reader) (Request, error) {
	var fields [5]string
	for i := range fields {
		s, err := r.ReadString(0)
		if err != nil {
			return Request{}, err
		}
		fields[i] = s[:len(s)-1]
	}
	if fields[0] != "1" {
		return Request{}, errors.New("unsupported protocol version " + fields[0])
	}
	return Request{Command: fields[1], Args: [3]string{fields[2], fields[3], fields[4]}}, nil
}

// OK formats a successful response.
func OK(body string) string { return "0\n" + body }

// Fail formats a response with a non-zero result code.
func Fail(code int, body string) string { return strconv.Itoa(code) + "\n" + body }

// JVM is a scripted HotSpot used by Handler-based tests.
type JVM struct {
	mu              sync.Mutex
	System          map[string]string
	Agent           map[string]string
	ConnectorURL    string
	DumpOutput      string
	DumpCode        int
	AgentLoadResult string
	DumpFunc        func(file string, live bool) string
}

// NewJVM returns a JVM that answers the commands used by heap dumping.
func NewJVM(javaHome string) *JVM {
	return &JVM{
		System:       map[string]string{"java.home": javaHome, "java.version": "17.0.9"},
		Agent:        map[string]string{},
		ConnectorURL: "service:jmx:rmi://127.0.0.1/stub/rO0ABXN9AAAAAQ",
		DumpOutput:   "Dumping heap to %s ...\nHeap dump file created [1024 bytes in 0.010 secs]\n",
	}
}

// Handle implements Handler.
func (j *JVM) Handle(r Request) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch r.Command {
	case "properties":
		return OK(formatProps(j.System))
	case "agentProperties":
		return OK(formatProps(j.Agent))
	case "load":
		j.Agent["com.sun.management.jmxremote.localConnectorAddress"] = j.ConnectorURL
		if j.AgentLoadResult != "" {
			return OK(j.AgentLoadResult)
		}
		return OK("return code: 0\n")
	case "jcmd":
		if r.Args[0] == "ManagementAgent.start_local" {
			j.Agent["com.sun.management.jmxremote.localConnectorAddress"] = j.ConnectorURL
		}
		return OK("")
	case "dumpheap":
		if j.DumpFunc != nil {
			return OK(j.DumpFunc(r.Args[0], r.Args[1] == "-live"))
		}
		if j.DumpCode != 0 {
			return Fail(j.DumpCode, "dump failed\n")
		}
		if err := os.WriteFile(r.Args[0], []byte("JAVA PROFILE 1.0.2\x00"), 0o600); err != nil {
			return OK("Dump failed: " + err.Error() + "\n")
		}
		return OK(fmt.Sprintf(j.DumpOutput, r.Args[0]))
	default:
		return Fail(1, "Operation "+r.Command+" not recognized!\n")
	}
}

// formatProps renders m the way java.util.Properties.store does, including
// the date comment and escaped separators.
func formatProps(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	esc := strings.NewReplacer(`\`, `\\`, ":", `\:`, "=", `\=`, "#", `\#`, "!", `\!`)
	var b strings.Builder
	b.WriteString("#Thu Oct 15 10:00:00 UTC 2026\n")
	for _, k := range keys {
		b.WriteString(esc.Replace(k) + "=" + esc.Replace(m[k]) + "\n")
	}
	return b.String()
}
