package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/magiconair/properties"
)

const (
	localConnectorAddressKey = "com.sun.management.jmxremote.localConnectorAddress"
	managementAgentJar       = "lib/management-agent.jar"
)

// ErrNoConnectorAddress means the management agent started but published no
// local connector address.
var ErrNoConnectorAddress = errors.New("management agent did not publish a local connector address")

// AgentLoadError reports a non-zero Agent_OnAttach result.
type AgentLoadError struct {
	Agent string
	Code  int
}

func (e *AgentLoadError) Error() string {
	return fmt.Sprintf("agent %s failed to initialize: return code %d", e.Agent, e.Code)
}

// SystemProperties returns the target's System.getProperties().
func (vm *VirtualMachine) SystemProperties(ctx context.Context) (*properties.Properties, error) {
	out, err := vm.Execute(ctx, "properties")
	if err != nil {
		return nil, err
	}
	return parseProperties(out)
}

// AgentProperties returns the properties published by loaded agents.
func (vm *VirtualMachine) AgentProperties(ctx context.Context) (*properties.Properties, error) {
	out, err := vm.Execute(ctx, "agentProperties")
	if err != nil {
		return nil, err
	}
	return parseProperties(out)
}

// LoadAgent loads a java.lang.instrument agent jar into the target.
func (vm *VirtualMachine) LoadAgent(ctx context.Context, jar, options string) error {
	arg := jar
	if options != "" {
		arg += "=" + options
	}
	out, err := vm.Execute(ctx, "load", "instrument", "false", arg)
	if err != nil {
		return err
	}
	code, err := parseLoadResult(out)
	if err != nil {
		return fmt.Errorf("load %s: %w", jar, err)
	}
	if code != 0 {
		return &AgentLoadError{Agent: jar, Code: code}
	}
	return nil
}

// Jcmd runs a diagnostic command line, e.g. "GC.heap_info".
func (vm *VirtualMachine) Jcmd(ctx context.Context, line string) (string, error) {
	return vm.Execute(ctx, "jcmd", line)
}

// LocalConnectorAddress starts the local management agent if needed and
// returns the JMX service URL it publishes.
func (vm *VirtualMachine) LocalConnectorAddress(ctx context.Context) (string, error) {
	if addr, err := vm.connectorAddress(ctx); err != nil || addr != "" {
		return addr, err
	}

	sys, err := vm.SystemProperties(ctx)
	if err != nil {
		return "", err
	}
	javaHome := sys.GetString("java.home", "")
	jar := filepath.Join(javaHome, managementAgentJar)
	if javaHome != "" && fileExists(vm.hostPath(jar)) {
		if err := vm.LoadAgent(ctx, jar, "com.sun.management.jmxremote"); err != nil {
			return "", err
		}
	} else if _, err := vm.Jcmd(ctx, "ManagementAgent.start_local"); err != nil {
		return "", err
	}

	return vm.connectorAddress(ctx)
}

func (vm *VirtualMachine) connectorAddress(ctx context.Context) (string, error) {
	agent, err := vm.AgentProperties(ctx)
	if err != nil {
		return "", err
	}
	if addr := agent.GetString(localConnectorAddressKey, ""); addr != "" {
		return addr, nil
	}
	sys, err := vm.SystemProperties(ctx)
	if err != nil {
		return "", err
	}
	return sys.GetString(localConnectorAddressKey, ""), nil
}

// Connector describes an established management connection to a JVM.
type Connector struct {
	PID int
	// Address is the attach listener socket.
	Address string
	// JMXServiceURL is the local connector address, empty when the
	// management agent was not requested.
	JMXServiceURL string
}

// Discoverer attaches to a JVM and resolves its management connector.
type Discoverer struct {
	cfg             Config
	managementAgent bool
	logger          *slog.Logger
}

// NewDiscoverer returns a Discoverer. With managementAgent set, discovery
// also starts the local JMX agent and fails if it publishes no address.
func NewDiscoverer(cfg Config, managementAgent bool, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{cfg: cfg, managementAgent: managementAgent, logger: logger}
}

// Discover attaches to pid and always detaches before returning.
func (d *Discoverer) Discover(ctx context.Context, pid int) (*Connector, error) {
	vm, err := Attach(ctx, pid, d.cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := vm.Detach(); err != nil {
			d.logger.Warn("detach failed", "pid", pid, "error", err)
		}
	}()

	c := &Connector{PID: pid, Address: vm.Socket()}
	if !d.managementAgent {
		return c, nil
	}
	addr, err := vm.LocalConnectorAddress(ctx)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, ErrNoConnectorAddress
	}
	c.JMXServiceURL = addr
	d.logger.Debug("management agent ready", "pid", pid, "url", addr)
	return c, nil
}

func parseProperties(text string) (*properties.Properties, error) {
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadBytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("parse properties: %w", err)
	}
	return p, nil
}

// parseLoadResult reads the Agent_OnAttach code, printed as "return code: N"
// by JDK 9 and later and as a bare number before that.
func parseLoadResult(out string) (int, error) {
	line, _, _ := strings.Cut(strings.TrimLeft(out, "\r\n"), "\n")
	line = strings.TrimSpace(line)
	line = strings.TrimSpace(strings.TrimPrefix(line, "return code:"))
	if line == "" {
		return 0, nil
	}
	code, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("unexpected load response %q", line)
	}
	return code, nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
