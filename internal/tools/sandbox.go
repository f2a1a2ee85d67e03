package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-helm/internal/config"
	"github.com/basket/go-helm/internal/shared"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxExecTimeout     = 120 * time.Second
	maxExecOutput      = 8 * 1024
)

// execDenyList holds commands that are refused even inside the container.
// The sandbox limits blast radius; the deny list limits wasted iterations on
// commands that can only destroy the workspace mount.
var execDenyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

// SandboxServer runs the exec tool in ephemeral Docker containers. Each call
// creates a fresh container with a memory cap and the configured network
// mode, waits for it, and collects its output. AutoRemove cleans up the
// container once it exits.
type SandboxServer struct {
	client    *client.Client
	image     string
	memory    int64
	network   string
	workspace string
	logger    *slog.Logger
}

// NewSandboxServer connects to the Docker daemon from the environment.
// Workspace, when non-empty, is bind-mounted at /workspace inside every
// container.
func NewSandboxServer(cfg config.SandboxConfig, workspace string, logger *slog.Logger) (*SandboxServer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	image := cfg.Image
	if image == "" {
		image = "alpine:3.20"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 256
	}
	network := cfg.Network
	if network == "" {
		network = "none"
	}

	return &SandboxServer{
		client:    cli,
		image:     image,
		memory:    memoryMB * 1024 * 1024,
		network:   network,
		workspace: workspace,
		logger:    logger,
	}, nil
}

func (s *SandboxServer) Name() string { return "sandbox" }

// Execute handles the exec tool. Args: command (required), timeout_sec
// (optional, capped). Output is truncated and redacted before it leaves the
// server.
func (s *SandboxServer) Execute(ctx context.Context, tool string, args map[string]any) (string, error) {
	if tool != "exec" {
		return "", fmt.Errorf("sandbox server does not serve %q", tool)
	}
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("empty command")
	}
	if err := screenCommand(command); err != nil {
		return "", err
	}

	timeout := defaultExecTimeout
	if sec, ok := toInt(args["timeout_sec"]); ok && sec > 0 {
		timeout = time.Duration(sec) * time.Second
		if timeout > maxExecTimeout {
			timeout = maxExecTimeout
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Debug("sandbox exec", "image", s.image, "network", s.network, "timeout", timeout)
	stdout, stderr, exitCode, err := s.run(execCtx, command)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %s", timeout)
		}
		return "", err
	}

	out := shared.Redact(truncateOutput(stdout, maxExecOutput))
	errOut := shared.Redact(truncateOutput(stderr, maxExecOutput))

	var b strings.Builder
	fmt.Fprintf(&b, "exit_code: %d\n", exitCode)
	if out != "" {
		b.WriteString("stdout:\n")
		b.WriteString(out)
		b.WriteString("\n")
	}
	if errOut != "" {
		b.WriteString("stderr:\n")
		b.WriteString(errOut)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// run creates, starts, and waits on one ephemeral container.
func (s *SandboxServer) run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory: s.memory,
		},
		NetworkMode: container.NetworkMode(s.network),
		AutoRemove:  true,
	}
	if s.workspace != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:/workspace", s.workspace)}
	}

	resp, err := s.client.ContainerCreate(ctx, &container.Config{
		Image:      s.image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: "/workspace",
		Tty:        false,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := s.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := s.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		// Kill with a fresh context; ctx is already done.
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.client.ContainerKill(killCtx, containerID, "SIGKILL")
		return "", "", -1, ctx.Err()
	}

	out, err := s.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close closes the docker client.
func (s *SandboxServer) Close() error {
	return s.client.Close()
}

// screenCommand rejects shell injection operators outright, then checks each
// pipe/logical segment against the deny list.
func screenCommand(command string) error {
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(command, op) {
			return fmt.Errorf("command contains disallowed operator %q", op)
		}
	}
	for _, seg := range splitCommandSegments(command) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := execDenyList[tok]; blocked {
				return fmt.Errorf("command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command at pipe and logical operators,
// returning the individual command segments for deny-list checking.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen > 0 {
			seg := strings.TrimSpace(current[:minIdx])
			if seg != "" {
				segments = append(segments, seg)
			}
			current = current[minIdx+matchLen:]
		} else {
			seg := strings.TrimSpace(current)
			if seg != "" {
				segments = append(segments, seg)
			}
			break
		}
	}
	return segments
}

// toInt normalizes the numeric types JSON decoding and literal maps produce.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
