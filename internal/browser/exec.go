package browser

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Renderer substrings that indicate a software fallback path.
var softwareRenderers = []string{
	"swiftshader",
	"llvmpipe",
	"software",
	"microsoft basic render",
}

// ExecLauncherConfig configures the exec-based launcher.
type ExecLauncherConfig struct {
	// BinaryPath is the headless browser binary (chromium, chrome, edge).
	BinaryPath string `mapstructure:"binary_path"`

	// DataDir is the parent directory for per-process user-data dirs.
	DataDir string `mapstructure:"data_dir"`

	// StartupTimeout bounds how long Launch waits for the DevTools endpoint
	// to come up before giving up and killing the process.
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// ExecLauncher launches real headless browser processes and talks to them
// over the DevTools protocol.
type ExecLauncher struct {
	logger *zap.Logger
	config ExecLauncherConfig
}

// NewExecLauncher creates an exec-based launcher.
func NewExecLauncher(logger *zap.Logger, config ExecLauncherConfig) (*ExecLauncher, error) {
	if config.BinaryPath == "" {
		return nil, fmt.Errorf("browser binary path is required")
	}
	if _, err := exec.LookPath(config.BinaryPath); err != nil {
		return nil, fmt.Errorf("browser binary not found: %w", err)
	}
	if config.DataDir == "" {
		config.DataDir = filepath.Join(os.TempDir(), "renderpool")
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 30 * time.Second
	}
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	return &ExecLauncher{
		logger: logger,
		config: config,
	}, nil
}

// Launch spawns a browser process with the given args plus the flags the
// launcher needs for lifecycle management (remote debugging, user data dir).
func (l *ExecLauncher) Launch(ctx context.Context, args []string) (Process, error) {
	dataDir, err := os.MkdirTemp(l.config.DataDir, "worker-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create user data dir: %w", err)
	}

	full := make([]string, 0, len(args)+3)
	full = append(full, args...)
	full = append(full,
		"--remote-debugging-port=0",
		"--user-data-dir="+dataDir,
		"about:blank",
	)

	cmd := exec.Command(l.config.BinaryPath, full...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	p := &execProcess{
		logger:  l.logger,
		cmd:     cmd,
		dataDir: dataDir,
		done:    make(chan struct{}),
	}
	go p.reap()

	port, err := l.waitForDevTools(ctx, dataDir)
	if err != nil {
		p.Kill()
		return nil, fmt.Errorf("browser did not expose devtools endpoint: %w", err)
	}
	p.port = port

	l.logger.Debug("Browser worker launched",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("devtools_port", port),
	)

	return p, nil
}

// waitForDevTools polls the DevToolsActivePort file the browser writes into
// its user data dir once the debugging endpoint is listening.
func (l *ExecLauncher) waitForDevTools(ctx context.Context, dataDir string) (int, error) {
	deadline := time.Now().Add(l.config.StartupTimeout)
	portFile := filepath.Join(dataDir, "DevToolsActivePort")

	for {
		if f, err := os.Open(portFile); err == nil {
			scanner := bufio.NewScanner(f)
			if scanner.Scan() {
				if port, perr := strconv.Atoi(strings.TrimSpace(scanner.Text())); perr == nil && port > 0 {
					f.Close()
					return port, nil
				}
			}
			f.Close()
		}

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("timed out after %s", l.config.StartupTimeout)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// execProcess wraps one spawned browser process.
type execProcess struct {
	logger  *zap.Logger
	cmd     *exec.Cmd
	dataDir string
	port    int
	done    chan struct{}
}

func (p *execProcess) reap() {
	p.cmd.Wait()
	close(p.done)
	os.RemoveAll(p.dataDir)
}

// PID returns the OS process id.
func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Ping probes the DevTools version endpoint.
func (p *execProcess) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/json/version", p.port), nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("devtools unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("devtools returned status %d", resp.StatusCode)
	}
	return nil
}

// BackendStatus asks the browser, over the DevTools protocol, which GL
// renderer is actually active. This is the ground truth for whether hardware
// acceleration engaged, independent of what flags were passed at launch.
func (p *execProcess) BackendStatus(ctx context.Context) (BackendStatus, error) {
	wsURL, err := p.debuggerURL(ctx)
	if err != nil {
		return BackendStatus{}, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return BackendStatus{}, fmt.Errorf("devtools websocket dial failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	req := map[string]interface{}{
		"id":     1,
		"method": "SystemInfo.getInfo",
	}
	if err := conn.WriteJSON(req); err != nil {
		return BackendStatus{}, fmt.Errorf("devtools request failed: %w", err)
	}

	var resp struct {
		ID     int `json:"id"`
		Result struct {
			Gpu struct {
				AuxAttributes map[string]interface{} `json:"auxAttributes"`
				Devices       []struct {
					VendorString string `json:"vendorString"`
					DeviceString string `json:"deviceString"`
				} `json:"devices"`
			} `json:"gpu"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	// Skip unrelated events until the reply with our id arrives.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return BackendStatus{}, fmt.Errorf("devtools read failed: %w", err)
		}
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.ID == 1 {
			break
		}
	}

	if resp.Error != nil {
		return BackendStatus{}, fmt.Errorf("devtools error: %s", resp.Error.Message)
	}

	renderer := ""
	if v, ok := resp.Result.Gpu.AuxAttributes["glRenderer"].(string); ok {
		renderer = v
	}
	if renderer == "" && len(resp.Result.Gpu.Devices) > 0 {
		renderer = resp.Result.Gpu.Devices[0].DeviceString
	}

	return BackendStatus{
		Renderer:    renderer,
		Accelerated: renderer != "" && !isSoftwareRenderer(renderer),
	}, nil
}

func (p *execProcess) debuggerURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/json/version", p.port), nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("devtools unreachable: %w", err)
	}
	defer resp.Body.Close()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("failed to decode devtools version: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools did not report a websocket debugger url")
	}
	return version.WebSocketDebuggerURL, nil
}

// Terminate signals the process group and waits for exit, escalating to
// SIGKILL when the context expires.
func (p *execProcess) Terminate(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}

	syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("Browser worker did not exit gracefully, killing",
			zap.Int("pid", p.cmd.Process.Pid),
		)
		return p.Kill()
	}
}

// Kill force-terminates the process group.
func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	<-p.done
	return nil
}

func isSoftwareRenderer(renderer string) bool {
	lower := strings.ToLower(renderer)
	for _, s := range softwareRenderers {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
