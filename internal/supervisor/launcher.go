package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/ipc"
	"github.com/pylonhq/pylon/internal/logging"
)

// ExecLauncher starts module instances as child processes of the core.
// The IPC channel rides the child's stdin/stdout; stderr is forwarded
// line by line to the operational log with module attribution.
type ExecLauncher struct {
	// Runner is the interpreter for module entry points, e.g. "node".
	Runner string
}

func NewExecLauncher(runner string) *ExecLauncher {
	return &ExecLauncher{Runner: runner}
}

// Launch spawns one instance. The entry file must exist; a module
// shipped without its entry point fails to launch rather than dying on
// first invoke.
func (l *ExecLauncher) Launch(m *domain.Manifest, instanceID string) (*ipc.Conn, Process, error) {
	entry := filepath.Join(m.Path, m.Entry())
	if _, err := os.Stat(entry); err != nil {
		return nil, nil, fmt.Errorf("entry point %s: %w", m.Entry(), err)
	}

	cmd := exec.Command(l.Runner, entry)
	cmd.Dir = m.Path
	cmd.Env = append(os.Environ(), "PYLON_INSTANCE_ID="+instanceID)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", l.Runner, err)
	}

	go forwardStderr(m.Name, instanceID, stderr)

	conn := ipc.NewConn(stdout, stdin, stdin, stdout)
	return conn, &execProcess{cmd: cmd}, nil
}

// forwardStderr copies the child's stderr into the operational log so
// module crashes leave a trace attributed to the right instance.
func forwardStderr(module, instanceID string, r io.Reader) {
	log := logging.Module(module, instanceID)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		log.Info("stderr", "line", sc.Text())
	}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return killTree(p.cmd)
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
