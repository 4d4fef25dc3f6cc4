package worker

import (
	"bufio"
	"bytes"
	"errors"
	"os/exec"
	"sync"
	"syscall"
)

// Process is a running encoder subprocess.
type Process interface {
	// Wait blocks until the process and its output reader finish.
	Wait() error
	// Kill terminates the whole process group immediately. ffmpeg
	// forks helpers, so killing only the leader can leave strays.
	Kill()
}

// Runner abstracts encoder execution so the pipeline can be tested
// without a real ffmpeg binary.
type Runner interface {
	// Start launches name with args in its own process group. Each
	// line the process writes to stderr is passed to onLine.
	Start(name string, args []string, onLine func(string)) (Process, error)
}

// execRunner runs real subprocesses via os/exec.
type execRunner struct{}

// NewExecRunner returns the production Runner.
func NewExecRunner() Runner {
	return &execRunner{}
}

type execProcess struct {
	cmd        *exec.Cmd
	scanDone   chan struct{}
	stderrTail *tailBuffer
}

func (r *execRunner) Start(name string, args []string, onLine func(string)) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	tail := &tailBuffer{limit: 8 * 1024}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{
		cmd:        cmd,
		scanDone:   make(chan struct{}),
		stderrTail: tail,
	}

	go func() {
		defer close(p.scanDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		// ffmpeg terminates progress lines with \r, everything else
		// with \n. Split on either.
		scanner.Split(scanCRorLF)
		for scanner.Scan() {
			line := scanner.Text()
			tail.Write(line)
			if onLine != nil {
				onLine(line)
			}
		}
	}()

	return p, nil
}

func (p *execProcess) Wait() error {
	<-p.scanDone
	err := p.cmd.Wait()
	if err != nil {
		return &ExitError{Err: err, StderrTail: p.stderrTail.String()}
	}
	return nil
}

func (p *execProcess) Kill() {
	if p.cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		p.cmd.Process.Kill()
		return
	}
	syscall.Kill(-pgid, syscall.SIGKILL)
}

// ExitError carries the tail of stderr alongside the exec error so
// job failures can surface the encoder's own diagnostics.
type ExitError struct {
	Err        error
	StderrTail string
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode returns the process exit code, or -1 when it was killed.
func (e *ExitError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last limit bytes of written lines.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
	if t.buf.Len() > t.limit {
		data := t.buf.Bytes()
		trimmed := make([]byte, t.limit)
		copy(trimmed, data[len(data)-t.limit:])
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// scanCRorLF is a bufio.SplitFunc treating both \r and \n as line
// terminators.
func scanCRorLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
