// SPDX-License-Identifier: AGPL-3.0-only
// Package runner supervises a single downloader child process per
// spec.md §4.3. It generalizes the teacher's job_execution.go
// (runSingleURL/streamRaw/CancelJob) from one hardcoded app into the
// templated, multi-app model of this spec, and keeps the teacher's
// PTY-backed execution (github.com/creack/pty) — running the child under
// a PTY is what merges its stdout and stderr into one arrival-ordered
// stream "for free" and makes curl/yt-dlp-style progress bars behave as
// they do in an interactive shell.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"

	"low-tide/internal/terminal"
)

// TerminationReason classifies how the child process ended.
type TerminationReason string

const (
	Normal      TerminationReason = "normal"
	Cancelled   TerminationReason = "cancelled"
	SpawnFailed TerminationReason = "spawn_failed"
)

// maxLineBytes is the safety cap from spec.md §4.3: lines longer than this
// are split at the boundary rather than buffered without limit.
const maxLineBytes = 64 * 1024

// gracePeriod is how long a cancelled child gets to exit after a graceful
// terminate signal before it is force-killed.
const gracePeriod = 5 * time.Second

// Options configures a single Run.
type Options struct {
	JobID  int64
	Argv   []string // already {url}/{outdir}-substituted, Argv[0] is the executable
	Dir    string   // the job's output directory; also cmd's working directory
	OnPID  func(pid int)
	OnLine func(seq int64, line string) // called for each captured log line, 1-based seq

	// Term, if set, is written to as the child produces output instead of a
	// Run-local buffer, so a caller can RenderHTML concurrently for a live
	// log view before the job reaches a terminal state. Terminal is safe
	// for concurrent Write/RenderHTML.
	Term *terminal.Terminal
}

// Result is what Run reports back to the Scheduler.
type Result struct {
	ExitCode int
	Reason   TerminationReason
	Err      error  // set for spawn_failed; descriptive, no retry
	Logs     string // rendered HTML of the terminal buffer (its most recent lines only), for persistence
}

// BuildArgv substitutes {url} and {outdir} into a templated argument vector.
func BuildArgv(template []string, url, outDir string) []string {
	out := make([]string, len(template))
	for i, a := range template {
		a = strings.ReplaceAll(a, "{url}", url)
		a = strings.ReplaceAll(a, "{outdir}", outDir)
		out[i] = a
	}
	return out
}

// Run spawns and supervises the child described by opts until it exits or
// ctx is cancelled.
func Run(ctx context.Context, opts Options) Result {
	if len(opts.Argv) == 0 {
		return Result{Reason: SpawnFailed, Err: fmt.Errorf("empty command")}
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("LOWTIDE_JOB_ID=%d", opts.JobID),
		"TERM=xterm-256color",
	)

	f, err := pty.Start(cmd)
	if err != nil {
		return Result{Reason: SpawnFailed, Err: err}
	}
	defer f.Close()
	_ = pty.Setsize(f, &pty.Winsize{Rows: 24, Cols: 100})

	if opts.OnPID != nil && cmd.Process != nil {
		opts.OnPID(cmd.Process.Pid)
	}

	term := opts.Term
	if term == nil {
		term = terminal.New(2000)
	}
	ls := &lineSplitter{onLine: opts.OnLine}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 32*1024)
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				term.Write(chunk)
				ls.feed(chunk)
			}
			if rerr != nil {
				ls.flush()
				return
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	reason := Normal

	select {
	case <-waitDone:
	case <-ctx.Done():
		reason = Cancelled
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-waitDone:
		case <-time.After(gracePeriod):
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-waitDone
		}
	}

	<-readDone

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return Result{
		ExitCode: exitCode,
		Reason:   reason,
		Logs:     term.RenderHTML(),
	}
}

// lineSplitter accumulates arbitrary byte chunks, splits them on newlines
// (and at maxLineBytes if no newline arrives in time), sanitizes invalid
// UTF-8 to the replacement character, and reports each complete line with
// a strictly increasing sequence number starting at 1.
type lineSplitter struct {
	mu     sync.Mutex
	buf    []byte
	seq    int64
	onLine func(seq int64, line string)
}

func (l *lineSplitter) feed(chunk []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, chunk...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			if len(l.buf) >= maxLineBytes {
				l.emit(l.buf[:maxLineBytes])
				l.buf = l.buf[maxLineBytes:]
				continue
			}
			return
		}
		if i > maxLineBytes {
			l.emit(l.buf[:maxLineBytes])
			l.buf = l.buf[maxLineBytes:]
			continue
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
}

// flush emits any trailing fragment without a newline at EOF.
func (l *lineSplitter) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) == 0 {
		return
	}
	l.emit(l.buf)
	l.buf = nil
}

func (l *lineSplitter) emit(b []byte) {
	l.seq++
	if l.onLine != nil {
		l.onLine(l.seq, sanitizeUTF8(b))
	}
}

func sanitizeUTF8(b []byte) string {
	s := strings.TrimSuffix(string(b), "\r")
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
