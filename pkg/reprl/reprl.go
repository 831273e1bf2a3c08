// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package reprl implements the reset-and-reuse execution loop: a persistent
// sandboxed worker process that executes untrusted program fragments handed
// to it over shared-memory data channels, reporting per execution a status
// word and (through pkg/cover) the control-flow edges it exercised.
package reprl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jsharness/reprl/pkg/cover"
	"github.com/jsharness/reprl/pkg/log"
	"github.com/jsharness/reprl/pkg/osutil"
	"github.com/jsharness/reprl/pkg/stat"
)

const (
	// maxDataSize is the capacity of every data channel and therefore the
	// maximum script size. A script this large would blow the typical
	// timeout long before the limit matters in practice.
	maxDataSize = 16 << 20

	// Well-known descriptor numbers the worker expects, child process side.
	childCtrlIn  = 100 // worker reads commands here
	childCtrlOut = 101 // worker writes status here
	childDataIn  = 102 // worker reads the script here
	childDataOut = 103 // worker writes fuzzer output here

	handshakeTimeout = time.Minute
)

// MaxTimeout bounds execution timeouts: the completion wait takes the
// timeout in milliseconds as a 32-bit value.
const MaxTimeout = time.Duration(math.MaxInt32) * time.Millisecond

var (
	handshakeMsg = []byte("HELO")
	executeCmd   = []byte("cexe")
)

var (
	statExecs = stat.New("exec total", "Total test program executions",
		stat.Rate{}, stat.Prometheus("reprl_exec_total"))
	statRestarts = stat.New("exec restarts", "Worker process (re)starts",
		stat.Prometheus("reprl_restarts_total"))
	statTimeouts = stat.New("exec timeouts", "Executions killed on timeout",
		stat.Prometheus("reprl_timeouts_total"))
	statCrashes = stat.New("exec crashes", "Executions that crashed the worker",
		stat.Prometheus("reprl_crashes_total"))
	statExecTime = stat.New("exec time", "Execution time (us)", stat.Distribution{})
)

// Config describes how to launch a worker process. Argument and environment
// construction for specific target engines lives elsewhere (see Profile);
// the harness only appends the coverage region entry to Env.
type Config struct {
	// Args is the argv of the target binary: path plus fixed flags.
	Args []string
	// Env is the environment for the worker.
	Env []string
	// CaptureStdout/CaptureStderr redirect the worker's stdio into data
	// channels readable after each execution; otherwise it goes to the
	// null device.
	CaptureStdout bool
	CaptureStderr bool
	// TrackEdges enables per-edge hit counters in the coverage context.
	TrackEdges bool
}

// SpawnError reports a failed attempt to start or handshake a worker
// process. The caller decides whether to retry.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn worker: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Env owns one worker slot's execution state: the four data channels, the
// launch configuration and, while a process is alive, its pid and control
// pipes. The pid and the pipes are valid together or not at all.
// An Env must be driven by a single goroutine; executions within one slot
// are strictly sequential.
type Env struct {
	cfg *Config
	cov *cover.Context

	dataOut *dataChannel // harness -> worker: the script
	dataIn  *dataChannel // worker -> harness: fuzzer output
	stdout  *dataChannel
	stderr  *dataChannel

	pid     int
	ctrlIn  *os.File // read end, worker -> harness
	ctrlOut *os.File // write end, harness -> worker
}

// MakeEnv creates the data channels for one worker slot. The worker process
// itself is spawned lazily on the first Execute call.
func MakeEnv(cfg *Config, cov *cover.Context) (*Env, error) {
	if len(cfg.Args) == 0 {
		return nil, fmt.Errorf("no worker binary configured")
	}
	env := &Env{cfg: cfg, cov: cov}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()
	var err error
	if env.dataOut, err = createDataChannel(); err != nil {
		return nil, err
	}
	if env.dataIn, err = createDataChannel(); err != nil {
		return nil, err
	}
	if cfg.CaptureStdout {
		if env.stdout, err = createDataChannel(); err != nil {
			return nil, err
		}
	}
	if cfg.CaptureStderr {
		if env.stderr, err = createDataChannel(); err != nil {
			return nil, err
		}
	}
	ok = true
	return env, nil
}

// Close terminates any live worker and releases the data channels.
func (env *Env) Close() error {
	env.Terminate()
	env.dataOut.destroy()
	env.dataIn.destroy()
	env.stdout.destroy()
	env.stderr.destroy()
	return nil
}

// Pid returns the live worker's process id, or 0 if none is running.
func (env *Env) Pid() int {
	return env.pid
}

func (env *Env) channels() []*dataChannel {
	return []*dataChannel{env.dataOut, env.dataIn, env.stdout, env.stderr}
}

// spawn starts a fresh worker process and performs the liveness handshake.
func (env *Env) spawn() error {
	for _, dc := range env.channels() {
		if err := dc.truncate(); err != nil {
			return &SpawnError{fmt.Errorf("failed to truncate data channel: %w", err)}
		}
		if err := dc.reset(); err != nil {
			return &SpawnError{fmt.Errorf("failed to rewind data channel: %w", err)}
		}
	}

	// Control pipes: inR/inW is worker->harness, outR/outW harness->worker.
	inR, inW, err := os.Pipe()
	if err != nil {
		return &SpawnError{fmt.Errorf("failed to create control pipe: %w", err)}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return &SpawnError{fmt.Errorf("failed to create control pipe: %w", err)}
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return &SpawnError{err}
	}

	// The Files slice maps positionally onto the child's descriptor table:
	// stdin comes from the null device, stdout/stderr go to their capture
	// channels (or null), and the four well-known worker descriptors carry
	// the control pipes and data channels. Unused slots get the null device;
	// everything else in our process is close-on-exec and never reaches the
	// child.
	files := make([]*os.File, childDataOut+1)
	for i := range files {
		files[i] = devnull
	}
	if env.stdout != nil {
		files[1] = env.stdout.file
	}
	if env.stderr != nil {
		files[2] = env.stderr.file
	}
	files[childCtrlIn] = outR
	files[childCtrlOut] = inW
	files[childDataIn] = env.dataOut.file
	files[childDataOut] = env.dataIn.file

	envp := append(append([]string{}, env.cfg.Env...), env.cov.EnvEntry())
	proc, err := os.StartProcess(env.cfg.Args[0], env.cfg.Args, &os.ProcAttr{
		Env:   envp,
		Files: files,
		Sys:   osutil.ChildSysProcAttr(),
	})
	// The child holds its own duplicates now.
	devnull.Close()
	outR.Close()
	inW.Close()
	if err != nil {
		inR.Close()
		outW.Close()
		return &SpawnError{err}
	}
	env.pid = proc.Pid
	env.ctrlIn = inR
	env.ctrlOut = outW
	proc.Release()

	if err := env.handshake(); err != nil {
		env.Terminate()
		return &SpawnError{err}
	}
	statRestarts.Add(1)
	log.Logf(2, "reprl: spawned worker pid %v", env.pid)
	return nil
}

// handshake reads the worker's 4-byte greeting and echoes it back.
// A worker that fails to greet within the timeout is not serving.
func (env *Env) handshake() error {
	if err := waitReadable(env.ctrlIn, handshakeTimeout); err != nil {
		return fmt.Errorf("worker not serving: %w", err)
	}
	buf := make([]byte, len(handshakeMsg))
	if _, err := io.ReadFull(env.ctrlIn, buf); err != nil {
		return fmt.Errorf("did not receive greeting from worker: %w", err)
	}
	if !bytes.Equal(buf, handshakeMsg) {
		return fmt.Errorf("received invalid greeting from worker: %q", buf)
	}
	if _, err := env.ctrlOut.Write(buf); err != nil {
		return fmt.Errorf("failed to send greeting reply to worker: %w", err)
	}
	return nil
}

// Terminate kills and reaps the worker process if one is alive, tearing
// down the pid and control pipes together. Calling it on a dead slot is a
// no-op.
func (env *Env) Terminate() {
	if env.pid == 0 {
		return
	}
	unix.Kill(env.pid, unix.SIGKILL)
	var ws unix.WaitStatus
	unix.Wait4(env.pid, &ws, 0, nil)
	env.childTerminated()
}

// childTerminated clears the process state after the child is known dead.
func (env *Env) childTerminated() {
	if env.pid == 0 {
		return
	}
	env.pid = 0
	env.ctrlIn.Close()
	env.ctrlOut.Close()
	env.ctrlIn = nil
	env.ctrlOut = nil
}

// Execute runs one script in the worker, spawning one first if none is
// alive (or if freshInstance discards the current one). It returns the
// decoded status word and the elapsed wall-clock time. Timeouts are a
// status, not an error; the worker is killed and the next call respawns it.
func (env *Env) Execute(script []byte, timeout time.Duration, freshInstance bool) (Status, time.Duration, error) {
	if len(script) > maxDataSize {
		return 0, 0, fmt.Errorf("script too large: %v bytes", len(script))
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	if freshInstance {
		env.Terminate()
	}
	for _, dc := range env.channels() {
		if err := dc.reset(); err != nil {
			return 0, 0, fmt.Errorf("failed to rewind data channel: %w", err)
		}
	}
	if env.pid == 0 {
		if err := env.spawn(); err != nil {
			return 0, 0, err
		}
	}
	copy(env.dataOut.mem, script)
	// Cleared before the worker is signaled so that a fast worker can never
	// start writing into a bitmap we are still clearing. The worker resets
	// the map on its side too; both resets are kept.
	env.cov.ClearBitmap()
	statExecs.Add(1)

	cmd := make([]byte, 0, len(executeCmd)+8)
	cmd = append(cmd, executeCmd...)
	cmd = binary.LittleEndian.AppendUint64(cmd, uint64(len(script)))
	start := time.Now()
	if _, err := env.ctrlOut.Write(cmd); err != nil {
		// The write fails if the worker died between executions,
		// check for that to report something better than a pipe error.
		var ws unix.WaitStatus
		if pid, _ := unix.Wait4(env.pid, &ws, unix.WNOHANG, nil); pid == env.pid {
			env.childTerminated()
			if ws.Exited() {
				return 0, 0, fmt.Errorf("worker unexpectedly exited with status %v between executions", ws.ExitStatus())
			}
			return 0, 0, fmt.Errorf("worker unexpectedly terminated with signal %v between executions", int(ws.Signal()))
		}
		return 0, 0, fmt.Errorf("failed to send command to worker: %w", err)
	}

	err := waitReadable(env.ctrlIn, timeout)
	elapsed := time.Since(start)
	statExecTime.Add(int(elapsed.Microseconds()))
	if err == errNotReadable {
		// Execution timed out. Kill the worker and report a timeout status;
		// the next Execute call respawns transparently.
		env.Terminate()
		statTimeouts.Add(1)
		return StatusTimeout, elapsed, nil
	}
	if err != nil {
		// Signal handlers are installed with SA_RESTART, so even EINTR here
		// is unexpected and treated as an error rather than retried.
		return 0, elapsed, fmt.Errorf("failed to poll control pipe: %w", err)
	}

	status, err := env.readStatus(start, timeout)
	if err != nil {
		return 0, elapsed, err
	}
	// The worker cannot report a timeout itself, mask the status down to
	// the signal and exit fields.
	status &= 0xffff
	return status, elapsed, nil
}

// readStatus reads the 4-byte status word. A short read means the worker
// crashed and closed the pipe; its exit may be reported asynchronously
// relative to the pipe closure, so reaping retries on a deadline.
func (env *Env) readStatus(start time.Time, timeout time.Duration) (Status, error) {
	buf := make([]byte, 4)
	n, err := env.ctrlIn.Read(buf)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to read from control pipe: %w", err)
	}
	if n == len(buf) {
		return Status(binary.LittleEndian.Uint32(buf)), nil
	}

	deadline := start.Add(timeout)
	var ws unix.WaitStatus
	reaped := false
	for {
		if pid, _ := unix.Wait4(env.pid, &ws, unix.WNOHANG, nil); pid == env.pid {
			reaped = true
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(10 * time.Microsecond)
	}
	if !reaped {
		// The control pipe closed but the child did not exit within the
		// budget. Kill it rather than continue with a slot in unknown state.
		env.Terminate()
		return 0, fmt.Errorf("worker in inconsistent state after execution")
	}
	env.childTerminated()
	statCrashes.Add(1)
	return statusFromWait(ws)
}

// FetchFuzzout returns the bytes the worker wrote to its output data
// channel during the last execution.
func (env *Env) FetchFuzzout() []byte {
	return env.dataIn.contents()
}

// FetchStdout returns the captured stdout of the last execution, nil if
// stdout capture is not configured.
func (env *Env) FetchStdout() []byte {
	return env.stdout.contents()
}

// FetchStderr returns the captured stderr of the last execution, nil if
// stderr capture is not configured.
func (env *Env) FetchStderr() []byte {
	return env.stderr.contents()
}

var errNotReadable = fmt.Errorf("descriptor did not become readable")

// waitReadable blocks until f is readable or the timeout expires.
func waitReadable(f *os.File, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return err
	}
	if n == 0 {
		return errNotReadable
	}
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
