// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/warden/lib/clock"
)

// pipeDrainDelay bounds how long Wait keeps copying output after the
// child exits, in case a grandchild still holds stdout open.
const pipeDrainDelay = 2 * time.Second

// userHZ is the unit of the utime and stime fields in /proc/<pid>/stat.
// The kernel exports it as a fixed 100 whatever its internal HZ.
const userHZ = 100

// child is one run of the managed command. It runs in its own process
// group so signals reach everything it spawned.
type child struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	// Set before done is closed.
	exitCode int
	waitErr  error

	outputs []*outputWriter

	// CPU time at the previous sample, for the usage rate between
	// status reports. Only touched by the supervisor goroutine.
	sampledTicks uint64
	sampledAt    time.Time
}

func startChild(argv []string, stdout, stderr io.Writer) (*child, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command to run")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeDrainDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	c := &child{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go c.wait()
	return c, nil
}

func (c *child) wait() {
	defer close(c.done)
	err := c.cmd.Wait()
	c.exitCode = exitStatus(err)
	var exitError *exec.ExitError
	if err != nil && !errors.As(err, &exitError) {
		c.waitErr = err
	}
}

// flush sends output held back by the writers. Call it after done.
func (c *child) flush() {
	for _, output := range c.outputs {
		output.Flush()
	}
}

func (c *child) pid() int {
	return c.cmd.Process.Pid
}

// signal delivers sig to the child's process group. A group that has
// already exited is not an error.
func (c *child) signal(sig syscall.Signal) error {
	err := syscall.Kill(-c.pid(), sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// stop sends SIGTERM and escalates to SIGKILL if the child is still
// running after timeout. A zero timeout kills immediately. stop
// returns once the child has exited.
func (c *child) stop(timeout time.Duration, source clock.Clock) error {
	if timeout <= 0 {
		if err := c.signal(syscall.SIGKILL); err != nil {
			return err
		}
		<-c.done
		return nil
	}

	if err := c.signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-source.After(timeout):
	}
	if err := c.signal(syscall.SIGKILL); err != nil {
		return err
	}
	<-c.done
	return nil
}

// exitStatus maps a Wait error to a shell-style exit status: the
// process's code, or 128 plus the signal number if it was killed.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitError *exec.ExitError
	if !errors.As(err, &exitError) {
		return -1
	}
	if status, ok := exitError.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitError.ExitCode()
}

// residentBytes returns the resident set size of pid from
// /proc/<pid>/statm, or 0 where that is unavailable.
func residentBytes(pid int) uint64 {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/statm")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * uint64(os.Getpagesize())
}

// cpuPercent returns the child's CPU usage since the previous sample
// (or since it started) as a percentage of one core, and takes a new
// sample. It returns 0 where /proc is unavailable.
func (c *child) cpuPercent(now time.Time) float64 {
	ticks, ok := cpuTicks(c.pid())
	if !ok {
		return 0
	}
	percent := cpuUsage(ticks-min(ticks, c.sampledTicks), now.Sub(c.sampledAt))
	c.sampledTicks, c.sampledAt = ticks, now
	return percent
}

// cpuUsage converts CPU ticks consumed over elapsed into a percentage
// of one core.
func cpuUsage(ticks uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(ticks) / userHZ / elapsed.Seconds() * 100
}

// cpuTicks returns the user plus system time of pid from
// /proc/<pid>/stat, in userHZ ticks.
func cpuTicks(pid int) (uint64, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	return parseCPUTicks(string(data))
}

// parseCPUTicks sums the utime and stime fields of a /proc/<pid>/stat
// line. The command name may contain spaces and parentheses, so fields
// are counted from the last closing parenthesis.
func parseCPUTicks(stat string) (uint64, bool) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, false
	}
	// fields[0] is the state (field 3); utime and stime are fields 14
	// and 15.
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 13 {
		return 0, false
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, false
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, false
	}
	return utime + stime, true
}
