package scheduler

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jesseduffield/kill"

	"github.com/dfir-orc/collector/pkg/orcerr"
	"github.com/dfir-orc/collector/pkg/planconfig"
)

// clockTicksPerSecond is the kernel's USER_HZ value baked into every
// /proc/<pid>/stat utime/stime field; 100 is the value every mainstream
// Linux distribution ships (CONFIG_HZ notwithstanding, USER_HZ is fixed
// at 100 by glibc's sysconf(_SC_CLK_TCK) on all supported architectures).
const clockTicksPerSecond = 100

func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * time.Second / clockTicksPerSecond
}

// resourceContainer is the POSIX stand-in for the Win32 job object
// spec.md's limit contract targets: every process a single command
// launches is placed in one process group, and job-wide limits (memory,
// CPU time, wall clock) are enforced against the group as a whole, not
// per process — the same aggregate accounting a job object gives for
// free via its Basic/Extended accounting information.
//
// Stdlib os/exec has no portable way to set a child's rlimits before
// exec, so memory and CPU time limits here are enforced by a polling
// monitor reading /proc/<pid>/status and /proc/<pid>/stat (Linux)
// rather than a kernel-enforced rlimit; the wall time limit instead
// rides on a context.Context deadline, which kills the child when
// cmd.Wait() races the expired context.
type resourceContainer struct {
	limits planconfig.ResourceLimits

	mu       sync.Mutex
	procs    []*exec.Cmd
	stopPoll chan struct{}
	violated bool

	stopThrottle chan struct{}
}

// violation reports whether the poller killed a process for exceeding
// a memory or CPU time limit — the scheduler consults this after cmd.Wait() returns
// to classify the failure as LimitViolation rather than Timeout or a
// plain LaunchError, per spec.md §8's boundary case.
func (c *resourceContainer) violation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violated
}

func newResourceContainer(limits planconfig.ResourceLimits) *resourceContainer {
	return &resourceContainer{limits: limits, stopPoll: make(chan struct{}), stopThrottle: make(chan struct{})}
}

// attach registers cmd (already Start()ed, with PrepareForChildren
// applied) as a member of this container, applies any CPUPolicy that
// takes effect once at launch (Weight, via a nice-value adjustment),
// and begins polling its resident set size / accumulated CPU time if
// any limit that needs live enforcement is set. A HardCapPercent policy
// additionally gets a SIGSTOP/SIGCONT duty-cycle goroutine, since
// niceness alone only influences scheduling priority under contention,
// not an absolute ceiling.
func (c *resourceContainer) attach(cmd *exec.Cmd) {
	c.mu.Lock()
	c.procs = append(c.procs, cmd)
	c.mu.Unlock()

	if cmd.Process != nil && c.limits.CPU.Kind == planconfig.CPUPolicyWeight {
		applyNiceWeight(cmd.Process.Pid, c.limits.CPU.Weight)
	}

	if c.limits.ProcessMemoryBytes > 0 || c.limits.JobMemoryBytes > 0 ||
		c.limits.PerProcessCPUTime > 0 || c.limits.PerJobCPUTime > 0 {
		go c.pollResources(cmd)
	}
	if c.limits.CPU.Kind == planconfig.CPUPolicyHardCapPercent {
		go c.throttleCPU(cmd, c.limits.CPU.Percent)
	}
}

// applyNiceWeight maps a plan's 1 (lowest) .. 9 (highest) scheduling
// weight onto a POSIX nice value: weight 5 is left at the default
// niceness, weight 1 is the most deprioritized, weight 9 the least.
// Errors are ignored, the same best-effort posture original_source's
// job-object priority class assignment has when the underlying call
// fails on a sandboxed/unprivileged host.
func applyNiceWeight(pid, weight int) {
	if weight <= 0 {
		weight = 5
	}
	nice := (5 - weight) * 2
	syscall.Setpriority(syscall.PRIO_PROCESS, pid, nice)
}

// throttleCPU duty-cycles cmd between SIGSTOP and SIGCONT to hold its
// CPU consumption near percent of a single core, the POSIX stand-in for
// a job object's UINT32 CpuRate hard cap: there is no portable
// equivalent of NtSetInformationJobObject's rate limiter, so we
// approximate it by running the process for percent% of a fixed window
// and freezing it for the remainder.
func (c *resourceContainer) throttleCPU(cmd *exec.Cmd, percent int) {
	if percent <= 0 || percent >= 100 {
		return
	}
	const window = 100 * time.Millisecond
	run := time.Duration(percent) * window / 100
	pause := window - run

	for {
		select {
		case <-c.stopThrottle:
			return
		case <-time.After(run):
		}
		if cmd.Process == nil {
			return
		}
		cmd.Process.Signal(syscall.SIGSTOP)
		select {
		case <-c.stopThrottle:
			cmd.Process.Signal(syscall.SIGCONT)
			return
		case <-time.After(pause):
		}
		cmd.Process.Signal(syscall.SIGCONT)
	}
}

func (c *resourceContainer) pollResources(cmd *exec.Cmd) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPoll:
			return
		case <-ticker.C:
			if cmd.Process == nil {
				continue
			}
			if c.checkMemory(cmd) || c.checkCPUTime(cmd.Process.Pid) {
				return
			}
		}
	}
}

func (c *resourceContainer) checkMemory(cmd *exec.Cmd) bool {
	if c.limits.ProcessMemoryBytes == 0 && c.limits.JobMemoryBytes == 0 {
		return false
	}
	rss, err := readRSSBytes(cmd.Process.Pid)
	if err != nil {
		return false
	}
	if c.limits.ProcessMemoryBytes > 0 && rss > c.limits.ProcessMemoryBytes {
		c.kill(cmd)
		return true
	}
	if c.limits.JobMemoryBytes > 0 && c.jobRSSBytes() > c.limits.JobMemoryBytes {
		c.kill(cmd)
		return true
	}
	return false
}

func (c *resourceContainer) checkCPUTime(pid int) bool {
	if c.limits.PerProcessCPUTime == 0 && c.limits.PerJobCPUTime == 0 {
		return false
	}
	if c.limits.PerProcessCPUTime > 0 {
		if ticks, err := readCPUTicks(pid); err == nil && ticksToDuration(ticks) > c.limits.PerProcessCPUTime {
			c.killPID(pid)
			return true
		}
	}
	if c.limits.PerJobCPUTime > 0 && ticksToDuration(c.jobCPUTicks()) > c.limits.PerJobCPUTime {
		c.killPID(pid)
		return true
	}
	return false
}

func (c *resourceContainer) kill(cmd *exec.Cmd) {
	c.mu.Lock()
	c.violated = true
	c.mu.Unlock()
	kill.Kill(cmd)
}

// killPID mirrors kill but is used from the CPU-time path, which only
// has a pid (read from /proc, not necessarily the *exec.Cmd that
// exceeded it when a job-wide limit fires on one of several siblings).
func (c *resourceContainer) killPID(pid int) {
	c.mu.Lock()
	c.violated = true
	procs := append([]*exec.Cmd(nil), c.procs...)
	c.mu.Unlock()
	for _, p := range procs {
		if p.Process != nil && p.Process.Pid == pid {
			kill.Kill(p)
			return
		}
	}
	syscall.Kill(pid, syscall.SIGKILL)
}

// jobRSSBytes sums the RSS of every process currently attached, for
// comparing against JobMemoryBytes (the aggregate-across-the-group
// limit, as opposed to ProcessMemoryBytes' per-process one).
func (c *resourceContainer) jobRSSBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, p := range c.procs {
		if p.Process == nil {
			continue
		}
		if rss, err := readRSSBytes(p.Process.Pid); err == nil {
			total += rss
		}
	}
	return total
}

// jobCPUTicks sums accumulated CPU ticks across every process currently
// attached, the CPU-time analogue of jobRSSBytes.
func (c *resourceContainer) jobCPUTicks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, p := range c.procs {
		if p.Process == nil {
			continue
		}
		if ticks, err := readCPUTicks(p.Process.Pid); err == nil {
			total += ticks
		}
	}
	return total
}

// readCPUTicks reads the combined utime+stime fields out of
// /proc/<pid>/stat, in clock ticks. The comm field (2nd, parenthesized)
// can itself contain spaces or parens, so the state field onward is
// located relative to the last ')' rather than by a fixed split index.
func readCPUTicks(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, orcerr.Wrap(orcerr.KindIO, err, "reading process stat")
	}
	s := string(data)
	paren := strings.LastIndex(s, ")")
	if paren < 0 {
		return 0, orcerr.New(orcerr.KindIO, "malformed /proc stat")
	}
	fields := strings.Fields(s[paren+1:])
	// fields[0] is state (proc stat field 3); utime is field 14, stime
	// field 15, i.e. indices 11 and 12 relative to fields[0]=field 3.
	const utimeIdx, stimeIdx = 11, 12
	if len(fields) <= stimeIdx {
		return 0, orcerr.New(orcerr.KindIO, "short /proc stat")
	}
	utime, err1 := strconv.ParseInt(fields[utimeIdx], 10, 64)
	stime, err2 := strconv.ParseInt(fields[stimeIdx], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, orcerr.New(orcerr.KindIO, "parsing cpu ticks from /proc stat")
	}
	return utime + stime, nil
}

// readRSSBytes reads VmRSS out of /proc/<pid>/status. Grounded on the
// standard Linux procfs accounting fields; returns an IoError if the
// process has already exited or /proc is unavailable (non-Linux POSIX).
func readRSSBytes(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, orcerr.Wrap(orcerr.KindIO, err, "reading process status")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					return 0, orcerr.Wrap(orcerr.KindIO, err, "parsing VmRSS")
				}
				return kb * 1024, nil
			}
		}
	}
	return 0, orcerr.New(orcerr.KindIO, "VmRSS not found in process status")
}

// terminateAll kills every process attached to the container, the
// resource-container equivalent of TerminateJobObject.
func (c *resourceContainer) terminateAll() {
	c.mu.Lock()
	procs := append([]*exec.Cmd(nil), c.procs...)
	c.mu.Unlock()
	for _, p := range procs {
		kill.Kill(p)
	}
}

// close stops the resource poller and CPU throttle goroutines and
// releases the container. Safe to call once the command (and any
// children it spawned) has exited.
func (c *resourceContainer) close() {
	close(c.stopPoll)
	close(c.stopThrottle)
}
