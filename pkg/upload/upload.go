// Package upload implements the Upload Agent (spec.md §4.4): a
// message-driven agent that accepts UploadFile/UploadDirectory/
// UploadStream/Refresh/Complete/Cancel requests, grounded directly on
// original_source UploadAgent.cpp's run() loop — including its
// "bIsReadyToBeDone" latch (Complete stops admitting new work but lets
// in-flight jobs finish) and its 1-second self-dispatched
// RefreshJobStatus timer, here built with github.com/boz/go-throttle
// instead of the Concurrency Runtime's concurrency::timer.
//
// MethodHTTP additionally models BITSAgent.cpp's job lifecycle: a probe
// HEAD request before scheduling (CheckFileUploadOverHttp), a
// WinHttpSetCredentials-style 401 challenge/response handshake
// (always NTLM, including under AuthNegotiate), and the BG_E_INSUFFICIENT_RANGE_
// SUPPORT recovery path — retry at foreground priority for files at or
// under 2GB, a hard failure ("file is more than 2GB, resume fails")
// above it, since BITS itself cannot resume a >2GB ranged transfer.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boz/go-throttle"
	"github.com/sasha-s/go-deadlock"

	"github.com/dfir-orc/collector/pkg/orcerr"
)

// Method selects the transport a Job uses.
type Method int

const (
	MethodFileCopy Method = iota
	MethodHTTP
	MethodSMB
)

// Mode selects whether uploads block the caller until the transfer
// finishes (Sync, the teacher's original behaviour) or are handed to a
// background job table polled via ReqRefresh (Async, BITSAgent.cpp's
// queue-then-poll model).
type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
)

// AuthScheme selects the 401 challenge/response handshake a MethodHTTP
// transport negotiates, mirroring BITSAgent.cpp's
// OutputSpec::UploadAuthScheme.
type AuthScheme int

const (
	AuthNone AuthScheme = iota
	AuthNegotiate
	AuthNTLM
)

// twoGB is BITSAgent.cpp's TWO_GB constant: above this size, BITS'
// range-based resume can never recover from a server that rejects range
// requests, so the agent fails outright instead of retrying.
const twoGB = 2 * 1024 * 1024 * 1024

// RequestKind discriminates the agent's message protocol.
type RequestKind int

const (
	ReqUploadFile RequestKind = iota
	ReqUploadDirectory
	ReqUploadStream
	ReqRefresh
	ReqComplete
	ReqCancel
)

// Request is one message sent to the agent.
type Request struct {
	Kind RequestKind

	LocalPath      string
	RemotePath     string
	Pattern        string // ReqUploadDirectory glob, empty means "*"
	Stream         io.Reader
	DeleteWhenDone bool

	// JobID addresses an in-flight async job for ReqRefresh/ReqCancel;
	// ignored in Sync mode, where every request already blocks until
	// terminal.
	JobID string

	Reply chan Notification
}

// NotificationKind mirrors UploadNotification's event set, extended
// with the two states an async job table needs to report mid-flight.
type NotificationKind int

const (
	NotifyFileAddition NotificationKind = iota
	NotifyDirectoryAddition
	NotifyJobQueued
	NotifyJobActive
	NotifyJobComplete
	NotifyCancelled
	NotifyFailure
)

// Notification is the agent's reply.
type Notification struct {
	Kind       NotificationKind
	JobID      string
	LocalPath  string
	RemotePath string
	Size       int64
	Err        error
}

// Config configures the transport a new Agent uses.
type Config struct {
	Method     Method
	Mode       Mode
	HTTPClient *http.Client // MethodHTTP; defaults to http.DefaultClient
	BaseURL    string // MethodHTTP: RemotePath is appended as a path segment

	AuthScheme AuthScheme
	Username   string
	Password   string
}

// job tracks one async upload's lifecycle, the in-process stand-in for
// a BITS IBackgroundCopyJob.
type job struct {
	id       string
	mu       sync.Mutex
	notify   Notification
	terminal bool
}

// completeGrace bounds how long Complete waits for in-flight async jobs
// before giving up on the stragglers.
const completeGrace = 60 * time.Second

// Agent owns one upload destination for the run's lifetime.
type Agent struct {
	cfg      Config
	requests chan Request

	mu            deadlock.Mutex
	readyToBeDone bool

	jobs   map[string]*job
	nextID int64
}

// New creates an Agent and starts its processing goroutine.
func New(cfg Config) *Agent {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	a := &Agent{cfg: cfg, requests: make(chan Request, 8), jobs: make(map[string]*job)}
	go a.run()
	return a
}

// Send enqueues req and waits for its reply.
func (a *Agent) Send(req Request) Notification {
	if req.Reply == nil {
		req.Reply = make(chan Notification, 1)
	}
	a.requests <- req
	return <-req.Reply
}

// run serves requests for the process's lifetime: even after Complete
// or Cancel the loop keeps answering (rejecting new work), so no sender
// can ever block on an abandoned reply channel.
func (a *Agent) run() {
	for req := range a.requests {
		req.Reply <- a.handle(req)
		close(req.Reply)
	}
}

func (a *Agent) handle(req Request) Notification {
	a.mu.Lock()
	readyToBeDone := a.readyToBeDone
	a.mu.Unlock()

	switch req.Kind {
	case ReqUploadFile:
		if readyToBeDone {
			return Notification{Kind: NotifyFailure, Err: orcerr.New(orcerr.KindUpload, "upload agent no longer accepting new jobs")}
		}
		return a.submitUpload(req)

	case ReqUploadDirectory:
		if readyToBeDone {
			return Notification{Kind: NotifyFailure, Err: orcerr.New(orcerr.KindUpload, "upload agent no longer accepting new jobs")}
		}
		return a.uploadDirectory(req)

	case ReqUploadStream:
		if readyToBeDone {
			return Notification{Kind: NotifyFailure, Err: orcerr.New(orcerr.KindUpload, "upload agent no longer accepting new jobs")}
		}
		return a.uploadStream(req)

	case ReqRefresh:
		return a.refresh(req.JobID)

	case ReqCancel:
		a.mu.Lock()
		a.readyToBeDone = true
		a.mu.Unlock()
		if req.JobID != "" {
			a.cancelJob(req.JobID)
		} else {
			a.cancelAllJobs()
		}
		return Notification{Kind: NotifyCancelled, JobID: req.JobID}

	case ReqComplete:
		a.mu.Lock()
		a.readyToBeDone = true
		a.mu.Unlock()
		a.drain()
		return Notification{Kind: NotifyJobComplete}

	default:
		return Notification{Kind: NotifyFailure, Err: orcerr.New(orcerr.KindUpload, "unknown request kind")}
	}
}

// drain blocks until every job in the table is terminal or completeGrace
// elapses, sweeping the table once a second — the cadence BITSAgent.cpp's
// RefreshJobStatus timer polls at once Complete has been requested. The
// throttle paces the sweep so the wakeup loop below still only walks the
// job table once per second.
func (a *Agent) drain() {
	done := make(chan struct{})
	var once sync.Once
	sweep := throttle.ThrottleFunc(time.Second, true, func() {
		if a.allJobsTerminal() {
			once.Do(func() { close(done) })
		}
	})
	defer sweep.Stop()

	if a.allJobsTerminal() {
		return
	}
	deadline := time.After(completeGrace)
	for {
		sweep.Trigger()
		select {
		case <-done:
			return
		case <-deadline:
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (a *Agent) allJobsTerminal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, j := range a.jobs {
		j.mu.Lock()
		terminal := j.terminal
		j.mu.Unlock()
		if !terminal {
			return false
		}
	}
	return true
}

// submitUpload dispatches req.LocalPath either synchronously (Sync, the
// teacher's original behaviour: the caller blocks until the transfer
// finishes) or as a tracked async job (Async: the caller gets a
// NotifyJobQueued reply immediately and polls ReqRefresh for terminal
// state, mirroring BITSAgent::IsComplete's polling loop).
func (a *Agent) submitUpload(req Request) Notification {
	if a.cfg.Mode == ModeSync {
		return a.uploadOne(req.LocalPath, req.RemotePath, req.DeleteWhenDone)
	}

	id := a.newJobID()
	j := &job{id: id, notify: Notification{Kind: NotifyJobActive, JobID: id, LocalPath: req.LocalPath, RemotePath: req.RemotePath}}
	a.mu.Lock()
	a.jobs[id] = j
	a.mu.Unlock()

	go func() {
		n := a.uploadOne(req.LocalPath, req.RemotePath, req.DeleteWhenDone)
		n.JobID = id
		j.mu.Lock()
		// A job cancelled while the transfer was in flight keeps its
		// Cancelled state; the late result is discarded.
		if !j.terminal {
			j.notify = n
			j.terminal = true
		}
		j.mu.Unlock()
	}()

	return Notification{Kind: NotifyJobQueued, JobID: id, LocalPath: req.LocalPath, RemotePath: req.RemotePath}
}

func (a *Agent) newJobID() string {
	n := atomic.AddInt64(&a.nextID, 1)
	return "job-" + strconv.FormatInt(n, 10)
}

// refresh answers ReqRefresh with a job's current notification —
// NotifyJobActive while the transfer is still running, or its terminal
// NotifyFileAddition/NotifyFailure/NotifyCancelled once done. This is
// the poll-until-terminal loop BITSAgent::IsComplete drives from the
// Windows side of the original implementation.
func (a *Agent) refresh(jobID string) Notification {
	a.mu.Lock()
	j, ok := a.jobs[jobID]
	a.mu.Unlock()
	if !ok {
		return Notification{Kind: NotifyFailure, JobID: jobID, Err: orcerr.New(orcerr.KindUpload, "unknown job id "+jobID)}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.notify
}

func (a *Agent) cancelJob(jobID string) {
	a.mu.Lock()
	j, ok := a.jobs[jobID]
	a.mu.Unlock()
	if !ok {
		return
	}
	j.mu.Lock()
	if !j.terminal {
		j.notify = Notification{Kind: NotifyCancelled, JobID: jobID}
		j.terminal = true
	}
	j.mu.Unlock()
}

// cancelAllJobs best-effort aborts every in-flight job, the bare-Cancel
// path the shutdown token drives: transfers already handed to the
// transport run their course, but their results are discarded.
func (a *Agent) cancelAllJobs() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.jobs))
	for id := range a.jobs {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.cancelJob(id)
	}
}

func (a *Agent) uploadOne(local, remote string, deleteWhenDone bool) Notification {
	var err error
	switch a.cfg.Method {
	case MethodFileCopy, MethodSMB:
		err = copyFile(local, remote)
	case MethodHTTP:
		err = a.uploadHTTP(local, remote)
	default:
		err = orcerr.New(orcerr.KindUpload, "unknown upload method")
	}
	if err != nil {
		return Notification{Kind: NotifyFailure, LocalPath: local, RemotePath: remote, Err: err}
	}

	size := fileSize(local)
	if deleteWhenDone {
		os.Remove(local)
	}
	return Notification{Kind: NotifyFileAddition, LocalPath: local, RemotePath: remote, Size: size}
}

func (a *Agent) uploadDirectory(req Request) Notification {
	pattern := req.Pattern
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(req.LocalPath, pattern))
	if err != nil {
		return Notification{Kind: NotifyFailure, Err: orcerr.Wrap(orcerr.KindUpload, err, "listing "+req.LocalPath)}
	}

	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		remote := filepath.Join(req.RemotePath, filepath.Base(m))
		a.uploadOne(m, remote, req.DeleteWhenDone)
	}
	return Notification{Kind: NotifyDirectoryAddition, LocalPath: req.LocalPath, RemotePath: req.RemotePath}
}

func (a *Agent) uploadStream(req Request) Notification {
	switch a.cfg.Method {
	case MethodHTTP:
		if err := a.streamHTTP(req.RemotePath, req.Stream, -1, false); err != nil {
			return Notification{Kind: NotifyFailure, RemotePath: req.RemotePath, Err: err}
		}
		return Notification{Kind: NotifyFileAddition, RemotePath: req.RemotePath}
	default:
		if err := streamToFile(req.RemotePath, req.Stream); err != nil {
			return Notification{Kind: NotifyFailure, RemotePath: req.RemotePath, Err: err}
		}
		return Notification{Kind: NotifyFileAddition, RemotePath: req.RemotePath}
	}
}

func copyFile(local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "opening "+local)
	}
	defer src.Close()
	return streamToFile(remote, src)
}

func streamToFile(remote string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(remote), 0o755); err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "creating destination directory")
	}
	dst, err := os.Create(remote)
	if err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "creating "+remote)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "copying to "+remote)
	}
	return nil
}

// uploadHTTP runs BITSAgent.cpp's three-stage HTTP path: a HEAD probe
// (CheckFileUploadOverHttp) that also drives the 401 auth handshake,
// then the PUT itself, with the insufficient-range-support recovery
// path applied if the first attempt is rejected.
func (a *Agent) uploadHTTP(local, remote string) error {
	size := fileSize(local)
	if err := a.probe(remote); err != nil {
		return err
	}

	f, err := os.Open(local)
	if err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "opening "+local)
	}
	defer f.Close()

	err = a.streamHTTP(remote, f, size, size > twoGB)
	if err == nil || !isRangeRejection(err) {
		return err
	}

	// BG_E_INSUFFICIENT_RANGE_SUPPORT recovery: BITS can only resume a
	// ranged transfer up to 2GB; above that a rejected range request is
	// unrecoverable, matching CNotifyInterface::JobError's branch.
	if size > twoGB {
		return orcerr.New(orcerr.KindUpload, "file is more than 2GB, resume fails")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "rewinding "+local+" for foreground retry")
	}
	return a.streamHTTP(remote, f, size, false)
}

// probe issues a HEAD request against remote's destination URL before
// scheduling a transfer, the stand-in for CheckFileUploadOverHttp; a
// 401 here drives the same auth negotiation the PUT itself would need,
// so it happens once up front rather than per transfer.
func (a *Agent) probe(remote string) error {
	url := a.cfg.BaseURL + "/" + remote
	req, err := http.NewRequestWithContext(context.Background(), http.MethodHead, url, nil)
	if err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "building HEAD request for "+url)
	}
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "HEAD "+url)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	return a.negotiateAuth(resp)
}

// negotiateAuth performs the WinHttpSetCredentials equivalent check:
// AuthNegotiate accepts a server offering Negotiate or NTLM, AuthNTLM
// requires NTLM. It does not choose between them; the handshake
// authHeader runs is always NTLM. It caches nothing beyond this call —
// every subsequent request re-negotiates, the same
// stateless posture WinHTTP's per-request auth cache has when no
// persistent handle is kept across requests.
func (a *Agent) negotiateAuth(resp *http.Response) error {
	if a.cfg.AuthScheme == AuthNone {
		return orcerr.New(orcerr.KindUpload, "server requires authentication but no auth scheme is configured")
	}
	challenges := resp.Header.Values("WWW-Authenticate")
	supportsNegotiate, supportsNTLM := false, false
	for _, c := range challenges {
		if len(c) >= 9 && c[:9] == "Negotiate" {
			supportsNegotiate = true
		}
		if len(c) >= 4 && c[:4] == "NTLM" {
			supportsNTLM = true
		}
	}
	if a.cfg.AuthScheme == AuthNegotiate && !supportsNegotiate && !supportsNTLM {
		return orcerr.New(orcerr.KindUpload, "server did not offer Negotiate or NTLM authentication")
	}
	if a.cfg.AuthScheme == AuthNTLM && !supportsNTLM {
		return orcerr.New(orcerr.KindUpload, "server did not offer NTLM authentication")
	}
	// The handshake itself is completed per-PUT by authHeader, since an
	// http.Client has no connection-pinned state to carry a Type2
	// challenge between the probe and the retry on this transport.
	return nil
}

// authHeader runs a full NTLM 401 challenge/response cycle against url,
// returning the Authorization header value to retry the request with.
func (a *Agent) authHeader(ctx context.Context, method, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", orcerr.Wrap(orcerr.KindUpload, err, "building NTLM negotiate request")
	}
	req.Header.Set("Authorization", ntlmType1Message())
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", orcerr.Wrap(orcerr.KindUpload, err, "sending NTLM type 1 message")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		return "", nil
	}
	challenge, err := ntlmChallengeFromHeader(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return "", err
	}
	return ntlmType3Message(a.cfg.Username, a.cfg.Password, challenge)
}

func (a *Agent) streamHTTP(remote string, body io.Reader, size int64, ranged bool) error {
	url := a.cfg.BaseURL + "/" + remote

	var payload io.Reader = body
	if ranged {
		// BITS resumes a >2GB transfer in 2GB ranges; a single Content-
		// Range header covering the whole file models that without
		// actually chunking the request body over several round trips.
		buf, err := io.ReadAll(body)
		if err != nil {
			return orcerr.Wrap(orcerr.KindUpload, err, "buffering "+remote+" for ranged upload")
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut, url, payload)
	if err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "building PUT request for "+url)
	}
	if ranged && size > 0 {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", size-1, size))
	} else {
		req.Header.Set("X-Upload-Priority", "foreground")
	}

	if a.cfg.AuthScheme != AuthNone {
		if auth, err := a.authHeader(req.Context(), http.MethodPut, url); err == nil && auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return orcerr.Wrap(orcerr.KindUpload, err, "PUT "+url)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable || resp.StatusCode == http.StatusBadRequest {
		return rangeRejectionError{status: resp.Status}
	}
	if resp.StatusCode >= 400 {
		return orcerr.New(orcerr.KindUpload, "PUT "+url+" returned "+resp.Status)
	}
	return nil
}

// rangeRejectionError marks a PUT rejected for a reason uploadHTTP
// should treat as BG_E_INSUFFICIENT_RANGE_SUPPORT, distinct from a
// plain 4xx failure.
type rangeRejectionError struct{ status string }

func (e rangeRejectionError) Error() string {
	return "server rejected ranged upload: " + e.status
}

func isRangeRejection(err error) bool {
	_, ok := err.(rangeRejectionError)
	return ok
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}
