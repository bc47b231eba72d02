// Package archive implements the Archive Builder (spec.md §4.3): a
// single goroutine owns the archive writer exclusively and processes
// requests off a channel, publishing notifications on another — the
// same message-driven-agent shape original_source's ArchiveAgent.cpp
// uses (GetRequest()/SendResult() over Concurrency::agent message
// blocks), adapted to Go channels instead of the Concurrency Runtime.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/sasha-s/go-deadlock"

	"github.com/dfir-orc/collector/pkg/orcerr"
	"github.com/dfir-orc/collector/pkg/planconfig"
	"github.com/dfir-orc/collector/pkg/stream"
)

// defaultHashAlgs is the digest set every Open computes when Request
// doesn't name one explicitly, matching spec.md §8's SHA-256 round-trip
// scenario.
var defaultHashAlgs = []stream.HashAlgorithm{stream.HashSHA256}

func hashAlgName(alg stream.HashAlgorithm) string {
	switch alg {
	case stream.HashMD5:
		return "md5"
	case stream.HashSHA1:
		return "sha1"
	default:
		return "sha256"
	}
}

// Format selects the container backend: zip for the general-purpose
// compressed case, tar(.gz) for spec.md's bit-exact plain-collection
// mode.
type Format int

const (
	FormatZip Format = iota
	FormatTar
)

// RequestKind discriminates the Archive Builder's message protocol.
type RequestKind int

const (
	ReqOpen RequestKind = iota
	ReqAddFile
	ReqAddStream
	ReqAddDirectory
	ReqFlushQueue
	ReqComplete
	ReqCancel
)

// Request is one message sent to the agent's request channel.
type Request struct {
	Kind RequestKind

	// ReqOpen
	Format           Format
	CompressionLevel planconfig.CompressionLevel
	Password         string
	HashAlgs         []stream.HashAlgorithm // defaults to defaultHashAlgs when nil

	// ReqAddFile / ReqAddStream / ReqAddDirectory
	NameInArchive string
	SourcePath    string    // ReqOpen (archive path), ReqAddFile, ReqAddDirectory
	Source        io.Reader // ReqAddStream
	Pattern       string    // ReqAddDirectory filename pattern; empty means "*"

	// DeleteAfterFlush stages the source path for deletion once its
	// bytes are durably in the archive: FlushQueue attempts the staged
	// cleanups, Complete retries whatever failed, and every staged path
	// is also registered with the process-exit hook so an abnormal
	// termination still removes it.
	DeleteAfterFlush bool

	// Reply is closed (after Notification is set) once this request has
	// been fully processed, so a caller can await completion without
	// blocking the agent's own loop.
	Reply chan Notification
}

// NotificationKind mirrors original_source ArchiveNotification's event
// set closely enough to report the same lifecycle to pkg/outcome.
type NotificationKind int

const (
	NotifyArchiveStarted NotificationKind = iota
	NotifyFileAddition
	NotifyDirectoryAddition
	NotifyFlushQueue
	NotifyArchiveComplete
	NotifyFailure
)

// Notification is the agent's reply to a Request.
type Notification struct {
	Kind    NotificationKind
	Name    string
	Size    int64
	Digests map[string]string // alg name -> hex digest, set on NotifyFileAddition
	Err     error

	// Entries carries the per-file FileAddition (or per-file failure)
	// notifications an AddDirectory produced, in enumeration order,
	// ahead of the terminal DirectoryAddition this Notification is.
	Entries []Notification
}

// state is the Archive Builder's internal lifecycle, grounded on
// ArchiveAgent::run()'s switch-on-request-kind loop with m_compressor
// acting as the "already open" guard.
type state int

const (
	stateIdle state = iota
	stateOpen
	stateFlushing
	stateCompleted
	stateFailed
)

// pendingCleanup is the Go analogue of ArchiveAgent::OnComplete: an
// entry staged for deletion once the archive flushes or completes
// successfully. If the agent instead fails or is cancelled its own list
// is not run, but the path stays registered with the process-exit hook.
type pendingCleanup struct {
	path  string
	isDir bool
}

// Agent owns exactly one archive writer for its whole lifetime. Create
// one per ArchiveSpec and send it Requests from the scheduler; do not
// share one Agent across archives.
type Agent struct {
	requests chan Request

	mu      deadlock.Mutex
	st      state
	pending []pendingCleanup

	out      *os.File
	enc      *stream.EncryptStream
	zw       *zip.Writer
	tw       *tar.Writer
	gw       *gzip.Writer
	hashAlgs []stream.HashAlgorithm
}

// New creates an Agent and starts its processing goroutine. Close the
// returned channel's owner (send ReqComplete or ReqCancel) to stop it.
func New() *Agent {
	a := &Agent{requests: make(chan Request, 8), st: stateIdle}
	go a.run()
	return a
}

// Send enqueues req and blocks until the agent acknowledges it on
// req.Reply (if set).
func (a *Agent) Send(req Request) Notification {
	if req.Reply == nil {
		req.Reply = make(chan Notification, 1)
	}
	a.requests <- req
	return <-req.Reply
}

func (a *Agent) run() {
	for req := range a.requests {
		n := a.handle(req)
		req.Reply <- n
		close(req.Reply)
		if req.Kind == ReqComplete || req.Kind == ReqCancel {
			return
		}
	}
}

func (a *Agent) handle(req Request) Notification {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch req.Kind {
	case ReqOpen:
		return a.open(req)
	case ReqAddFile:
		return a.addFile(req)
	case ReqAddStream:
		return a.addStream(req)
	case ReqAddDirectory:
		return a.addDirectory(req)
	case ReqFlushQueue:
		return a.flush(req)
	case ReqComplete:
		return a.complete(req)
	case ReqCancel:
		return a.cancel(req)
	default:
		return Notification{Kind: NotifyFailure, Err: orcerr.New(orcerr.KindArchive, "unknown request kind")}
	}
}

func (a *Agent) open(req Request) Notification {
	if a.st != stateIdle {
		return fail(orcerr.New(orcerr.KindArchive, "archive already open"))
	}

	f, err := os.Create(req.SourcePath)
	if err != nil {
		a.st = stateFailed
		return fail(orcerr.Wrap(orcerr.KindArchive, err, "creating archive file "+req.SourcePath))
	}
	a.out = f

	a.hashAlgs = req.HashAlgs
	if a.hashAlgs == nil {
		a.hashAlgs = defaultHashAlgs
	}

	// A password wraps the whole container in PasswordEncryptedStream's
	// AES-CBC format, with the zip/tar writer's output as its plaintext:
	// a reader must undo EncryptStream before it can open the archive at
	// all, the same "container first, format second" layering
	// OpenEncryptedContainer gives a single on-disk archive.
	var target io.Writer = f
	if req.Password != "" {
		enc, err := stream.NewEncryptStream(stream.NewWriterStream(f), req.Password, true)
		if err != nil {
			a.st = stateFailed
			return fail(orcerr.Wrap(orcerr.KindArchive, err, "initialising archive encryption"))
		}
		a.enc = enc
		target = enc
	}

	switch req.Format {
	case FormatZip:
		a.zw = zip.NewWriter(target)
	case FormatTar:
		a.gw = gzip.NewWriter(target)
		a.tw = tar.NewWriter(a.gw)
	}

	a.st = stateOpen
	return Notification{Kind: NotifyArchiveStarted, Name: req.SourcePath}
}

func (a *Agent) addFile(req Request) Notification {
	if a.st != stateOpen {
		return fail(orcerr.New(orcerr.KindArchive, "archive not open"))
	}
	src, err := os.Open(req.SourcePath)
	if err != nil {
		return fail(orcerr.Wrap(orcerr.KindArchive, err, "opening "+req.SourcePath))
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fail(orcerr.Wrap(orcerr.KindArchive, err, "stat "+req.SourcePath))
	}

	n := a.writeEntry(req.NameInArchive, src, info.Size(), info.Mode())
	if n.Kind != NotifyFailure && req.DeleteAfterFlush {
		a.stagePending(req.SourcePath, false)
	}
	return n
}

func (a *Agent) addStream(req Request) Notification {
	if a.st != stateOpen {
		return fail(orcerr.New(orcerr.KindArchive, "archive not open"))
	}
	return a.writeEntry(req.NameInArchive, req.Source, -1, 0o600)
}

// addDirectory archives every non-directory file under SourcePath whose
// base name matches Pattern, in filesystem enumeration order, producing
// one FileAddition per match and a terminal DirectoryAddition carrying
// them. A single entry's failure is recorded on its own notification
// and does not abort the remaining matches.
func (a *Agent) addDirectory(req Request) Notification {
	if a.st != stateOpen {
		return fail(orcerr.New(orcerr.KindArchive, "archive not open"))
	}

	pattern := req.Pattern
	if pattern == "" {
		pattern = "*"
	}

	var entries []Notification
	err := filepath.Walk(req.SourcePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if ok, matchErr := filepath.Match(pattern, info.Name()); matchErr != nil || !ok {
			return matchErr
		}
		rel, err := filepath.Rel(req.SourcePath, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			entries = append(entries, fail(orcerr.Wrap(orcerr.KindArchive, err, "opening "+path)))
			return nil
		}
		defer f.Close()
		entries = append(entries, a.writeEntry(filepath.ToSlash(filepath.Join(req.NameInArchive, rel)), f, info.Size(), info.Mode()))
		return nil
	})
	if err != nil {
		return fail(orcerr.Wrap(orcerr.KindArchive, err, "walking "+req.SourcePath))
	}
	if req.DeleteAfterFlush {
		a.stagePending(req.SourcePath, true)
	}
	return Notification{Kind: NotifyDirectoryAddition, Name: req.NameInArchive, Entries: entries}
}

// writeEntry wraps every add with stream.HashStream exactly as spec.md
// §4.3 describes, publishing the resulting digests on the returned
// Notification rather than leaving them for a caller to recompute.
func (a *Agent) writeEntry(name string, r io.Reader, size int64, mode os.FileMode) Notification {
	algs := a.hashAlgs
	hashed := stream.NewHashStream(stream.NewReaderStream(r), algs...)

	var w io.Writer
	var err error
	var copySrc io.Reader = hashed

	if a.zw != nil {
		w, err = a.zw.Create(name)
	} else {
		hdr := &tar.Header{Name: name, Mode: int64(mode.Perm()), Size: size}
		if size < 0 {
			buf, readErr := io.ReadAll(hashed)
			if readErr != nil {
				return fail(orcerr.Wrap(orcerr.KindArchive, readErr, "buffering stream entry "+name))
			}
			hdr.Size = int64(len(buf))
			copySrc = &byteReader{buf}
		}
		if err = a.tw.WriteHeader(hdr); err == nil {
			w = a.tw
		}
	}
	if err != nil {
		return fail(orcerr.Wrap(orcerr.KindArchive, err, "creating entry "+name))
	}

	n, err := io.Copy(w, copySrc)
	if err != nil {
		return fail(orcerr.Wrap(orcerr.KindArchive, err, "writing entry "+name))
	}

	digests := make(map[string]string, len(algs))
	for _, alg := range algs {
		digests[hashAlgName(alg)] = hex.EncodeToString(hashed.Sum(alg))
	}
	return Notification{Kind: NotifyFileAddition, Name: name, Size: n, Digests: digests}
}

type byteReader struct{ b []byte }

func (b *byteReader) Read(p []byte) (int, error) {
	n := copy(p, b.b)
	b.b = b.b[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// flush implements spec.md's FlushQueue barrier at the archive level:
// every entry staged before this request has been durably written by
// the time it returns, since the agent is single-goroutine and
// processes requests strictly in send order. Pending delete-after-flush
// cleanups are attempted once the writer has flushed; whatever fails
// stays staged and is retried on Complete.
func (a *Agent) flush(req Request) Notification {
	if a.zw != nil {
		if err := a.zw.Flush(); err != nil {
			return fail(orcerr.Wrap(orcerr.KindArchive, err, "flushing archive"))
		}
	}
	if a.tw != nil {
		if err := a.tw.Flush(); err != nil {
			return fail(orcerr.Wrap(orcerr.KindArchive, err, "flushing archive"))
		}
	}
	a.runPendingCleanups()
	return Notification{Kind: NotifyFlushQueue}
}

// complete closes the writer and, on success, runs every pending
// cleanup (directory/file deletions staged by AddDirectory/AddFile
// callers that asked for delete-after-archive), the Go equivalent of
// ArchiveAgent::CompleteOnFlush. A failure mid-close leaves pending
// cleanups untouched, exactly as OnComplete's termination handler would
// still fire them on abnormal process exit.
func (a *Agent) complete(req Request) Notification {
	var closeErr error
	if a.zw != nil {
		closeErr = a.zw.Close()
	}
	if a.tw != nil {
		if err := a.tw.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		if err := a.gw.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if a.enc != nil {
		if err := a.enc.Finalize(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if a.out != nil {
		if err := a.out.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}

	if closeErr != nil {
		a.st = stateFailed
		return fail(orcerr.Wrap(orcerr.KindArchive, closeErr, "closing archive"))
	}

	a.runPendingCleanups()
	a.st = stateCompleted
	return Notification{Kind: NotifyArchiveComplete}
}

func (a *Agent) runPendingCleanups() {
	remaining := a.pending[:0]
	for _, p := range a.pending {
		var err error
		if p.isDir {
			err = os.RemoveAll(p.path)
		} else {
			err = os.Remove(p.path)
		}
		if err != nil && !os.IsNotExist(err) {
			remaining = append(remaining, p)
			continue
		}
		unregisterExitCleanup(p.path)
	}
	a.pending = remaining
}

// cancel aborts the archive without running pending cleanups, so a
// cancelled collection does not delete the sources it failed to fully
// archive here. Staged paths stay registered with the process-exit
// hook, so RunExitCleanups still removes them.
func (a *Agent) cancel(req Request) Notification {
	if a.zw != nil {
		a.zw.Close()
	}
	if a.tw != nil {
		a.tw.Close()
	}
	if a.gw != nil {
		a.gw.Close()
	}
	if a.out != nil {
		a.out.Close()
	}
	a.st = stateFailed
	return Notification{Kind: NotifyFailure, Err: orcerr.New(orcerr.KindCancelled, "archive cancelled")}
}

// StageCleanup records path for deletion once the archive flushes or
// completes, and registers it with the process-exit hook.
func (a *Agent) StageCleanup(path string, isDir bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stagePending(path, isDir)
}

// stagePending is StageCleanup's lock-free core, for callers already
// holding a.mu (the request handlers).
func (a *Agent) stagePending(path string, isDir bool) {
	a.pending = append(a.pending, pendingCleanup{path: path, isDir: isDir})
	registerExitCleanup(path, isDir)
}

// Go has no atexit, so the "process-exit hook" each pending cleanup
// registers is a package-level registry the top-level driver drains on
// fatal signal or before os.Exit — the survive-abnormal-termination
// half of the pending-cleanup contract, the rest of which lives on each
// Agent's own pending list.
var (
	exitHookMu deadlock.Mutex
	exitHooks  = map[string]bool{} // path -> isDir
)

func registerExitCleanup(path string, isDir bool) {
	exitHookMu.Lock()
	defer exitHookMu.Unlock()
	exitHooks[path] = isDir
}

func unregisterExitCleanup(path string) {
	exitHookMu.Lock()
	defer exitHookMu.Unlock()
	delete(exitHooks, path)
}

// RunExitCleanups removes every staged path whose normal cleanup has
// not yet run. Idempotent; safe to call on both the clean and the
// fatal-signal exit path.
func RunExitCleanups() {
	exitHookMu.Lock()
	defer exitHookMu.Unlock()
	for path, isDir := range exitHooks {
		if isDir {
			os.RemoveAll(path)
		} else {
			os.Remove(path)
		}
		delete(exitHooks, path)
	}
}

func fail(err error) Notification {
	return Notification{Kind: NotifyFailure, Err: err}
}
