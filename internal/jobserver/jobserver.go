// Package jobserver implements the GNU Make-compatible POSIX jobserver
// protocol over a named FIFO. It coordinates subprocess concurrency
// across cooperating dfm invocations (and any GNU Make sub-builds they
// launch) the same way GNU Make's own `--jobserver-auth` mechanism does.
// A single background goroutine reads the FIFO and hands tokens to a
// queue of waiters.
package jobserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dfateng/dfm/internal/dfmerr"
)

const tokenByte = 'T'

var authRe = regexp.MustCompile(`--jobserver-auth=fifo:(\S+)`)

// JobServer is a pool of subprocess-spawning tokens, backed by a named
// FIFO. The zero value is not usable; construct with New or FromEnvironment.
type JobServer struct {
	nproc    int
	fifoPath string
	fifoFd   int
	isOwner  bool
	log      *slog.Logger

	mu       sync.Mutex
	held     int
	closed   bool
	waiters  []chan struct{}
	stopRead chan struct{}
	readDone chan struct{}

	sigCh chan os.Signal
}

// Options configures jobserver construction beyond the token count.
type Options struct {
	// FifoPath overrides the auto-generated FIFO path (mainly for tests).
	FifoPath string
	Logger   *slog.Logger
}

// New creates a jobserver with nproc tokens, owning (and on Close,
// removing) its FIFO. Unlike GNU Make's N-1 convention, dfm writes N
// tokens: dfm holds no implicit slot of its own.
func New(nproc int, opts Options) (*JobServer, error) {
	if nproc < 1 {
		return nil, dfmerr.New(dfmerr.KindSchema, "jobserver: nproc must be >= 1, got %d", nproc)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	path := opts.FifoPath
	if path == "" {
		path = generateFifoPath()
	}

	if err := syscall.Mkfifo(path, 0o600); err != nil && !os.IsExist(err) {
		return nil, dfmerr.Wrap(dfmerr.KindIOError, err, "jobserver: mkfifo %q", path)
	}

	fd, err := openFifoRDWRNonblock(path)
	if err != nil {
		os.Remove(path)
		return nil, dfmerr.Wrap(dfmerr.KindIOError, err, "jobserver: open fifo %q", path)
	}

	js := &JobServer{
		nproc:    nproc,
		fifoPath: path,
		fifoFd:   fd,
		isOwner:  true,
		log:      log,
		stopRead: make(chan struct{}),
		readDone: make(chan struct{}),
	}

	tokens := make([]byte, nproc)
	for i := range tokens {
		tokens[i] = tokenByte
	}
	n, err := syscall.Write(fd, tokens)
	if err != nil {
		js.closeFd()
		os.Remove(path)
		return nil, dfmerr.Wrap(dfmerr.KindIOError, err, "jobserver: writing %d tokens", nproc)
	}
	if n != nproc {
		log.Warn("jobserver: short token write", "wrote", n, "want", nproc)
	}

	js.startReader()
	js.setupSignalHandlers()
	log.Info("jobserver created", "nproc", nproc, "fifo", path)
	return js, nil
}

// FromEnvironment parses MAKEFLAGS for --jobserver-auth=fifo:<path> and
// joins the pool as a non-owner. Returns (nil, nil) if no jobserver is
// advertised: the caller proceeds unthrottled.
func FromEnvironment(opts Options) (*JobServer, error) {
	makeflags := os.Getenv("MAKEFLAGS")
	if makeflags == "" {
		return nil, nil
	}
	m := authRe.FindStringSubmatch(makeflags)
	if m == nil {
		return nil, nil
	}
	path := m[1]
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	fd, err := openFifoRDWRNonblock(path)
	if err != nil {
		return nil, nil
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	js := &JobServer{
		nproc:    -1,
		fifoPath: path,
		fifoFd:   fd,
		isOwner:  false,
		log:      log,
		stopRead: make(chan struct{}),
		readDone: make(chan struct{}),
	}
	js.startReader()
	log.Info("jobserver joined", "fifo", path)
	return js, nil
}

// MakeflagsEnv returns the MAKEFLAGS value to export to subprocesses,
// e.g. "--jobserver-auth=fifo:/tmp/dfm-jobserver-1234-abcd1234.fifo".
func (j *JobServer) MakeflagsEnv() string {
	return fmt.Sprintf("--jobserver-auth=fifo:%s", j.fifoPath)
}

// Acquire blocks until a token is available or ctx is cancelled/timed
// out. Each call enqueues a waiter; a single background
// reader distributes tokens as they arrive on the FIFO.
func (j *JobServer) Acquire(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return dfmerr.New(dfmerr.KindIOError, "jobserver: closed")
	}
	ch := make(chan struct{}, 1)
	j.waiters = append(j.waiters, ch)
	j.mu.Unlock()

	select {
	case <-ch:
		j.mu.Lock()
		j.held++
		j.mu.Unlock()
		j.log.Debug("jobserver: acquired token", "held", j.held)
		return nil
	case <-ctx.Done():
		j.removeWaiter(ch)
		// The reader may have handed this waiter a token in the same
		// instant the context fired; return it so the pool stays whole.
		select {
		case <-ch:
			if _, err := syscall.Write(j.fifoFd, []byte{tokenByte}); err != nil {
				j.log.Warn("jobserver: returning raced token failed", "error", err)
			}
		default:
		}
		return dfmerr.Wrap(dfmerr.KindTimeout, ctx.Err(), "jobserver: acquire")
	}
}

// AcquireTimeout is Acquire with a fixed timeout, defaulting to 60s.
func (j *JobServer) AcquireTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return j.Acquire(ctx)
}

func (j *JobServer) removeWaiter(target chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, w := range j.waiters {
		if w == target {
			j.waiters = append(j.waiters[:i], j.waiters[i+1:]...)
			return
		}
	}
}

// Release returns a token to the pool. Always honored, even after Close
// has begun, to avoid deadlocking peer processes still holding tokens.
func (j *JobServer) Release() {
	j.mu.Lock()
	if j.held <= 0 {
		j.mu.Unlock()
		j.log.Warn("jobserver: release with none held")
		return
	}
	j.held--
	j.mu.Unlock()

	if _, err := syscall.Write(j.fifoFd, []byte{tokenByte}); err != nil {
		j.log.Error("jobserver: release write failed", "error", err)
		return
	}
	j.log.Debug("jobserver: released token")
}

// startReader launches the single background goroutine that reads one
// token byte at a time from the FIFO and hands it to the oldest waiter, or
// writes it back if nobody is waiting.
func (j *JobServer) startReader() {
	go func() {
		defer close(j.readDone)
		buf := make([]byte, 1)
		for {
			select {
			case <-j.stopRead:
				return
			default:
			}
			// Only pull a token off the FIFO when somebody is waiting for
			// it; draining tokens speculatively would starve peer
			// processes sharing the pool.
			j.mu.Lock()
			waiting := len(j.waiters) > 0
			j.mu.Unlock()
			if !waiting {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			n, err := syscall.Read(j.fifoFd, buf)
			if err != nil {
				if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
					time.Sleep(2 * time.Millisecond)
					continue
				}
				j.mu.Lock()
				closed := j.closed
				j.mu.Unlock()
				if !closed {
					j.log.Error("jobserver: read error", "error", err)
				}
				return
			}
			if n != 1 {
				continue
			}

			j.mu.Lock()
			if len(j.waiters) == 0 {
				j.mu.Unlock()
				// No one waiting (can happen during shutdown races):
				// write the token back rather than drop it.
				if _, err := syscall.Write(j.fifoFd, buf); err != nil {
					j.log.Debug("jobserver: defensive token write-back failed", "error", err)
				}
				continue
			}
			w := j.waiters[0]
			j.waiters = j.waiters[1:]
			j.mu.Unlock()
			w <- struct{}{}
		}
	}()
}

// Close returns every held token to the FIFO, stops the reader, closes the
// fd, and, if this JobServer owns the FIFO, unlinks it.
func (j *JobServer) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	held := j.held
	j.held = 0
	j.mu.Unlock()

	close(j.stopRead)
	<-j.readDone

	if held > 0 {
		tokens := make([]byte, held)
		for i := range tokens {
			tokens[i] = tokenByte
		}
		if _, err := syscall.Write(j.fifoFd, tokens); err != nil {
			j.log.Warn("jobserver: failed to return held tokens on close", "error", err)
		}
	}

	j.closeFd()

	if j.sigCh != nil {
		signal.Stop(j.sigCh)
	}

	if j.isOwner {
		if err := os.Remove(j.fifoPath); err != nil && !os.IsNotExist(err) {
			j.log.Warn("jobserver: failed to remove fifo", "path", j.fifoPath, "error", err)
		}
	}
	j.log.Debug("jobserver closed", "owner", j.isOwner)
	return nil
}

func (j *JobServer) closeFd() {
	syscall.Close(j.fifoFd)
}

// setupSignalHandlers registers SIGTERM/SIGINT so the FIFO is cleaned up
// even on an interrupted build; callers that want guaranteed cleanup on
// normal exit should still `defer js.Close()`.
func (j *JobServer) setupSignalHandlers() {
	j.sigCh = make(chan os.Signal, 1)
	signal.Notify(j.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		if _, ok := <-j.sigCh; ok {
			j.Close()
		}
	}()
}

func generateFifoPath() string {
	tmpdir := os.Getenv("TMPDIR")
	if tmpdir == "" {
		tmpdir = os.TempDir()
	}
	suffix := uuid.New().String()[:8]
	return filepath.Join(tmpdir, fmt.Sprintf("dfm-jobserver-%d-%s.fifo", os.Getpid(), suffix))
}

func openFifoRDWRNonblock(path string) (int, error) {
	return syscall.Open(path, syscall.O_RDWR|syscall.O_NONBLOCK, 0)
}
