// Package process launches and supervises external download processes, turning their output into events.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alanbriolat/dlqueue/internal/progress"
	"github.com/alanbriolat/dlqueue/internal/sync_"
)

var (
	ErrNotRunning = errors.New("process not running")
	ErrNotOwned   = errors.New("process belongs to someone else")
)

// DefaultKillGrace is how long a terminated process gets before it is killed forcefully.
const DefaultKillGrace = 10 * time.Second

// OwnerEnv is set in the environment of every launched process, naming the owner it was launched for.
const OwnerEnv = "DLQUEUE_OWNER"

type EventKind int

const (
	EventInfo EventKind = iota
	EventProgress
	EventFinalPath
	EventPlaylistItem
	EventPlaylistFinished
	EventStderr
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventFinalPath:
		return "final-path"
	case EventPlaylistItem:
		return "playlist-item"
	case EventPlaylistFinished:
		return "playlist-finished"
	case EventStderr:
		return "stderr"
	case EventExit:
		return "exit"
	default:
		return "info"
	}
}

// Event is one thing that happened to a supervised process. Events for a process are delivered in the order its
// output was produced, and EventExit is always the last.
type Event struct {
	Owner string
	PID   int
	Kind  EventKind
	Line  string

	Progress progress.Progress // EventProgress
	Path     string            // EventFinalPath
	Ext      string            // EventFinalPath
	Item     string            // EventPlaylistItem, e.g. "3/10"
	ExitCode int               // EventExit
	Err      error             // EventExit, if waiting on the process failed other than by exit code
}

// Killer terminates a process together with any processes it started. With force unset it asks politely.
type Killer interface {
	KillTree(pid int, force bool) error
}

type Option func(s *Supervisor)

func WithKiller(k Killer) Option {
	return func(s *Supervisor) { s.killer = k }
}

// WithKillGrace sets how long a terminated process gets before it is killed forcefully.
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.killGrace = d }
}

// WithOutputLogging controls the log level of the tool's informational and progress lines.
func WithOutputLogging(verbose bool, progress bool) Option {
	return func(s *Supervisor) {
		s.logVerbose = verbose
		s.logProgress = progress
	}
}

type proc struct {
	owner       string
	cmd         *exec.Cmd
	exited      sync_.Event
	terminating bool
}

type Supervisor struct {
	binary      string
	killer      Killer
	killGrace   time.Duration
	logVerbose  bool
	logProgress bool
	log         *zap.SugaredLogger

	procs   *sync_.Mutexed[map[int]*proc]
	running sync.WaitGroup
}

func New(binary string, opts ...Option) *Supervisor {
	s := &Supervisor{
		binary:     binary,
		killer:     DefaultKiller(),
		killGrace:  DefaultKillGrace,
		logVerbose: true,
		log:        zap.S().Named("supervisor"),
		procs:      sync_.NewMutexed(make(map[int]*proc)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Launch starts the tool with args and returns its pid without waiting for it. Every event for the process,
// including its exit, is passed to sink from a background goroutine; sink must be safe for concurrent use.
func (s *Supervisor) Launch(owner string, args []string, sink func(Event)) (int, error) {
	cmd := exec.Command(s.binary, args...)
	cmd.Env = append(os.Environ(), OwnerEnv+"="+owner)
	setProcAttr(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("setup stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", s.binary, err)
	}

	pid := cmd.Process.Pid
	p := &proc{owner: owner, cmd: cmd}
	_ = s.procs.Locked(func(procs *map[int]*proc) error {
		(*procs)[pid] = p
		return nil
	})
	log := s.log.With("download_id", owner, "pid", pid)
	log.Infow("process started", "binary", s.binary)

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		var g errgroup.Group
		g.Go(func() error {
			return scanLines(stdout, func(line string) { sink(s.classify(log, owner, pid, line)) })
		})
		g.Go(func() error {
			return scanLines(stderr, func(line string) {
				log.Warnw("stderr", "line", line)
				sink(Event{Owner: owner, PID: pid, Kind: EventStderr, Line: line})
			})
		})
		if err := g.Wait(); err != nil {
			log.Warnw("failed reading process output", "error", err)
		}

		exit := Event{Owner: owner, PID: pid, Kind: EventExit}
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exit.ExitCode = exitErr.ExitCode()
			} else {
				exit.ExitCode = -1
				exit.Err = err
			}
		}
		p.exited.Set()
		_ = s.procs.Locked(func(procs *map[int]*proc) error {
			delete(*procs, pid)
			return nil
		})
		log.Infow("process exited", "code", exit.ExitCode)
		sink(exit)
	}()

	return pid, nil
}

func (s *Supervisor) classify(log *zap.SugaredLogger, owner string, pid int, line string) Event {
	e := Event{Owner: owner, PID: pid, Kind: EventInfo, Line: line}
	switch progress.Classify(line) {
	case progress.LineProgress:
		p, err := progress.ParseLine(line)
		if err != nil {
			log.Debugw("unparseable progress line", "line", line, "error", err)
			return e
		}
		if s.logProgress {
			log.Debugw("progress", "line", line)
		}
		e.Kind, e.Progress = EventProgress, p
		return e
	case progress.LineFinalPath:
		if path, ext, ok := progress.ParseFinalPath(line); ok {
			e.Kind, e.Path, e.Ext = EventFinalPath, path, ext
		}
	case progress.LinePlaylistItem:
		if item, ok := progress.ParsePlaylistItem(line); ok {
			e.Kind, e.Item = EventPlaylistItem, item
		}
	case progress.LinePlaylistFinished:
		e.Kind = EventPlaylistFinished
	}
	if strings.TrimSpace(line) == "" {
		return e
	}
	if s.logVerbose {
		log.Info(line)
	} else {
		log.Debug(line)
	}
	return e
}

// Terminate kills the process tree for pid. It is a no-op for processes that have already exited, were never
// started by this Supervisor, or are already being terminated.
func (s *Supervisor) Terminate(pid int) error {
	var p *proc
	_ = s.procs.Locked(func(procs *map[int]*proc) error {
		p = (*procs)[pid]
		if p == nil || p.terminating || p.exited.IsSet() {
			p = nil
		} else {
			p.terminating = true
		}
		return nil
	})
	if p == nil {
		return nil
	}
	log := s.log.With("download_id", p.owner, "pid", pid)
	log.Info("terminating process tree")
	if err := s.killer.KillTree(pid, false); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return nil
		}
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	go func() {
		select {
		case <-p.exited.Wait():
		case <-time.After(s.killGrace):
			log.Warnw("process ignored termination, killing", "grace", s.killGrace)
			if err := s.killer.KillTree(pid, true); err != nil && !errors.Is(err, ErrNotRunning) {
				log.Errorw("failed to kill process tree", "error", err)
			}
		}
	}()
	return nil
}

// Running returns true while the process for pid has not exited.
func (s *Supervisor) Running(pid int) bool {
	running := false
	_ = s.procs.Locked(func(procs *map[int]*proc) error {
		p, ok := (*procs)[pid]
		running = ok && !p.exited.IsSet()
		return nil
	})
	return running
}

// Wait blocks until every launched process has exited and its events have been delivered.
func (s *Supervisor) Wait() {
	s.running.Wait()
}

func scanLines(r io.Reader, f func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		f(scanner.Text())
	}
	return scanner.Err()
}

// splitByNewlineOrCR treats a bare \r as a line end too, since downloaders redraw progress in place with it.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
