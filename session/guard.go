package session

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// GuardSignals are the signals that trigger cleanup.
var GuardSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// GuardOptions overrides the process hooks of a Guard. Tests use them.
type GuardOptions struct {
	// Signals replaces signal.Notify as the source of signals.
	Signals <-chan os.Signal

	// Exit replaces os.Exit.
	Exit func(code int)
}

// Guard tears the session down when the process is interrupted, then exits
// with status 128+signal. It never hands control back to the interrupted
// flow. An interrupt during the interactive session kills the chroot too.
type Guard struct {
	session *Session
	cancel  context.CancelFunc
	exit    func(int)
	logger  logrus.FieldLogger

	signals <-chan os.Signal
	notify  chan os.Signal
	stop    chan struct{}
	fired   chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Guard arms the cleanup guard. cancel is called first, so commands started
// by an in-flight Setup are killed and Setup gives up the session lock.
func (s *Session) Guard(cancel context.CancelFunc, opts GuardOptions) *Guard {
	g := &Guard{
		session: s,
		cancel:  cancel,
		exit:    opts.Exit,
		logger:  s.logger.WithField("component", "guard"),
		signals: opts.Signals,
		stop:    make(chan struct{}),
		fired:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	if g.exit == nil {
		g.exit = os.Exit
	}
	if g.signals == nil {
		g.notify = make(chan os.Signal, 1)
		signal.Notify(g.notify, GuardSignals...)
		g.signals = g.notify
	}
	go g.watch()
	return g
}

func (g *Guard) watch() {
	defer close(g.done)
	for {
		select {
		case sig := <-g.signals:
			g.fire(sig)
			return
		case <-g.stop:
			return
		}
	}
}

func (g *Guard) fire(sig os.Signal) {
	close(g.fired)
	g.logger.WithFields(logrus.Fields{
		"signal":      sig.String(),
		"interactive": g.session.interactive.Load(),
	}).Warn("interrupted, cleaning up")
	if g.cancel != nil {
		g.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := g.session.Teardown(ctx); err != nil {
		g.logger.WithError(err).Warn("cleanup after interrupt was incomplete")
	}

	code := 1
	if s, ok := sig.(syscall.Signal); ok {
		code = 128 + int(s)
	}
	g.exit(code)
}

// Stop disarms the guard. It is safe to call more than once. Stop does not
// wait for a cleanup that is already running.
func (g *Guard) Stop() {
	g.once.Do(func() {
		close(g.stop)
		if g.notify != nil {
			signal.Stop(g.notify)
		}
	})
}

// Fired is closed when a signal has started the cleanup.
func (g *Guard) Fired() <-chan struct{} {
	return g.fired
}

// Done is closed once the guard has either been stopped or finished its
// cleanup.
func (g *Guard) Done() <-chan struct{} {
	return g.done
}
