package transcript

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/praveenreddy854/web-rtc-demo/internal/listener"
)

var errStreamClosed = errors.New("recognition stream closed")

// resultStream is the listener.Stream shared by the engines. Producers
// call emit; the first fail or stop ends the stream.
type resultStream struct {
	results chan listener.Result
	quit    chan struct{}
	done    chan struct{}

	quitOnce sync.Once
	onStop   []func()
	local    atomic.Bool
	wg       sync.WaitGroup

	resMu     sync.Mutex
	resClosed bool

	errMu sync.Mutex
	err   error
}

func newResultStream() *resultStream {
	return &resultStream{
		results: make(chan listener.Result, 32),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// run starts the goroutine that closes Results once every tracked
// producer has returned. Producers must be added to wg before run.
func (s *resultStream) run() {
	go func() {
		s.wg.Wait()
		<-s.quit
		s.resMu.Lock()
		s.resClosed = true
		close(s.results)
		s.resMu.Unlock()
		close(s.done)
	}()
}

func (s *resultStream) emit(r listener.Result) bool {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.resClosed {
		return false
	}
	select {
	case s.results <- r:
		return true
	case <-s.quit:
		return false
	}
}

// fail records err as the terminal error unless the stream was closed
// locally, then stops the stream.
func (s *resultStream) fail(err error) {
	if err != nil && !s.local.Load() {
		s.errMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.errMu.Unlock()
	}
	s.stop()
}

func (s *resultStream) stop() {
	first := false
	s.quitOnce.Do(func() {
		close(s.quit)
		first = true
	})
	// Hooks run outside the Once since they may call back into fail.
	if first {
		for _, f := range s.onStop {
			f()
		}
	}
}

func (s *resultStream) Results() <-chan listener.Result { return s.results }

func (s *resultStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *resultStream) Close() error {
	s.local.Store(true)
	s.stop()
	<-s.done
	return nil
}
