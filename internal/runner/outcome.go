package runner

import (
	"sync"

	"github.com/unkn0wn-root/sockterm/internal/domain"
)

// Outcome accumulates the results of one batch in arrival order. It may be
// read while the batch is still running.
type Outcome struct {
	mu       sync.Mutex
	results  []domain.TestResult
	expected int
	done     chan struct{}
	once     sync.Once
}

func NewOutcome(expected int) *Outcome {
	return &Outcome{expected: expected, done: make(chan struct{})}
}

func (o *Outcome) add(res domain.TestResult) {
	o.mu.Lock()
	o.results = append(o.results, res)
	o.mu.Unlock()
}

func (o *Outcome) finish() {
	o.once.Do(func() { close(o.done) })
}

// Results returns a copy of what has landed so far.
func (o *Outcome) Results() []domain.TestResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.TestResult(nil), o.results...)
}

func (o *Outcome) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.results)
}

// Expected is the number of requests in the batch that carry a script.
func (o *Outcome) Expected() int {
	return o.expected
}

func (o *Outcome) Passed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range o.results {
		if r.IsSuccess {
			n++
		}
	}
	return n
}

func (o *Outcome) Failed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range o.results {
		if !r.IsSuccess {
			n++
		}
	}
	return n
}

func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the batch has finished and returns every result.
func (o *Outcome) Wait() []domain.TestResult {
	<-o.done
	return o.Results()
}
