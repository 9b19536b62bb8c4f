package starlark

import (
	"go.starlark.net/starlark"
)

// maxSteps bounds the work of a single context expression.
const maxSteps = 100_000

// sharedPool serves evaluators created without a pool.
var sharedPool = NewThreadPool(32)

// ThreadPool keeps up to a fixed number of idle threads so concurrent
// compilations don't allocate one per context expression.
type ThreadPool struct {
	idle chan *starlark.Thread
}

// NewThreadPool creates a pool holding at most size idle threads.
func NewThreadPool(size int) *ThreadPool {
	if size <= 0 {
		size = 8
	}
	return &ThreadPool{idle: make(chan *starlark.Thread, size)}
}

// Get takes an idle thread or creates one, named for error messages.
func (p *ThreadPool) Get(name string) *starlark.Thread {
	select {
	case th := <-p.idle:
		th.Name = name
		return th
	default:
	}
	th := &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {}, // expressions must not print
	}
	th.SetMaxExecutionSteps(maxSteps)
	return th
}

// Put resets the step counter and keeps th unless the pool is full.
func (p *ThreadPool) Put(th *starlark.Thread) {
	th.Name = ""
	th.Steps = 0
	select {
	case p.idle <- th:
	default:
	}
}

// Size reports the number of idle threads.
func (p *ThreadPool) Size() int { return len(p.idle) }
