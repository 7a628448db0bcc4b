package detsim

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidDeadline = fmt.Errorf("error: timer deadline is in the past")

var ErrNodeNotFound = fmt.Errorf("error: no such node")

var ErrStaleGeneration = fmt.Errorf("error: node handle is from an earlier generation")

var ErrNodeKilled = fmt.Errorf("error: node is killed")

var ErrAddrInUse = fmt.Errorf("error: address already in use by a live node")

var ErrMainNode = fmt.Errorf("error: operation not allowed on the main node")

var ErrDeadlock = fmt.Errorf("error: deadlock: no task runnable and no pending event")

var ErrTaskFailed = fmt.Errorf("error: task failed")

var ErrTaskCancelled = fmt.Errorf("error: task cancelled")

var ErrTimeout = fmt.Errorf("error: timeout")

var ErrTimeLimit = fmt.Errorf("error: virtual time limit exceeded")

var ErrRuntimeClosed = fmt.Errorf("error: runtime is closed")

// TaskFailedError reports a task that panicked.
// errors.Is(err, ErrTaskFailed) is true for it.
type TaskFailedError struct {
	Task  TaskID
	Node  Addr
	At    VirtualTime
	Value any
	Stack string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("error: task %v on node '%v' failed at %v: %v", e.Task, e.Node, e.At, e.Value)
}

func (e *TaskFailedError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return errors.Join(ErrTaskFailed, err)
	}
	return ErrTaskFailed
}

// DeadlockError lists every task still suspended when
// the run got stuck. errors.Is(err, ErrDeadlock) is true.
type DeadlockError struct {
	At        VirtualTime
	Suspended []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%v (at %v; %v suspended: [%v])", ErrDeadlock.Error(), e.At,
		len(e.Suspended), strings.Join(e.Suspended, "; "))
}

func (e *DeadlockError) Unwrap() error {
	return ErrDeadlock
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
