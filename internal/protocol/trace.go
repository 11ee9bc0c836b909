package protocol

import "errors"

var ErrEmptyTrace = errors.New("trace is empty")

// Trace is the stack of node ids an activation passed through on its forward path.
// Push and Pop never modify the receiver, so in-flight messages never share backing arrays.
type Trace []string

func NewTrace(origin string) Trace {
	return Trace{origin}
}

func (t Trace) Push(id string) Trace {
	out := make(Trace, len(t)+1)
	copy(out, t)
	out[len(t)] = id
	return out
}

// Pop returns the top id (the next return hop) and the remaining trace.
func (t Trace) Pop() (string, Trace, error) {
	if len(t) == 0 {
		return "", nil, ErrEmptyTrace
	}
	rest := make(Trace, len(t)-1)
	copy(rest, t[:len(t)-1])
	return t[len(t)-1], rest, nil
}

// Origin is the entry node that produced the activation.
func (t Trace) Origin() (string, error) {
	if len(t) == 0 {
		return "", ErrEmptyTrace
	}
	return t[0], nil
}
