package transport

import (
	"context"
	"io"
	"sync"

	"github.com/aretw0/mindcache/pkg/core"
)

const pipeBuffer = 256

type pipeConn struct {
	name string
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory ends. Closing either end closes both;
// frames already written stay readable until drained.
func Pipe() (Conn, Conn) {
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{name: "pipe:a", in: a, out: b, done: done, once: once},
		&pipeConn{name: "pipe:b", in: b, out: a, done: done, once: once}
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		select {
		case data := <-p.in:
			return data, nil
		default:
		}
		return nil, &core.TransportError{Op: "read", Err: io.ErrClosedPipe}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return &core.TransportError{Op: "write", Err: io.ErrClosedPipe}
	default:
	}
	buf := append([]byte(nil), data...)
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return &core.TransportError{Op: "write", Err: io.ErrClosedPipe}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeConn) RemoteAddr() string { return p.name }
