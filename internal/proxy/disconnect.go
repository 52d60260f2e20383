package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// watchHorizon is the read deadline armed while the watcher runs. A handler
// outliving it simply stops being watched.
const watchHorizon = time.Hour

// watchDisconnect calls cancel when the inbound connection is closed while
// the handler is still waiting on the upstream. The request body has been
// read in full by then, so the connection is otherwise idle; a read that
// ends in anything but our own deadline means the client hung up.
//
// The returned stop must be called before the handler returns. Bytes the
// client sends in the meantime (a pipelined request) are consumed by the
// watcher, so the connection is closed after the response.
func watchDisconnect(ctx *fasthttp.RequestCtx, cancel context.CancelFunc) (stop func()) {
	conn := ctx.Conn()
	if conn == nil {
		return func() {}
	}
	if err := conn.SetReadDeadline(time.Now().Add(watchHorizon)); err != nil {
		return func() {}
	}

	var (
		wg       sync.WaitGroup
		consumed bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var buf [1]byte
		n, err := conn.Read(buf[:])
		switch {
		case n > 0:
			consumed = true
		case isTimeout(err):
		case err != nil:
			cancel()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			// A deadline in the near future rather than the past: some
			// conns only wake a blocked Read through their armed timer.
			_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
			wg.Wait()
			_ = conn.SetReadDeadline(time.Time{})
			if consumed {
				ctx.SetConnectionClose()
			}
		})
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
