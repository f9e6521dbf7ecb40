package httpapi

import (
	"context"
	"time"
)

// serverBaseCtx is canceled on shutdown so in-flight forwards stop too.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context derived from b that is also canceled when
// a is done. The returned cancel func must be called when the handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(b)
	stop := context.AfterFunc(a, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// forwardContext joins the request with the server lifetime and applies the
// configured request timeout.
func forwardContext(reqCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, reqCtx)
	if requestTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, requestTimeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

// installContext keeps request values but drops the client's cancellation:
// only server shutdown stops a long engine download.
func installContext(reqCtx context.Context) (context.Context, context.CancelFunc) {
	return joinContexts(serverBaseCtx, context.WithoutCancel(reqCtx))
}

// detached is used for bookkeeping that must finish after the client left.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
