package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "broadcastd/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a command handler. Chain applies them outermost first.
type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// logged records every command with its outcome and duration.
func logged(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			l := log.With(
				logx.String("cmd", req.Command),
				logx.Int64("chat_id", req.ChatID),
				logx.User(req.FromID),
				logx.Duration("took", time.Since(start)),
			)
			switch {
			case err == nil, errors.Is(err, errDenied):
				l.Debug("command handled", logx.Bool("denied", err != nil))
			default:
				l.Warn("command failed", logx.Err(err))
			}
			return err
		}
	}
}

// recovered turns a handler panic into an error.
func recovered(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					log.Error("command panicked", logx.String("cmd", req.Command), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("command %s panicked: %v", req.Command, p)
				}
			}()
			return next(ctx, req)
		}
	}
}

func deadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

var errDenied = errors.New("restricted to owners")

// restricted rejects senders that are not owners when access requires it.
func restricted(r *Router, access Access) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if access != AccessOwnerOnly {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			if !r.IsOwner(req.FromID) {
				_ = req.Reply(ctx, "This command is restricted.")
				return errDenied
			}
			return next(ctx, req)
		}
	}
}

// usage replies with the command's usage line when the handler returns
// errUsage.
func usage(line string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if errors.Is(err, errUsage) {
				return req.Reply(ctx, "Usage: "+line)
			}
			return err
		}
	}
}
