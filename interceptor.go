package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// CallInvoker performs an outbound call, including its retries, and returns the raw result.
type CallInvoker func(ctx context.Context, method string, params any) (json.RawMessage, error)

// CallInterceptor wraps every call made through Client.Call and the typed operations built
// on it. An interceptor may inspect or replace the method, params, result and error, and it
// may answer without calling invoker at all. The handshake and the periodic health
// checks are not intercepted.
type CallInterceptor func(ctx context.Context, method string, params any, invoker CallInvoker) (json.RawMessage, error)

// chainInterceptors returns an invoker that runs interceptors in order around invoker. The
// first interceptor is the outermost.
func chainInterceptors(interceptors []CallInterceptor, invoker CallInvoker) CallInvoker {
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, next := interceptors[i], invoker
		invoker = func(ctx context.Context, method string, params any) (json.RawMessage, error) {
			return ic(ctx, method, params, next)
		}
	}
	return invoker
}

// LoggingInterceptor logs every call with its method, duration and outcome. Failures are
// logged at warn level and successes at debug level.
func LoggingInterceptor(logger *slog.Logger) CallInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, method string, params any, invoker CallInvoker) (json.RawMessage, error) {
		start := time.Now()
		result, err := invoker(ctx, method, params)
		if err != nil {
			logger.Warn("call failed", "method", method, "duration", time.Since(start), "err", err)
			return result, err
		}
		logger.Debug("call succeeded", "method", method, "duration", time.Since(start), "bytes", len(result))
		return result, nil
	}
}
