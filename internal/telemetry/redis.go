package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// slowCommand is the duration above which a redis command is logged as slow.
const slowCommand = 100 * time.Millisecond

// MonitorRedis instruments r with tracing, metrics and command logging. name identifies the client in logs.
func MonitorRedis(r redis.UniversalClient, name string) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{name: name})
	return nil
}

type redisLog struct {
	name string
}

func (l redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.ErrorContext(ctx, "redis: dial failed", "client", l.name, "addr", addr, "error", err)
			return nil, err
		}
		slog.DebugContext(ctx, "redis: dialed", "client", l.name, "network", network, "addr", addr)
		return conn, nil
	}
}

func (l redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		l.log(ctx, cmd.Name(), time.Since(start), err)
		return err
	}
}

func (l redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		l.log(ctx, fmt.Sprintf("pipeline(%d)", len(cmds)), time.Since(start), err)
		return err
	}
}

func (l redisLog) log(ctx context.Context, cmd string, took time.Duration, err error) {
	switch {
	case err != nil && !errors.Is(err, redis.Nil):
		slog.WarnContext(ctx, "redis: command failed", "client", l.name, "cmd", cmd, "took", took, "error", err)
	case took > slowCommand:
		slog.WarnContext(ctx, "redis: slow command", "client", l.name, "cmd", cmd, "took", took)
	default:
		slog.DebugContext(ctx, "redis: command", "client", l.name, "cmd", cmd, "took", took)
	}
}
