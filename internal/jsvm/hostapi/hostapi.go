// Package hostapi provides the natives injected into every script: console
// style output, input, the virtual filesystem, key-value storage, logging and
// the host.
package hostapi

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"consolevm/internal/bridge"
	"consolevm/internal/program"
	"consolevm/internal/vmerr"
)

// Config holds configuration for Host APIs.
type Config struct {
	// MaxWriteSize is the maximum file write size in bytes.
	MaxWriteSize int64
}

// DefaultConfig returns default Host API configuration.
func DefaultConfig() Config {
	return Config{
		MaxWriteSize: 1 << 20, // 1MiB
	}
}

// Governor is the part of the script governor that blocking natives use.
type Governor interface {
	Update()
	Suspend() (resume func())
	Done() <-chan struct{}
	Signal() *vmerr.InterruptSignal
}

// KVStore is the persistent key-value store behind the kv pool.
type KVStore interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, value string, ttl time.Duration) error
	KVDelete(ctx context.Context, key string) error
	KVList(ctx context.Context, prefix string) (map[string]string, error)
}

// Context holds the execution context for Host APIs.
type Context struct {
	Proc     *program.Instance
	Governor Governor
	KV       KVStore
	// KVPrefix namespaces the keys of one computer.
	KVPrefix string
	Logger   zerolog.Logger
	Config   Config
}

// Provider registers every Host API for one running script.
func Provider(hctx *Context) bridge.Provider {
	if hctx.Governor == nil {
		hctx.Governor = nopGovernor{}
	}
	if hctx.Config.MaxWriteSize <= 0 {
		hctx.Config.MaxWriteSize = DefaultConfig().MaxWriteSize
	}
	return bridge.ProviderFunc(func(r *bridge.Registry) error {
		for _, register := range []func(*bridge.Registry, *Context) error{
			registerIO,
			registerFS,
			registerKV,
			registerLog,
			registerHost,
		} {
			if err := register(r, hctx); err != nil {
				return err
			}
		}
		return nil
	})
}

type nopGovernor struct{}

func (nopGovernor) Update()                        {}
func (nopGovernor) Suspend() func()                { return func() {} }
func (nopGovernor) Done() <-chan struct{}          { return nil }
func (nopGovernor) Signal() *vmerr.InterruptSignal { return nil }

// interrupted is the signal a native returns when its wait was cut short.
func (h *Context) interrupted() error {
	if sig := h.Governor.Signal(); sig != nil {
		return sig
	}
	return &vmerr.InterruptSignal{Reason: vmerr.ReasonTerminated}
}

// waitContext ends with the instance or when the governor triggers.
func (h *Context) waitContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(h.Proc.Context())
	go func() {
		select {
		case <-h.Governor.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// write sends s to the program's output.
func (h *Context) write(s string) error {
	if _, err := io.WriteString(h.Proc, s); err != nil {
		return h.interrupted()
	}
	return nil
}

// registerAll registers fns into pool in order.
func registerAll(pool *bridge.Pool, fns []named) error {
	for _, f := range fns {
		if err := pool.Register(f.name, f.fn); err != nil {
			return err
		}
	}
	return nil
}

type named struct {
	name string
	fn   bridge.NativeFunc
}

// formatArgs joins arguments with spaces like console.log.
func formatArgs(args *bridge.Args) string {
	parts := make([]string, args.Len())
	for i := range parts {
		parts[i] = formatValue(args.At(i))
	}
	return strings.Join(parts, " ")
}

// formatValue converts a goja.Value to a string representation.
func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if _, ok := goja.AssertFunction(v); ok {
		return "function"
	}

	switch val := v.Export().(type) {
	case string:
		return val
	case map[string]interface{}, []interface{}:
		return fmt.Sprintf("%v", val)
	default:
		return v.String()
	}
}

// stringArg returns argument i as text, "" when absent or null.
func stringArg(args []any, i int) string {
	if i >= len(args) || args[i] == nil {
		return ""
	}
	if s, ok := args[i].(string); ok {
		return s
	}
	return fmt.Sprint(args[i])
}
