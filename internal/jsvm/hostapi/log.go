package hostapi

import (
	"github.com/rs/zerolog"

	"consolevm/internal/bridge"
)

// registerLog registers the log pool, which writes to the server log, and
// console, which writes to the program's output.
func registerLog(r *bridge.Registry, h *Context) error {
	logger := h.Logger.With().
		Str("script", h.Proc.Name()).
		Str("program", h.Proc.ID()).
		Logger()

	logAt := func(level zerolog.Level) bridge.NativeFunc {
		return bridge.VariadicArgs(func(a *bridge.Args) (any, error) {
			logger.WithLevel(level).Msg(formatArgs(a))
			return bridge.Void{}, nil
		})
	}
	err := registerAll(r.Pool("log"), []named{
		{"debug", logAt(zerolog.DebugLevel)},
		{"info", logAt(zerolog.InfoLevel)},
		{"warn", logAt(zerolog.WarnLevel)},
		{"error", logAt(zerolog.ErrorLevel)},
	})
	if err != nil {
		return err
	}

	// console prints like println; warnings and errors are also logged.
	printAt := func(level zerolog.Level) bridge.NativeFunc {
		return bridge.VariadicArgs(func(a *bridge.Args) (any, error) {
			msg := formatArgs(a)
			if level >= zerolog.WarnLevel {
				logger.WithLevel(level).Msg(msg)
			}
			return bridge.Void{}, h.write(msg + "\n")
		})
	}
	return registerAll(r.Pool("console"), []named{
		{"log", printAt(zerolog.InfoLevel)},
		{"debug", printAt(zerolog.DebugLevel)},
		{"info", printAt(zerolog.InfoLevel)},
		{"warn", printAt(zerolog.WarnLevel)},
		{"error", printAt(zerolog.ErrorLevel)},
	})
}
