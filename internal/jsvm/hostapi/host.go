package hostapi

import (
	"strings"

	"consolevm/internal/bridge"
)

// registerHost registers the host pool. Calls that change host state run on
// the host thread; the script waits without spending its time budget.
func registerHost(r *bridge.Registry, h *Context) error {
	sys := h.Proc.System()
	return registerAll(r.Pool("host"), []named{
		{"hostname", bridge.Func0(func() (string, error) { return sys.Hostname(), nil })},
		{"owner", bridge.Func0(func() (string, error) { return sys.Owner(), nil })},
		{"setHostname", bridge.Proc1(func(name string) error {
			resume := h.Governor.Suspend()
			defer resume()
			ctx, cancel := h.waitContext()
			defer cancel()
			if err := sys.SetHostname(ctx, strings.TrimSpace(name)); err != nil {
				if ctx.Err() != nil {
					return h.interrupted()
				}
				return err
			}
			return nil
		})},
		{"tellOwner", bridge.Proc1(func(msg string) error {
			sys.Notify(msg)
			return nil
		})},
	})
}
