package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"consolevm/internal/terminal"
	"consolevm/internal/vfs"
	"consolevm/internal/vmerr"
)

func NewExecCmd() *cobra.Command {
	var (
		hostname string
		user     string
		dir      string
		noSave   bool
	)

	cmd := &cobra.Command{
		Use:   "exec <program> [args...]",
		Short: "Run one program on a computer and print its output",
		Long: `Exec boots the computer, runs a single command line and shuts it down
again. Input piped into consolevm is fed to the program. The exit status is
the program's exit code, 127 when the program could not be started.`,
		Example: `  consolevm exec ls -l /bin
  echo hello | consolevm exec write /tmp/greeting`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return errNoContext
			}
			ctx := cmd.Context()
			m, err := startMachine(ctx, cliCtx, machineOptions{hostname: hostname, rom: true})
			if err != nil {
				return err
			}
			m.noSave = noSave

			if user == "" {
				user = m.computer.Owner()
			}
			if dir == "" {
				dir = "/home/" + user
			}
			session := terminal.New(m.computer, vfs.Actor{User: user}, dir, cmd.OutOrStdout())

			var in io.Reader
			if f, ok := cmd.InOrStdin().(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
				in = cmd.InOrStdin()
			}
			runErr := session.Pipe(ctx, commandLine(args), in)
			stopErr := m.stop(ctx)

			var ie *terminal.InvokeError
			var ee *vmerr.ExitError
			switch {
			case errors.As(runErr, &ie):
				fmt.Fprintln(cmd.ErrOrStderr(), ie.Error())
				return &ExitStatus{Code: 127}
			case errors.As(runErr, &ee):
				return &ExitStatus{Code: ee.Code}
			case runErr != nil:
				return &ExitStatus{Code: 1}
			}
			return stopErr
		},
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&hostname, "host", "", "hostname of the computer (default from config)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user to run as (default: the owner)")
	cmd.Flags().StringVarP(&dir, "dir", "C", "", "working folder (default: the user's home)")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "discard filesystem changes")
	return cmd
}

// commandLine joins args, quoting those that contain whitespace.
func commandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
