package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"consolevm/internal/terminal"
	"consolevm/internal/vfs"
)

func NewBootCmd() *cobra.Command {
	var (
		hostname string
		user     string
		noROM    bool
	)

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot a computer and attach a terminal to it",
		Long: `Boot loads the computer's saved filesystem, or installs a fresh one, starts
the host loop and attaches an interactive terminal. Type "logout" or press
Ctrl-D at the prompt to shut the computer down; the filesystem is saved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return errNoContext
			}
			ctx := cmd.Context()
			m, err := startMachine(ctx, cliCtx, machineOptions{
				hostname: hostname,
				rom:      !noROM,
				autosave: true,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			m.loop.Subscribe(func(host, msg string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "\r[%s] %s\n", host, msg)
			})

			if user == "" {
				user = m.computer.Owner()
			}
			home := "/home/" + user
			if _, err := vfs.Resolve(m.computer.Root(), home, "/"); err != nil {
				home = "/"
			}
			session := terminal.New(m.computer, vfs.Actor{User: user}, home, out)

			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			runErr := console(ctx, session, m, cmd.InOrStdin(), out, interactive)
			return joinErr(runErr, m.stop(ctx))
		},
	}

	cmd.Flags().StringVar(&hostname, "host", "", "hostname of the computer (default from config)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user to log in as (default: the owner)")
	cmd.Flags().BoolVar(&noROM, "no-rom", false, "do not flash the rom directory")
	return cmd
}

// console reads command lines from in until logout or end of input. While
// a program runs, lines go to its input, end of input closes its input and
// an interrupt terminates it.
func console(ctx context.Context, s *terminal.Session, m *machine, in io.Reader, out io.Writer, interactive bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	prompt := func() {
		if interactive {
			fmt.Fprint(out, s.Prompt(m.computer.Hostname()))
		}
	}

	var running chan error
	prompt()
	for {
		select {
		case <-ctx.Done():
			s.Interrupt()
			return nil

		case sig := <-sigs:
			if running != nil && sig == os.Interrupt {
				s.Interrupt()
				continue
			}
			s.Interrupt()
			return nil

		case err := <-running:
			running = nil
			var ie *terminal.InvokeError
			if errors.As(err, &ie) {
				fmt.Fprintln(out, ie.Error())
			} else if err != nil {
				m.log.Debug().Err(err).Msg("program failed")
			}
			prompt()

		case line, ok := <-lines:
			if !ok {
				if running != nil {
					_ = s.CloseInput()
					<-running
				}
				return nil
			}
			if running != nil {
				_ = s.Input(line)
				continue
			}
			cmdline := strings.TrimSpace(line)
			switch cmdline {
			case "":
				prompt()
				continue
			case "logout", "exit":
				return nil
			}
			done := make(chan error, 1)
			running = done
			go func() { done <- s.Run(ctx, cmdline) }()
		}
	}
}

func joinErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
