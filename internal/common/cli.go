package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// ExecuteWithFang executes a cobra command using fang with the standard
// version and error handling options, exiting the process on failure.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage creates an error handler that displays the error
// message followed by the usage help for command line errors, or a hint
// to use --help for everything else.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if isUsageError(err) {
			cmd.SetOut(colorprofile.NewWriter(w, os.Environ()))
			cmd.HelpFunc()(cmd, []string{})
			return
		}
		_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
			lipgloss.Left,
			styles.ErrorText.UnsetWidth().Render("Try"),
			styles.Program.Flag.Render("--help"),
			styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
		))
		_, _ = fmt.Fprintln(w)
	}
}

// isUsageError returns true iff err is a command line mistake that should
// be answered with the usage help.
func isUsageError(err error) bool {
	s := err.Error()
	for _, prefix := range []string{
		"flag needs an argument:",
		"unknown flag:",
		"unknown shorthand flag:",
		"unknown command",
		"invalid argument",
		"required flag",
		"accepts",
		"arg(s), received",
		"failed to load config file",
		"config file must be specified",
	} {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}
