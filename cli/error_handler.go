package cli

import (
	"fmt"
	"io"

	"github.com/grovetools/tabsync/errors"
)

// ErrorHandler prints errors with a hint chosen by error code.
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a handler writing to out.
func NewErrorHandler(out io.Writer, verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     out,
	}
}

// Handle prints err and returns it unchanged.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	fmt.Fprintf(h.Out, "%s %v\n", errorStyle.Render("Error:"), err)
	if hint := Hint(err); hint != "" {
		fmt.Fprintln(h.Out, mutedStyle.Render(hint))
	}

	if h.Verbose {
		if se, ok := err.(*errors.SyncError); ok {
			fmt.Fprintf(h.Out, "\nError details:\n%s\n", se.ToJSON())
		}
	}
	return err
}

// Hint returns a follow-up suggestion for err, or "".
func Hint(err error) string {
	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		return "Create tabsync.yml or pass --config. 'tabsync config schema' prints the format."
	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation:
		return "Check the file with 'tabsync config validate'."
	case errors.ErrCodeAuth:
		return "Sign in again with 'login <user> <password>'."
	case errors.ErrCodeAPI:
		if errors.Status(err) == 0 {
			return "The monitoring API is unreachable. Check api.base_url."
		}
		return fmt.Sprintf("The monitoring API answered with status %d.", errors.Status(err))
	case errors.ErrCodeBus:
		return "Is the relay running? Try 'tabsync relay status'."
	case errors.ErrCodeStorage:
		return "Check that store.dir is writable."
	}
	return ""
}
