// Package confirmation asks the operator before destructive operations
package confirmation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"memvault/internal/display"
	apperrors "memvault/internal/errors"
)

const maxPrompts = 3

// Request describes an action waiting for approval
type Request struct {
	// Action is shown in the prompt, e.g. "Restore backup 0b6f..."
	Action   string
	Summary  [][2]string
	Warnings []string
	// Details are printed when the operator answers "d"
	Details []string
}

// Prompter reads y/N answers. Prompts go to the printer's error writer so
// structured output on stdout stays parseable.
type Prompter struct {
	reader      *bufio.Reader
	out         io.Writer
	printer     *display.Printer
	interactive bool
}

// New prompts on stdin when it is a terminal
func New(printer *display.Printer) *Prompter {
	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	return newPrompter(os.Stdin, printer, interactive)
}

func newPrompter(in io.Reader, printer *display.Printer, interactive bool) *Prompter {
	return &Prompter{
		reader:      bufio.NewReader(in),
		out:         printer.Config().ErrWriter,
		printer:     printer,
		interactive: interactive,
	}
}

// Confirm shows req and waits for an answer. autoApprove skips the prompt.
// Without a terminal the answer cannot be read, so Confirm refuses instead
// of assuming yes.
func (p *Prompter) Confirm(ctx context.Context, req Request, autoApprove bool) (bool, error) {
	p.summarize(req)

	if autoApprove {
		p.printer.Info("Auto-approving: " + req.Action)
		return true, nil
	}
	if !p.interactive {
		return false, apperrors.NewInvalidArgument(
			fmt.Sprintf("%s needs confirmation; rerun with --yes when no terminal is attached", req.Action), nil)
	}

	for attempt := 0; attempt < maxPrompts; attempt++ {
		answer, err := p.ask(ctx, req)
		if err != nil {
			return false, err
		}

		switch answer {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			p.printer.Info("Cancelled")
			return false, nil
		case "d", "details":
			p.details(req)
			attempt--
		default:
			fmt.Fprintf(p.out, "Invalid input %q. Enter y for yes, n for no or d for details.\n", answer)
		}
	}
	p.printer.Info("Cancelled")
	return false, nil
}

func (p *Prompter) summarize(req Request) {
	if p.printer.Config().Quiet {
		return
	}
	fmt.Fprintln(p.out, req.Action)
	p.printer.KeyValues(p.out, req.Summary)
	for _, w := range req.Warnings {
		p.printer.Warning(w)
	}
}

func (p *Prompter) details(req Request) {
	if len(req.Details) == 0 {
		fmt.Fprintln(p.out, "No further details.")
		return
	}
	for _, d := range req.Details {
		fmt.Fprintln(p.out, "  "+d)
	}
}

// ask reads one line. An interrupt while waiting cancels the operation.
func (p *Prompter) ask(ctx context.Context, req Request) (string, error) {
	prompt := "Proceed? [y/N]: "
	if len(req.Details) > 0 {
		prompt = "Proceed? [y/N/d]: "
	}
	fmt.Fprint(p.out, prompt)

	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		text, err := p.reader.ReadString('\n')
		ch <- line{text, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", apperrors.New(apperrors.KindInterruption, "operation cancelled", ctx.Err())
	case l := <-ch:
		if l.err != nil && l.text == "" {
			if l.err == io.EOF {
				return "", nil
			}
			return "", apperrors.New(apperrors.KindInterruption, "failed to read answer", l.err)
		}
		return strings.ToLower(strings.TrimSpace(l.text)), nil
	}
}
