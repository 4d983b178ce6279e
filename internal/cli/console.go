// Package cli implements the interactive console of the volley server and
// client. A line is either a command or a variable name, optionally
// followed by a value to assign.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/vars"
)

// ErrUnknownCommand is returned for lines naming neither a command nor a
// variable.
var ErrUnknownCommand = errors.New("unknown command")

// Command is one console command.
type Command struct {
	Name  string
	Usage string
	Help  string
	Run   func(ctx context.Context, args []string) error
}

// VarScope exposes one variable set to the console. Get and Assign run on
// the owning loop.
type VarScope struct {
	Name   string
	Get    func(ctx context.Context, name string) (string, bool, error)
	Assign func(ctx context.Context, name, value string) error
}

// Console parses lines and dispatches them to commands or variables.
type Console struct {
	prompt   string
	out      io.Writer
	commands map[string]Command
	scopes   []VarScope
}

// NewConsole creates an empty console writing to out.
func NewConsole(prompt string, out io.Writer) *Console {
	c := &Console{
		prompt:   prompt,
		out:      out,
		commands: make(map[string]Command),
	}
	c.Register(Command{
		Name: "help",
		Help: "Show this help message",
		Run: func(ctx context.Context, args []string) error {
			c.printHelp()
			return nil
		},
	})
	return c
}

// Register adds or replaces a command.
func (c *Console) Register(cmd Command) {
	c.commands[cmd.Name] = cmd
}

// AddScope makes a variable set addressable by bare name. Scopes are
// searched in the order they were added.
func (c *Console) AddScope(s VarScope) {
	c.scopes = append(c.scopes, s)
}

// Start reads lines from in until EOF or ctx is cancelled. Errors are
// printed, never fatal.
func (c *Console) Start(ctx context.Context, in io.Reader) {
	fmt.Fprintln(c.out, "Console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, c.prompt)
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one console line.
func (c *Console) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	name, args := parts[0], parts[1:]

	if cmd, ok := c.commands[strings.ToLower(name)]; ok {
		log.Debug().Str("command", cmd.Name).Strs("args", args).Msg("console command")
		return cmd.Run(ctx, args)
	}

	for _, scope := range c.scopes {
		value, ok, err := scope.Get(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if len(args) == 0 {
			fmt.Fprintf(c.out, "%s = %s\n", name, value)
			return nil
		}
		return scope.Assign(ctx, name, strings.Join(args, " "))
	}

	return fmt.Errorf("%w: %q, type 'help' for available commands", ErrUnknownCommand, name)
}

func (c *Console) printHelp() {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(c.out)
	for _, name := range names {
		cmd := c.commands[name]
		usage := cmd.Name
		if cmd.Usage != "" {
			usage += " " + cmd.Usage
		}
		fmt.Fprintf(c.out, "  %-20s %s\n", usage, cmd.Help)
	}
	fmt.Fprintf(c.out, "  %-20s %s\n", "<var> [value]", "Show or set a variable")
	fmt.Fprintln(c.out)
}

// setScope builds a VarScope over set, reading and writing through run.
func setScope(name string, run func(context.Context, func()) error, set *vars.Set, assign func(name, value string) error) VarScope {
	return VarScope{
		Name: name,
		Get: func(ctx context.Context, v string) (string, bool, error) {
			var value string
			var ok bool
			err := run(ctx, func() {
				if ok = set.Has(v); ok {
					value, _ = set.Get(v)
				}
			})
			if err != nil {
				return "", false, err
			}
			return value, ok, nil
		},
		Assign: func(ctx context.Context, v, value string) error {
			var err error
			if runErr := run(ctx, func() { err = assign(v, value) }); runErr != nil {
				return runErr
			}
			return err
		},
	}
}

// onLoop runs fn on a loop through do and waits for it to finish.
func onLoop[T any](ctx context.Context, do func(context.Context, func(T)) error, fn func(T)) error {
	done := make(chan struct{})
	if err := do(ctx, func(t T) {
		defer close(done)
		fn(t)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
