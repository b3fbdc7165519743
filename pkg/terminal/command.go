// Package terminal implements functions for responding to user
// input and dispatching to the appropriate analysis queries.
package terminal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/go-loupe/loupe/pkg/target"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the loupe terminal process.
type Commands struct {
	cmds []command
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"funcs"}, cmdFn: funcs, helpMsg: `Print functions matching a prefix.

	funcs [prefix]

Without a prefix every recovered function is listed.`},
		{aliases: []string{"fn"}, cmdFn: funcCmd, helpMsg: `Describe one function.

	fn <address|name>

An address selects the function containing it; a name must match exactly or
be the unique prefix of a single function.`},
		{aliases: []string{"type", "t"}, cmdFn: typeCmd, helpMsg: `Show a recovered type definition.

	type <address|name> [depth]

The underlying definition is elaborated depth levels deep; the default comes
from the elaborate-depth configuration.`},
		{aliases: []string{"unpack", "x"}, cmdFn: unpack, helpMsg: `Decode a value out of target memory.

	unpack <type> <address> [depth]

The type is resolved against the recovered types first and synthesized from
Go notation otherwise. Quote type expressions containing spaces:

	unpack "struct { a int; b string }" 0xc000012345

Every decoded value is shown with its confidence grade.`},
		{aliases: []string{"bt"}, cmdFn: backtrace, helpMsg: `Print the stack of the stopped thread.

	bt [depth]`},
		{aliases: []string{"regs"}, cmdFn: regs, helpMsg: `Print registers with annotations.

Every register holding something recognizable - a code address, a type
record, a guessed object or string - is annotated with what it points at.`},
		{aliases: []string{"stack"}, cmdFn: stack, helpMsg: `Print raw stack words with annotations.

	stack [words]

Words are read up from the stack pointer and annotated like regs.`},
		{aliases: []string{"reanalyse", "reanalyze"}, cmdFn: reanalyse, helpMsg: `Discard all derived state and analyse the target again.

Useful after the target has loaded a plugin or unpacked itself in memory.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration
file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias of <command> or removes an alias.`},
		{aliases: []string{"quit", "q", "exit"}, cmdFn: quit, helpMsg: `Detach from the target and exit.`},
	}

	return c
}

// Merge adds aliases to the commands, as configured in allAliases, resetting
// any previous merge first.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

// Find returns the function for the named command, or a stub.
func (c *Commands) Find(cmdstr string) cmdfunc {
	// If <enter> use last command, if there was one.
	if cmdstr == "" {
		return nullCommand
	}
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}
	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func funcs(t *Term, args string) error {
	names := t.tgt.FuncsMatching(args)
	if len(names) == 0 {
		return fmt.Errorf("no functions match %q", args)
	}
	for _, name := range names {
		fmt.Fprintln(t.stdout, name)
	}
	return nil
}

func funcCmd(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	e, err := t.tgt.FindFunction(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s\n", t.colored(ansiGreen, e.Fn.Name))
	fmt.Fprintf(t.stdout, "\tentry %#x", e.Entry)
	if e.Fn.FileEntry != e.Entry {
		fmt.Fprintf(t.stdout, " (%#x in the file)", e.Fn.FileEntry)
	}
	fmt.Fprintln(t.stdout)
	return nil
}

func typeCmd(t *Term, args string) error {
	spec, depth, err := specAndDepth(args, t.conf.GetElaborateDepth())
	if err != nil {
		return err
	}
	rendered, size, err := t.tgt.GetType(spec, depth)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s \t// %d bytes\n", rendered, size)
	return nil
}

func unpack(t *Term, args string) error {
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(words) < 2 || len(words) > 3 {
		return errors.New("expecting: unpack <type> <address> [depth]")
	}
	addr, err := strconv.ParseUint(words[1], 0, 64)
	if err != nil {
		return fmt.Errorf("%q is not an address", words[1])
	}
	depth := t.conf.GetUnpackDepth()
	if len(words) == 3 {
		if depth, err = strconv.Atoi(words[2]); err != nil {
			return fmt.Errorf("%q is not a depth", words[2])
		}
	}
	v, err := t.tgt.Unpack(words[0], addr, depth)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, target.FormatValue(v))
	return nil
}

func backtrace(t *Term, args string) error {
	max := t.conf.GetBacktraceDepth()
	if args != "" {
		var err error
		if max, err = strconv.Atoi(args); err != nil || max <= 0 {
			return fmt.Errorf("%q is not a frame count", args)
		}
	}
	frames, err := t.tgt.Backtrace(max)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.New("stack walking is not supported on this architecture")
	}
	for i, f := range frames {
		name := f.Name
		if name == "" {
			name = "?"
		}
		fmt.Fprintf(t.stdout, "%2d  %#016x in %s", i, f.PC, t.colored(ansiGreen, name))
		if f.Name != "" && f.Offset != 0 {
			fmt.Fprintf(t.stdout, " +%#x", f.Offset)
		}
		fmt.Fprintln(t.stdout)
	}
	return nil
}

func reanalyse(t *Term, args string) error {
	if err := t.tgt.Reanalyse(); err != nil {
		return fmt.Errorf("reanalysis failed, previous state kept: %v", err)
	}
	t.printBanner()
	return nil
}

// ExitRequestError is returned when the user
// exits the debugger.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func quit(t *Term, args string) error {
	return ExitRequestError{}
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

// splitArgs splits a command tail into words, honoring quotes, so that type
// expressions with spaces survive as one argument.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, nil
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal argument list '%s'", args)
	}
	return v[0], nil
}

// specAndDepth splits an "<addr|name> [depth]" command tail.
func specAndDepth(args string, def int) (string, int, error) {
	if args == "" {
		return "", 0, errors.New("not enough arguments")
	}
	v := split2PartsBySpace(args)
	if len(v) == 1 || v[1] == "" {
		return v[0], def, nil
	}
	depth, err := strconv.Atoi(v[1])
	if err != nil {
		return "", 0, fmt.Errorf("%q is not a depth", v[1])
	}
	return v[0], depth, nil
}
