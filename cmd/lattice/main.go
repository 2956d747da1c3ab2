// cmd/lattice is the embedding-host reference driver (spec §6, SPEC_FULL
// §A.4/§D): it exists to exercise pkg/driver's Session end to end, not as
// a product CLI — lexer/parser remains explicitly out of scope (spec §1),
// so runCompile below is the one seam a real embedder replaces with its
// own lexer+parser+compiler.Compile pipeline. Subcommand layout is
// rebuilt from the teacher's cmd/paserati/main.go flag set (`-e`,
// `-bytecode`, `-cache-stats`, file-or-REPL dispatch) onto urfave/cli
// subcommands instead of flat flags, per SPEC_FULL §A.4.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/urfave/cli"

	"github.com/ajokela/lattice-sub001/pkg/config"
	"github.com/ajokela/lattice-sub001/pkg/driver"
	"github.com/ajokela/lattice-sub001/pkg/source"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// colorEnabled gates fatih/color output on whether stdout is a terminal
// (mattn/go-isatty), so piped output (redirected to a file, a test
// harness) stays plain per SPEC_FULL §A.4.
var colorEnabled = isatty.IsTerminal(os.Stdout.Fd())

func errorColor(s string) string {
	if !colorEnabled {
		return s
	}
	return color.New(color.FgRed, color.Bold).Sprint(s)
}

func resultColor(s string) string {
	if !colorEnabled {
		return s
	}
	return color.New(color.FgGreen).Sprint(s)
}

// runCompile is the embedding host's source->Chunk pipeline. This repo
// has no lexer/parser (spec §1's non-goal), so the reference driver
// cannot itself turn `.lat` text into a pkg/ast.Program — a real
// embedder supplies this function (lex, parse, pkg/compiler.Compile) in
// place of the stub below.
var runCompile driver.CompileFunc = func(src *source.SourceFile) (*vm.Chunk, error) {
	return nil, fmt.Errorf("no lexer/parser is wired into this build: pkg/driver.CompileFunc must be supplied by the embedding host (spec §1, §6)")
}

func newSession(cfgPath string) (*driver.Session, error) {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return driver.NewSession(cfg, runCompile)
}

func main() {
	app := cli.NewApp()
	app.Name = "lattice"
	app.Usage = "reference embedding-host driver for the Lattice VM"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to lattice.toml"},
	}
	app.Commands = []cli.Command{
		runCommand,
		replCommand,
		disasmCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorColor(err.Error()))
		os.Exit(70)
	}
}

var runCommand = cli.Command{
	Name:      "run",
	Usage:     "compile and execute a .lat script",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "cache-stats", Usage: "print inline-cache statistics after execution"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.NewExitError("usage: lattice run <file>", 64)
		}
		s, err := newSession(ctx.GlobalString("config"))
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := s.RunFile(ctx.Args().Get(0))
		if err != nil {
			fmt.Fprintln(os.Stderr, errorColor(err.Error()))
			return cli.NewExitError("", 70)
		}
		if !result.IsNil() {
			fmt.Println(resultColor(result.Repr()))
		}
		if ctx.Bool("cache-stats") {
			s.VM.PrintCacheStats()
		}
		return nil
	},
}

var disasmCommand = cli.Command{
	Name:      "disasm",
	Usage:     "compile a .lat script and print its bytecode",
	ArgsUsage: "<file>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.NewExitError("usage: lattice disasm <file>", 64)
		}
		s, err := newSession(ctx.GlobalString("config"))
		if err != nil {
			return err
		}
		defer s.Close()

		path := ctx.Args().Get(0)
		data, err := os.ReadFile(path)
		if err != nil {
			return cli.NewExitError(err.Error(), 70)
		}
		if err := s.Disassemble(path, string(data), os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, errorColor(err.Error()))
			return cli.NewExitError("", 70)
		}
		return nil
	},
}

var replCommand = cli.Command{
	Name:  "repl",
	Usage: "start an interactive read-eval-print loop",
	Action: func(ctx *cli.Context) error {
		s, err := newSession(ctx.GlobalString("config"))
		if err != nil {
			return err
		}
		defer s.Close()
		return runRepl(s)
	},
}

// runRepl drives a peterh/liner-backed prompt loop against a single
// persistent Session, matching the teacher's own "one long-lived
// session across lines" REPL shape (cmd/paserati/main.go's runRepl),
// generalized from bufio.Reader to liner for history and line editing.
func runRepl(s *driver.Session) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("lattice repl (Ctrl+D to exit)")
	for {
		input, err := line.Prompt("> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return err
		}
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		result, err := s.RunSource("<repl>", input)
		if err != nil {
			fmt.Fprintln(os.Stderr, errorColor(err.Error()))
			continue
		}
		if !result.IsNil() {
			fmt.Println(resultColor(result.Repr()))
		}
	}
}
