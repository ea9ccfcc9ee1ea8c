// Command qvmrun loads a compiled .qvm file and executes it against a small
// demonstration engine-trap dispatcher, printing the value vmMain returns.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/thecybermind/sof2gt-qvmcore/qvm"
)

// trapPrintInt (0) prints args[0] as a decimal integer to stdout.
// trapReadInt (1) reads one little-endian int32 from stdin and returns it.
const (
	trapPrintInt = 0
	trapReadInt  = 1
)

func demoDispatcher(debug bool) qvm.Dispatcher {
	return func(_ []byte, syscallNum int32, args []int32) int32 {
		if debug {
			color.New(color.FgCyan).Fprintf(os.Stderr, "-> trap %d args=%v\n", syscallNum, firstN(args, 4))
		}
		switch syscallNum {
		case trapPrintInt:
			if len(args) > 0 {
				fmt.Println(args[0])
			}
			return 0
		case trapReadInt:
			var buf [4]byte
			if _, err := os.Stdin.Read(buf[:]); err != nil {
				return 0
			}
			return int32(binary.LittleEndian.Uint32(buf[:]))
		default:
			color.New(color.FgRed).Fprintf(os.Stderr, "qvmrun: unhandled trap %d\n", syscallNum)
			return 0
		}
	}
}

func firstN(s []int32, n int) []int32 {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func main() {
	app := cli.NewApp()
	app.Name = "qvmrun"
	app.Usage = "load and execute a compiled QVM bytecode file"
	app.Version = "0.1.0"
	app.ArgsUsage = "<file.qvm> [arg0 arg1 ...]"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "debug", Usage: "log load/runtime diagnostics and traps to stderr"},
		cli.BoolFlag{Name: "no-verify-data", Usage: "disable data-segment address masking (diagnostic/compatibility mode)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.NewExitError("qvmrun: missing .qvm file argument", 2)
	}

	path := c.Args().First()
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("qvmrun: %v", err), 1)
	}

	var vm qvm.VM
	if c.Bool("debug") {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		vm.Log = &logger
	}

	verifyData := !c.Bool("no-verify-data")
	if err := qvm.Load(&vm, fileBytes, demoDispatcher(c.Bool("debug")), verifyData, nil); err != nil {
		return cli.NewExitError(fmt.Sprintf("qvmrun: load failed: %v", err), 1)
	}

	argv := make([]int32, 0, c.NArg()-1)
	for _, raw := range c.Args().Tail() {
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
			return cli.NewExitError(fmt.Sprintf("qvmrun: bad integer argument %q", raw), 2)
		}
		argv = append(argv, int32(n))
	}

	result := qvm.Exec(&vm, argv)
	color.New(color.FgGreen).Printf("vmMain returned: %d\n", result)
	return nil
}
