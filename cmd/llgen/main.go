package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/llir/llvm/ir"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/llgen/backend"
	"github.com/wippyai/llgen/codegen"
	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/ssa"
	"github.com/wippyai/llgen/target"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitInternal = 2
)

var (
	errHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	funcNameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#98FB98"))
	detailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
)

type config struct {
	input          string
	targetName     string
	mode           string
	irOut          string
	asmOut         string
	objOut         string
	llc            string
	panicFn        string
	traceCap       int
	errBits        int
	noTracing      bool
	strip          bool
	singleThreaded bool
	valgrind       bool
	sanitize       bool
	noVerify       bool
	verbose        bool
	interactive    bool
}

func main() {
	var cfg config
	flag.StringVar(&cfg.input, "in", "", "SSA module in JSON form (- for stdin)")
	flag.StringVar(&cfg.targetName, "target", target.Native.String(), "Target as arch-os[-abi] or an LLVM triple")
	flag.StringVar(&cfg.mode, "mode", "Debug", "Build mode: Debug, ReleaseSafe, ReleaseFast, ReleaseSmall")
	flag.StringVar(&cfg.irOut, "o", "", "Write textual LLVM IR to this path")
	flag.StringVar(&cfg.asmOut, "S", "", "Write assembly to this path (runs llc)")
	flag.StringVar(&cfg.objOut, "c", "", "Write an object file to this path (runs llc)")
	flag.StringVar(&cfg.llc, "llc", "", "llc binary (default: llc on PATH)")
	flag.StringVar(&cfg.panicFn, "panic-fn", target.DefaultPanicFn, "Panic routine called by safety checks")
	flag.IntVar(&cfg.traceCap, "trace-cap", target.DefaultTraceCapacity, "Error return trace capacity (power of two)")
	flag.IntVar(&cfg.errBits, "err-bits", 16, "Error code width: 8, 16 or 32")
	flag.BoolVar(&cfg.noTracing, "no-error-tracing", false, "Disable error return traces")
	flag.BoolVar(&cfg.strip, "strip", false, "Strip debug info")
	flag.BoolVar(&cfg.singleThreaded, "single-threaded", false, "Lower atomics to plain memory operations")
	flag.BoolVar(&cfg.valgrind, "valgrind", false, "Emit valgrind client requests")
	flag.BoolVar(&cfg.sanitize, "sanitize-thread", false, "Enable the thread sanitizer attribute")
	flag.BoolVar(&cfg.noVerify, "no-verify", false, "Skip structural verification")
	flag.BoolVar(&cfg.verbose, "v", false, "Verbose logging")
	flag.BoolVar(&cfg.interactive, "i", false, "Browse the lowered module in a TUI")
	flag.Parse()

	if cfg.input == "" && flag.NArg() == 1 {
		cfg.input = flag.Arg(0)
	}
	if cfg.input == "" {
		fmt.Fprintln(os.Stderr, "Usage: llgen [flags] <module.json>")
		fmt.Fprintln(os.Stderr, "       llgen -in <module.json> -o out.ll [-c out.o] [-S out.s]")
		fmt.Fprintln(os.Stderr, "       llgen -in <module.json> -i  (interactive mode)")
		os.Exit(exitFailed)
	}

	os.Exit(run(cfg))
}

func run(cfg config) (code int) {
	log := zap.NewNop()
	if cfg.verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			log = l
		}
	}
	defer func() { _ = log.Sync() }()
	codegen.SetLogger(log)
	backend.SetLogger(log)

	defer func() {
		if r := recover(); r != nil {
			fe := errors.AsFatal(r)
			if fe == nil {
				panic(r)
			}
			printError(os.Stderr, "internal error", fe)
			code = exitInternal
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tgt, opts, err := cfg.options()
	if err != nil {
		printError(os.Stderr, "error", err)
		return exitFailed
	}

	src, err := readModule(cfg.input, tgt, opts)
	if err != nil {
		printError(os.Stderr, "error", err)
		return exitFailed
	}

	sess, err := codegen.NewSession(codegen.Config{Logger: log, Target: tgt, Options: opts})
	if err != nil {
		printError(os.Stderr, "error", err)
		return exitFailed
	}
	mod, err := sess.EmitModule(ctx, src)
	diags := sess.Diagnostics()
	if err != nil && len(diags) == 0 {
		printError(os.Stderr, "error", err)
		return exitFailed
	}

	if err == nil && !cfg.noVerify {
		if verr := backend.Verify(mod); verr != nil {
			var de *errors.DiagnosticsError
			if stderrors.As(verr, &de) {
				diags = append(diags, de.Errors...)
			} else {
				diags = append(diags, verr)
			}
		}
	}

	if cfg.interactive {
		if ierr := runInteractive(cfg.input, mod, diags); ierr != nil {
			printError(os.Stderr, "error", ierr)
			return exitFailed
		}
		if len(diags) > 0 {
			return exitFailed
		}
		return exitOK
	}

	if len(diags) > 0 {
		printDiagnostics(os.Stderr, diags)
		return exitFailed
	}

	out := backend.Output{IR: cfg.irOut, Asm: cfg.asmOut, Obj: cfg.objOut, LLC: cfg.llc, Mode: opts.Mode}
	if out.IR == "" && out.Asm == "" && out.Obj == "" {
		return writeIR(os.Stdout, mod)
	}
	if err := backend.Emit(ctx, mod, out); err != nil {
		printError(os.Stderr, "error", err)
		return exitFailed
	}
	return exitOK
}

func (cfg config) options() (target.Target, target.Options, error) {
	tgt, err := target.Parse(cfg.targetName)
	if err != nil {
		return target.Target{}, target.Options{}, err
	}
	mode, err := target.ParseBuildMode(cfg.mode)
	if err != nil {
		return target.Target{}, target.Options{}, err
	}
	opts := target.DefaultOptions(mode)
	opts.PanicFn = cfg.panicFn
	opts.TraceCapacity = cfg.traceCap
	opts.ErrIntBits = cfg.errBits
	opts.ErrorTracing = opts.ErrorTracing && !cfg.noTracing
	opts.StripDebugInfo = cfg.strip
	opts.SingleThreaded = cfg.singleThreaded
	opts.Valgrind = cfg.valgrind
	opts.Sanitize = cfg.sanitize
	if err := opts.Validate(tgt); err != nil {
		return target.Target{}, target.Options{}, err
	}
	return tgt, opts, nil
}

func readModule(path string, tgt target.Target, opts target.Options) (*ssa.Module, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read module: %w", err)
		}
		defer f.Close()
		r = f
	}
	tt := ssa.NewTypeTable(tgt.PtrBits(), tgt.MaxIntAlign(), opts.ErrIntBits)
	return ssa.Decode(r, tt)
}

func writeIR(w io.Writer, mod *ir.Module) int {
	if _, err := io.WriteString(w, mod.String()); err != nil {
		printError(os.Stderr, "error", err)
		return exitFailed
	}
	return exitOK
}

func colorEnabled(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) && os.Getenv("NO_COLOR") == ""
}

func printError(f *os.File, header string, err error) {
	if colorEnabled(f) {
		header = errHeaderStyle.Render(header)
	}
	fmt.Fprintf(f, "%s: %v\n", header, err)
}

// printDiagnostics lists diagnostics grouped by function in the order they were first seen.
func printDiagnostics(f *os.File, diags []error) {
	color := colorEnabled(f)
	byFunc := make(map[string][]error)
	var order []string
	for _, d := range diags {
		fn := diagFunc(d)
		if _, ok := byFunc[fn]; !ok {
			order = append(order, fn)
		}
		byFunc[fn] = append(byFunc[fn], d)
	}

	header := fmt.Sprintf("%d diagnostic(s)", len(diags))
	if color {
		header = errHeaderStyle.Render(header)
	}
	fmt.Fprintln(f, header)
	for _, fn := range order {
		name := fn
		if name == "" {
			name = "module"
		}
		if color {
			name = funcNameStyle.Render(name)
		}
		fmt.Fprintf(f, "  %s\n", name)
		for _, d := range byFunc[fn] {
			msg := d.Error()
			if color {
				msg = detailStyle.Render(msg)
			}
			fmt.Fprintf(f, "    %s\n", strings.ReplaceAll(msg, "\n", "\n    "))
		}
	}
}

func diagFunc(err error) string {
	var se *errors.Error
	if stderrors.As(err, &se) {
		return se.Func
	}
	return ""
}
