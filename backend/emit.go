package backend

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/llir/llvm/ir"
	"go.uber.org/zap"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/target"
)

// DefaultLLC is the llc binary looked up on PATH when Output.LLC is empty.
const DefaultLLC = "llc"

// Output names the files Emit produces. Empty paths are skipped.
type Output struct {
	// IR receives the textual module.
	IR string

	// Asm receives target assembly produced by llc.
	Asm string

	// Obj receives a relocatable object produced by llc.
	Obj string

	// LLC overrides the llc binary.
	LLC string

	// ExtraArgs are appended to every llc invocation.
	ExtraArgs []string

	// Mode selects the llc optimisation level.
	Mode target.BuildMode
}

func (o Output) llc() string {
	if o.LLC != "" {
		return o.LLC
	}
	return DefaultLLC
}

// Emit writes the module to the paths named in out. Assembly and object
// output go through llc; the textual IR is written to a temporary file
// when out.IR is empty.
func Emit(ctx context.Context, m *ir.Module, out Output) error {
	if m == nil {
		return errors.InvalidInput(errors.PhaseEmit, nil, "nil module")
	}
	log := Logger()

	text := m.String()
	irPath := out.IR
	if irPath != "" {
		if err := os.WriteFile(irPath, []byte(text), 0o644); err != nil {
			return errors.Wrap(errors.PhaseEmit, errors.KindIO, err, "write "+irPath)
		}
		log.Debug("wrote IR", zap.String("path", irPath), zap.Int("bytes", len(text)))
	}
	if out.Asm == "" && out.Obj == "" {
		return nil
	}

	if irPath == "" {
		f, err := os.CreateTemp("", "llgen-*.ll")
		if err != nil {
			return errors.Wrap(errors.PhaseEmit, errors.KindIO, err, "create temporary IR file")
		}
		irPath = f.Name()
		defer os.Remove(irPath)
		_, werr := f.WriteString(text)
		cerr := f.Close()
		if werr != nil {
			return errors.Wrap(errors.PhaseEmit, errors.KindIO, werr, "write "+irPath)
		}
		if cerr != nil {
			return errors.Wrap(errors.PhaseEmit, errors.KindIO, cerr, "close "+irPath)
		}
	}

	llc, err := exec.LookPath(out.llc())
	if err != nil {
		return errors.Tool(out.llc(), err, "")
	}

	if out.Asm != "" {
		if err := runLLC(ctx, llc, m.TargetTriple, "asm", irPath, out.Asm, out); err != nil {
			return err
		}
	}
	if out.Obj != "" {
		if err := runLLC(ctx, llc, m.TargetTriple, "obj", irPath, out.Obj, out); err != nil {
			return err
		}
	}
	return nil
}

// llcArgs builds the llc command line for one output file.
func llcArgs(triple, fileType, in, dst string, out Output) []string {
	args := []string{out.Mode.OptLevel(), "-filetype=" + fileType}
	if triple != "" {
		args = append(args, "-mtriple="+triple)
	}
	if out.Mode == target.Debug {
		args = append(args, "-frame-pointer=all")
	}
	args = append(args, out.ExtraArgs...)
	return append(args, "-o", dst, in)
}

func runLLC(ctx context.Context, llc, triple, fileType, in, dst string, out Output) error {
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(errors.PhaseEmit, errors.KindIO, err, "create "+dir)
		}
	}
	args := llcArgs(triple, fileType, in, dst, out)
	Logger().Debug("running llc", zap.String("bin", llc), zap.Strings("args", args))

	cmd := exec.CommandContext(ctx, llc, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Tool(filepath.Base(llc), ctxErr, string(output))
		}
		return errors.Tool(filepath.Base(llc), err, string(output))
	}
	Logger().Info("llc finished", zap.String("filetype", fileType), zap.String("output", dst))
	return nil
}
