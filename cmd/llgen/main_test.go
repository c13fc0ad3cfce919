package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"

	"github.com/wippyai/llgen/errors"
	"github.com/wippyai/llgen/target"
)

func TestOptions(t *testing.T) {
	cfg := config{
		targetName: "aarch64-linux",
		mode:       "releasefast",
		panicFn:    "my_panic",
		traceCap:   16,
		errBits:    32,
		strip:      true,
	}
	tgt, opts, err := cfg.options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if tgt.Arch != target.ArchAArch64 || tgt.OS != target.OSLinux {
		t.Errorf("target = %v", tgt)
	}
	if opts.Mode != target.ReleaseFast || opts.PanicFn != "my_panic" || opts.ErrIntBits != 32 || !opts.StripDebugInfo {
		t.Errorf("options = %+v", opts)
	}
	if opts.ErrorTracing {
		t.Error("ReleaseFast should not trace errors")
	}
}

func TestOptions_Invalid(t *testing.T) {
	base := config{targetName: "x86_64-linux", mode: "Debug", panicFn: "p", traceCap: 32, errBits: 16}
	tests := []struct {
		name string
		edit func(*config)
	}{
		{"bad target", func(c *config) { c.targetName = "z80-linux" }},
		{"bad mode", func(c *config) { c.mode = "Fastest" }},
		{"trace capacity", func(c *config) { c.traceCap = 12 }},
		{"error width", func(c *config) { c.errBits = 12 }},
		{"valgrind on aarch64", func(c *config) { c.targetName = "aarch64-linux"; c.valgrind = true }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.edit(&cfg)
			if _, _, err := cfg.options(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPrintDiagnostics(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "diag.txt"))
	if err != nil {
		t.Fatal(err)
	}
	diags := []error{
		errors.New(errors.PhaseLower, errors.KindUnsupported).Func("main.run").Detail("vector division").Build(),
		errors.Unsupported(errors.PhaseABI, "i128 on wasm32"),
		errors.New(errors.PhaseVerify, errors.KindVerify).Func("main.run").Detail("block has no terminator").Build(),
	}
	printDiagnostics(f, diags)
	f.Close()

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.HasPrefix(out, "3 diagnostic(s)\n") {
		t.Errorf("missing header:\n%s", out)
	}
	if strings.Count(out, "main.run\n") != 1 {
		t.Errorf("function group repeated:\n%s", out)
	}
	run := strings.Index(out, "main.run\n")
	mod := strings.Index(out, "module\n")
	if run < 0 || mod < 0 || run > mod {
		t.Errorf("groups out of order:\n%s", out)
	}
	if !strings.Contains(out, "vector division") || !strings.Contains(out, "no terminator") {
		t.Errorf("missing details:\n%s", out)
	}
}

func browserModule() *ir.Module {
	m := ir.NewModule()
	m.NewFunc("zeta", types.Void).NewBlock("entry").NewRet(nil)
	m.NewFunc("alpha", types.I32).NewBlock("entry").NewRet(constant.NewInt(types.I32, 1))
	m.NewFunc("llgen_panic", types.Void)
	return m
}

func TestBrowser_Order(t *testing.T) {
	b := newBrowserModel("m.json", browserModule(), nil)
	var names []string
	for _, f := range b.funcs {
		names = append(names, f.name)
	}
	if got := strings.Join(names, ","); got != "alpha,zeta,llgen_panic" {
		t.Errorf("order = %s", got)
	}
}

func TestBrowser_Navigation(t *testing.T) {
	b := newBrowserModel("m.json", browserModule(), []error{errors.Unsupported(errors.PhaseLower, "x")})
	b.Update(tea.WindowSizeMsg{Width: 80, Height: 24})

	b.Update(tea.KeyMsg{Type: tea.KeyDown})
	if b.selected != 1 {
		t.Fatalf("selected = %d, want 1", b.selected)
	}
	b.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if b.state != stateViewFunc {
		t.Fatalf("state = %d, want function view", b.state)
	}
	if !strings.Contains(b.View(), "@zeta") {
		t.Errorf("view does not show zeta:\n%s", b.View())
	}
	b.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if b.state != stateSelectFunc {
		t.Fatalf("esc did not return to the list")
	}
	b.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
	if b.state != stateViewDiagnostics {
		t.Fatalf("d did not open diagnostics")
	}
	if !strings.Contains(b.View(), "1. ") {
		t.Errorf("diagnostics not listed:\n%s", b.View())
	}
}
