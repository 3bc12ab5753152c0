package logger

import (
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNopAndOrNop(t *testing.T) {
	l := OrNop(nil)
	if l == nil || l.SugaredLogger == nil {
		t.Fatal("OrNop(nil) should return a usable logger")
	}
	l.Info("discarded", "key", 1)

	base := Nop()
	if OrNop(base) != base {
		t.Error("OrNop should return a non-nil logger unchanged")
	}
}

func TestNewWithFileWritesLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dicommesh.log")

	l, err := NewWithFile("production", FileConfig{Path: path, MaxSizeMB: 1, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("NewWithFile failed: %v", err)
	}
	l.With("case_id", "abc").Info("mesh computed", "faces", 28)
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "mesh computed") || !strings.Contains(string(data), "abc") {
		t.Errorf("Log file missing entry, got %q", string(data))
	}
}

func TestExportedIdentifiersDocumented(t *testing.T) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "logger.go", nil, parser.ParseComments)
	if err != nil {
		t.Fatal(err)
	}
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Name.IsExported() && d.Doc == nil {
				t.Errorf("%s: %s has no doc comment", fset.Position(d.Pos()), d.Name.Name)
			}
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if ok && ts.Name.IsExported() && d.Doc == nil && ts.Doc == nil {
					t.Errorf("%s: type %s has no doc comment", fset.Position(ts.Pos()), ts.Name.Name)
				}
			}
		}
	}
}
