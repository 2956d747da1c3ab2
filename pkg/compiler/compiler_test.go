package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajokela/lattice-sub001/pkg/ast"
	"github.com/ajokela/lattice-sub001/pkg/vm"
)

// program is a small helper for building a *ast.Program from a handful of
// top-level items, standing in for an external parser's output (spec §6).
func program(items ...ast.Item) *ast.Program {
	return &ast.Program{Items: items}
}

func TestCompileTopLevelExpressionReturnsItsValue(t *testing.T) {
	p := program(&ast.ExprStmt{
		LineNo: 1,
		X: &ast.BinaryExpr{
			LineNo: 1,
			Op:     "+",
			Left:   &ast.IntLit{LineNo: 1, Value: 7},
			Right:  &ast.IntLit{LineNo: 1, Value: 5},
		},
	})

	chunk, err := Compile(p)
	require.NoError(t, err)
	require.NotNil(t, chunk)

	result, err := vm.NewVM().Run(chunk)
	require.NoError(t, err)
	require.Equal(t, int64(12), result.AsInt())
}

func TestCompileEmptyProgramReturnsUndefined(t *testing.T) {
	chunk, err := Compile(program())
	require.NoError(t, err)

	result, err := vm.NewVM().Run(chunk)
	require.NoError(t, err)
	require.True(t, result.IsUnit())
}

func TestCompileLetThenIdentLoadsBoundValue(t *testing.T) {
	p := program(
		&ast.LetStmt{
			LineNo: 1,
			Target: &ast.IdentPattern{LineNo: 1, Name: "x"},
			Value:  &ast.IntLit{LineNo: 1, Value: 41},
		},
		&ast.ExprStmt{LineNo: 2, X: &ast.Ident{LineNo: 2, Name: "x"}},
	)

	chunk, err := Compile(p)
	require.NoError(t, err)

	result, err := vm.NewVM().Run(chunk)
	require.NoError(t, err)
	require.Equal(t, int64(41), result.AsInt())
}

// TestCompileFnDeclBindsGlobalClosure exercises compileFnDecl: a top-level
// `fn` declaration lowers to a CLOSURE bound under its own name, callable
// immediately afterward in the same chunk (spec §4.2).
func TestCompileFnDeclBindsGlobalClosure(t *testing.T) {
	fn := &ast.FnDecl{
		LineNo: 1,
		Name:   "double",
		Params: []ast.Param{{Name: "n"}},
		Body: &ast.BlockStmt{
			LineNo: 1,
			Stmts: []ast.Stmt{
				&ast.ReturnStmt{
					LineNo: 1,
					Value: &ast.BinaryExpr{
						LineNo: 1,
						Op:     "*",
						Left:   &ast.Ident{LineNo: 1, Name: "n"},
						Right:  &ast.IntLit{LineNo: 1, Value: 2},
					},
				},
			},
		},
	}
	call := &ast.ExprStmt{
		LineNo: 2,
		X: &ast.CallExpr{
			LineNo: 2,
			Callee: &ast.Ident{LineNo: 2, Name: "double"},
			Args:   []ast.Expr{&ast.IntLit{LineNo: 2, Value: 21}},
		},
	}

	chunk, err := Compile(program(fn, call))
	require.NoError(t, err)

	result, err := vm.NewVM().Run(chunk)
	require.NoError(t, err)
	require.Equal(t, int64(42), result.AsInt())
}

// TestCompileFnDeclWithFailingEnsuresThrows exercises emitEnsures: a
// postcondition that evaluates false raises rather than returning (spec
// §4.2's "failing clause raises a contract-category exception").
func TestCompileFnDeclWithFailingEnsuresThrows(t *testing.T) {
	fn := &ast.FnDecl{
		LineNo: 1,
		Name:   "alwaysNegative",
		Ensures: []ast.Expr{
			&ast.BinaryExpr{
				LineNo: 1,
				Op:     "<",
				Left:   &ast.Ident{LineNo: 1, Name: "result"},
				Right:  &ast.IntLit{LineNo: 1, Value: 0},
			},
		},
		Body: &ast.BlockStmt{
			LineNo: 1,
			Stmts: []ast.Stmt{
				&ast.ReturnStmt{LineNo: 1, Value: &ast.IntLit{LineNo: 1, Value: 5}},
			},
		},
	}
	call := &ast.ExprStmt{
		LineNo: 2,
		X: &ast.CallExpr{
			LineNo: 2,
			Callee: &ast.Ident{LineNo: 2, Name: "alwaysNegative"},
		},
	}

	chunk, err := Compile(program(fn, call))
	require.NoError(t, err)

	_, err = vm.NewVM().Run(chunk)
	require.Error(t, err, "a failing ensures clause must surface as a runtime error")
}

// TestCompileFnDeclWithPassingEnsuresReturnsNormally is the mirror case:
// a satisfied postcondition must not disturb the function's return value.
func TestCompileFnDeclWithPassingEnsuresReturnsNormally(t *testing.T) {
	fn := &ast.FnDecl{
		LineNo: 1,
		Name:   "alwaysPositive",
		Ensures: []ast.Expr{
			&ast.BinaryExpr{
				LineNo: 1,
				Op:     ">",
				Left:   &ast.Ident{LineNo: 1, Name: "result"},
				Right:  &ast.IntLit{LineNo: 1, Value: 0},
			},
		},
		Body: &ast.BlockStmt{
			LineNo: 1,
			Stmts: []ast.Stmt{
				&ast.ReturnStmt{LineNo: 1, Value: &ast.IntLit{LineNo: 1, Value: 5}},
			},
		},
	}
	call := &ast.ExprStmt{
		LineNo: 2,
		X: &ast.CallExpr{
			LineNo: 2,
			Callee: &ast.Ident{LineNo: 2, Name: "alwaysPositive"},
		},
	}

	chunk, err := Compile(program(fn, call))
	require.NoError(t, err)

	result, err := vm.NewVM().Run(chunk)
	require.NoError(t, err)
	require.Equal(t, int64(5), result.AsInt())
}

// TestCompileStructDeclAndLitProducesStructValue exercises
// compileStructDecl's prototype registration against a matching StructLit.
func TestCompileStructDeclAndLitProducesStructValue(t *testing.T) {
	decl := &ast.StructDecl{
		LineNo: 1,
		Name:   "Point",
		Fields: []ast.FieldDecl{{Name: "x"}, {Name: "y"}},
	}
	lit := &ast.ExprStmt{
		LineNo: 2,
		X: &ast.StructLit{
			LineNo: 2,
			Type:   "Point",
			Fields: []ast.StructLitField{
				{Name: "x", Value: &ast.IntLit{LineNo: 2, Value: 3}},
				{Name: "y", Value: &ast.IntLit{LineNo: 2, Value: 4}},
			},
		},
	}

	chunk, err := Compile(program(decl, lit))
	require.NoError(t, err)

	result, err := vm.NewVM().Run(chunk)
	require.NoError(t, err)
	require.Equal(t, "Point", result.AsStruct().Name)
}

// TestCompileEnumDeclAndLitResolvesVariant exercises compileEnumDecl's
// variant-arity table against a matching EnumLit.
func TestCompileEnumDeclAndLitResolvesVariant(t *testing.T) {
	decl := &ast.EnumDecl{
		LineNo: 1,
		Name:   "Option",
		Variants: []ast.EnumVariant{
			{Name: "None", PayloadN: 0},
			{Name: "Some", PayloadN: 1},
		},
	}
	lit := &ast.ExprStmt{
		LineNo: 2,
		X: &ast.EnumLit{
			LineNo:  2,
			Enum:    "Option",
			Variant: "Some",
			Payload: []ast.Expr{&ast.IntLit{LineNo: 2, Value: 9}},
		},
	}

	chunk, err := Compile(program(decl, lit))
	require.NoError(t, err)
	require.NotNil(t, chunk)
}

// TestCompileImplBlockBindsQualifiedMethodName exercises compileImplBlock:
// each method is bound under "Type::method" and independently callable.
func TestCompileImplBlockBindsQualifiedMethodName(t *testing.T) {
	structDecl := &ast.StructDecl{LineNo: 1, Name: "Box", Fields: []ast.FieldDecl{{Name: "n"}}}
	impl := &ast.ImplBlock{
		LineNo:   2,
		TypeName: "Box",
		Methods: []*ast.FnDecl{
			{
				LineNo: 2,
				Name:   "answer",
				Body: &ast.BlockStmt{
					LineNo: 2,
					Stmts: []ast.Stmt{
						&ast.ReturnStmt{LineNo: 2, Value: &ast.IntLit{LineNo: 2, Value: 42}},
					},
				},
			},
		},
	}
	call := &ast.ExprStmt{
		LineNo: 3,
		X: &ast.CallExpr{
			LineNo: 3,
			Callee: &ast.Ident{LineNo: 3, Name: "Box::answer"},
		},
	}

	chunk, err := Compile(program(structDecl, impl, call))
	require.NoError(t, err)

	result, err := vm.NewVM().Run(chunk)
	require.NoError(t, err)
	require.Equal(t, int64(42), result.AsInt())
}

// TestCompileTestDeclBindsSyntheticGlobal exercises compileTestDecl's
// "test::Name" binding convention, letting a host enumerate test chunks
// without a separate AST pass.
func TestCompileTestDeclBindsSyntheticGlobal(t *testing.T) {
	td := &ast.TestDecl{
		LineNo: 1,
		Name:   "addsUp",
		Body: &ast.BlockStmt{
			LineNo: 1,
			Stmts: []ast.Stmt{
				&ast.ReturnStmt{LineNo: 1, Value: &ast.BoolLit{LineNo: 1, Value: true}},
			},
		},
	}

	chunk, err := Compile(program(td))
	require.NoError(t, err)

	v := vm.NewVM()
	_, err = v.Run(chunk)
	require.NoError(t, err)

	fn, ok := v.Globals.GetByName("test::addsUp")
	require.True(t, ok, "compileTestDecl must bind its chunk under a test:: prefixed global")
	require.False(t, fn.IsNil())
}

// TestCompileTraitDeclIsInertAtRuntime confirms a trait declaration lowers
// to no bytecode and compiles alongside other items without error (spec §1:
// trait bodies carry no core-runtime behavior).
func TestCompileTraitDeclIsInertAtRuntime(t *testing.T) {
	trait := &ast.TraitDecl{LineNo: 1, Name: "Describable", Methods: []string{"describe"}}
	expr := &ast.ExprStmt{LineNo: 2, X: &ast.IntLit{LineNo: 2, Value: 1}}

	chunk, err := Compile(program(trait, expr))
	require.NoError(t, err)

	result, err := vm.NewVM().Run(chunk)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.AsInt())
}

func TestCompileUnsupportedItemProducesError(t *testing.T) {
	chunk, err := Compile(program(unsupportedItem{}))
	require.Error(t, err)
	require.NotNil(t, chunk, "Compile must still return a chunk alongside the first recorded error")
}

// unsupportedItem satisfies ast.Item without matching any case in
// compileItem's type switch, exercising its default branch.
type unsupportedItem struct{}

func (unsupportedItem) itemNode()  {}
func (unsupportedItem) Line() int  { return 1 }
