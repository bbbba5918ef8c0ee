package lens

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/tools/go/ast/astutil"
)

const (
	// LensImportPath is the import path instrumented files reference.
	LensImportPath = "github.com/PatchLens/go-trace-lens/lens"
	// IgnoreMarker in a function doc comment excludes the function from instrumentation.
	IgnoreMarker = "lens:ignore"

	lensPackageName       = "lens"
	lensPackageAlias      = "lenSyntheticLens" // used when "lens" is taken within the file
	syntheticCallName     = "lenSyntheticCall"
	syntheticResultPrefix = "lenSyntheticR"
	forwardFuncName       = "ForwardFromEnv"
	backupFileSuffix      = ".bkp"
	instrumentedDiffLabel = " (instrumented)"
)

var instrumentFileLock = newDefaultStripedMutex()

// Instrumenter rewrites Go source so every function with a body reports its calls:
//
//	func (s *Service) run(id int) (err error) {
//		lenSyntheticCall := lens.Enter(lens.Arg("s", s), lens.Arg("id", id))
//		defer lenSyntheticCall.Exit()
//		defer func() { lenSyntheticCall.Return(err) }()
//		...
//
// Unnamed results are named lenSyntheticR0, lenSyntheticR1, ... so their values can be reported.
// The main function of a main package additionally starts with "defer lens.ForwardFromEnv()()" so
// that the program forwards its events to a monitor. Rewrites are held in memory until Commit, which
// backs up each original to a ".bkp" file that Restore puts back.
type Instrumenter struct {
	cleanupLock    sync.Mutex
	cleanupActions []func() error
	fileNodeMap    sync.Map
	commitLock     sync.Mutex
	commitActions  map[string]func(*bytes.Buffer) error
	funcCount      atomic.Int64
	packageNames   sync.Map // directory and package to the names declared in the package block
}

type parsedFile struct {
	fset *token.FileSet
	file *ast.File
}

// FunctionCount returns the number of functions instrumented so far.
func (m *Instrumenter) FunctionCount() int {
	return int(m.funcCount.Load())
}

// Restore puts the original files back in place of committed rewrites.
func (m *Instrumenter) Restore() error {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	var errs []error
	for _, f := range m.cleanupActions {
		errs = append(errs, f())
	}
	m.cleanupActions = m.cleanupActions[:0] // clear completed actions
	return errors.Join(errs...)
}

// RestoreDir puts back every ".bkp" original found under dir, for rewrites committed by an earlier
// process.
func RestoreDir(dir string) (int, error) {
	var restored int
	var errs []error
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		} else if d.IsDir() || !strings.HasSuffix(path, ".go"+backupFileSuffix) {
			return nil
		}
		if err := replaceFile(path, strings.TrimSuffix(path, backupFileSuffix)); err != nil {
			errs = append(errs, err)
		} else {
			restored++
		}
		return nil
	})
	return restored, errors.Join(append(errs, err)...)
}

func (m *Instrumenter) addCleanupAction(f func() error) {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	m.cleanupActions = append(m.cleanupActions, f)
}

// loadParsedFileNode provides the currently parsed file.
// The file lock must be held before invoking, and until fileNode changes are done.
func (m *Instrumenter) loadParsedFileNode(filepath string) (*token.FileSet, *ast.File, error) {
	file, ok := m.fileNodeMap.Load(filepath)
	if ok {
		pf := file.(*parsedFile)
		return pf.fset, pf.file, nil
	}

	fset := token.NewFileSet()
	fileNode, err := parser.ParseFile(fset, filepath, nil, parser.ParseComments)
	if err != nil {
		return nil, nil, fmt.Errorf("ast parse failure %s: %w", filepath, err)
	}
	m.fileNodeMap.Store(filepath, &parsedFile{
		fset: fset,
		file: fileNode,
	})
	return fset, fileNode, nil
}

func (m *Instrumenter) addCommitAction(filepath string, fset *token.FileSet, fileNode *ast.File) {
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	if m.commitActions == nil {
		m.commitActions = make(map[string]func(*bytes.Buffer) error)
	}
	m.commitActions[filepath] = func(buf *bytes.Buffer) error {
		buf.Reset()
		if err := format.Node(buf, fset, fileNode); err != nil {
			return fmt.Errorf("ast format failure %s: %w", filepath, err)
		} else if err := m.backupOrigFile(filepath); err != nil {
			return err
		} else if err := os.WriteFile(filepath, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("ast write failure %s: %w", filepath, err)
		}
		return nil
	}
}

// backupOrigFile will copy the file to a .bkp file if one does not already exist.
func (m *Instrumenter) backupOrigFile(filepath string) error {
	bkpFile := filepath + backupFileSuffix
	if !FileExists(bkpFile) {
		if err := CopyFile(filepath, bkpFile); err != nil {
			return fmt.Errorf("ast backup failure: %w", err)
		}
		m.addCleanupAction(func() error {
			return replaceFile(bkpFile, filepath)
		})
	}
	return nil
}

// PendingFiles returns the number of files with uncommitted rewrites.
func (m *Instrumenter) PendingFiles() int {
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	return len(m.commitActions)
}

// PendingPaths returns the sorted paths of files with uncommitted rewrites.
func (m *Instrumenter) PendingPaths() []string {
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	paths := slices.Collect(maps.Keys(m.commitActions))
	slices.Sort(paths)
	return paths
}

// Commit flushes all pending rewrites to disk.
func (m *Instrumenter) Commit() error {
	errGroup := ErrGroupLimitCPU()
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	for _, action := range m.commitActions {
		errGroup.Go(func() error {
			var buf bytes.Buffer
			return action(&buf)
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err
	}
	m.commitActions = nil // set to nil to allow GC
	m.fileNodeMap.Clear()
	return nil
}

// Diff returns a unified diff between the file on disk and its pending rewrite, empty when the file
// has no pending rewrite.
func (m *Instrumenter) Diff(filePath string) (string, error) {
	lock := instrumentFileLock.Lock(filePath)
	defer lock.Unlock()
	file, ok := m.fileNodeMap.Load(filePath)
	if !ok {
		return "", nil
	}
	pf := file.(*parsedFile)
	var buf bytes.Buffer
	if err := format.Node(&buf, pf.fset, pf.file); err != nil {
		return "", fmt.Errorf("ast format failure %s: %w", filePath, err)
	}
	orig, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(orig)),
		B:        difflib.SplitLines(buf.String()),
		FromFile: filePath,
		ToFile:   filePath + instrumentedDiffLabel,
		Context:  3,
	})
}

// InstrumentDir instruments every non-test Go file under dir, skipping vendor, testdata, and hidden
// directories, and any path for which skip returns true.
func (m *Instrumenter) InstrumentDir(dir string, skip func(path string) bool) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && (name == "vendor" || name == "testdata" ||
				strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			} else if skip != nil && path != dir && skip(path) {
				return filepath.SkipDir
			}
			return nil
		} else if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			return nil
		} else if skip != nil && skip(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return 0, err
	}

	var count atomic.Int64
	errGroup := ErrGroupLimitCPU()
	for _, file := range files {
		errGroup.Go(func() error {
			n, err := m.InstrumentFile(file)
			count.Add(int64(n))
			return err
		})
	}
	err = errGroup.Wait()
	return int(count.Load()), err
}

// InstrumentFile rewrites every function with a body in the file, returning the number of functions
// instrumented. Functions marked with IgnoreMarker and functions already instrumented are skipped.
func (m *Instrumenter) InstrumentFile(filePath string) (int, error) {
	lock := instrumentFileLock.Lock(filePath)
	defer lock.Unlock()

	fset, fileNode, err := m.loadParsedFileNode(filePath)
	if err != nil {
		return 0, err
	}

	pkgName := lensPackageName
	if fileDeclaresName(fileNode, lensPackageName) ||
		m.packageDeclaresName(filepath.Dir(filePath), fileNode.Name.Name, lensPackageName) {
		pkgName = lensPackageAlias
	}
	var count int
	for _, decl := range fileNode.Decls {
		funcDecl, ok := decl.(*ast.FuncDecl)
		if !ok || funcDecl.Body == nil || hasLensMarker(funcDecl, IgnoreMarker) || isInstrumented(funcDecl) {
			continue
		}
		instrumentFunc(funcDecl, pkgName)
		if fileNode.Name.Name == "main" && funcDecl.Recv == nil && funcDecl.Name.Name == "main" {
			// defer lens.ForwardFromEnv()()
			forward := &ast.DeferStmt{Call: &ast.CallExpr{Fun: lensCallExpr(pkgName, forwardFuncName)}}
			funcDecl.Body.List = append([]ast.Stmt{forward}, funcDecl.Body.List...)
		}
		count++
	}
	if count == 0 {
		return 0, nil
	}
	if pkgName == lensPackageName {
		astutil.AddImport(fset, fileNode, LensImportPath)
	} else {
		astutil.AddNamedImport(fset, fileNode, pkgName, LensImportPath)
	}
	m.addCommitAction(filePath, fset, fileNode)
	m.funcCount.Add(int64(count))
	return count, nil
}

func hasLensMarker(funcDecl *ast.FuncDecl, marker string) bool {
	if funcDecl.Doc == nil {
		return false
	}
	for _, c := range funcDecl.Doc.List {
		if strings.Contains(c.Text, marker) {
			return true
		}
	}
	return false
}

// isInstrumented looks for the Enter assignment within the leading statements, main functions carry
// the forwarding defer first.
func isInstrumented(funcDecl *ast.FuncDecl) bool {
	for _, stmt := range funcDecl.Body.List[:min(2, len(funcDecl.Body.List))] {
		assign, ok := stmt.(*ast.AssignStmt)
		if !ok || len(assign.Lhs) != 1 {
			continue
		}
		if ident, ok := assign.Lhs[0].(*ast.Ident); ok && ident.Name == syntheticCallName {
			return true
		}
	}
	return false
}

// fileDeclaresName reports if name is used for a declaration, parameter or import in the file.
func fileDeclaresName(f *ast.File, name string) bool {
	var found bool
	ast.Inspect(f, func(n ast.Node) bool {
		if found {
			return false
		}
		switch node := n.(type) {
		case *ast.Ident:
			if node.Name == name && node.Obj != nil {
				found = true
			}
		case *ast.ImportSpec:
			if node.Name != nil && node.Name.Name == name {
				found = true
			}
		}
		return !found
	})
	return found
}

// packageDeclaresName reports if a package level declaration of name exists in any file of package
// pkgName within dir. Such a declaration conflicts with an import of the same name in every file.
func (m *Instrumenter) packageDeclaresName(dir, pkgName, name string) bool {
	key := dir + string(filepath.ListSeparator) + pkgName
	if names, ok := m.packageNames.Load(key); ok {
		return names.(map[string]bool)[name]
	}

	names := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") {
			continue
		}
		// parsed from disk, the in memory nodes may be rewritten concurrently
		f, err := parser.ParseFile(token.NewFileSet(), filepath.Join(dir, entry.Name()), nil, parser.SkipObjectResolution)
		if err != nil || f.Name.Name != pkgName {
			continue
		}
		for _, declName := range packageLevelNames(f) {
			names[declName] = true
		}
	}
	actual, _ := m.packageNames.LoadOrStore(key, names)
	return actual.(map[string]bool)[name]
}

// packageLevelNames lists the names a file declares in the package block.
func packageLevelNames(f *ast.File) []string {
	var names []string
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				names = append(names, d.Name.Name)
			}
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch sp := spec.(type) {
				case *ast.ValueSpec:
					for _, n := range sp.Names {
						names = append(names, n.Name)
					}
				case *ast.TypeSpec:
					names = append(names, sp.Name.Name)
				}
			}
		}
	}
	return names
}

func instrumentFunc(funcDecl *ast.FuncDecl, pkgName string) {
	var params []ast.Expr
	if funcDecl.Recv != nil {
		params = append(params, paramExprs(funcDecl.Recv, pkgName)...)
	}
	params = append(params, paramExprs(funcDecl.Type.Params, pkgName)...)

	// lenSyntheticCall := lens.Enter(lens.Arg("x", x), ...)
	stmts := []ast.Stmt{
		&ast.AssignStmt{
			Lhs: []ast.Expr{ast.NewIdent(syntheticCallName)},
			Tok: token.DEFINE,
			Rhs: []ast.Expr{lensCallExpr(pkgName, "Enter", params...)},
		},
		// defer lenSyntheticCall.Exit()
		&ast.DeferStmt{Call: syntheticMethodCall("Exit")},
	}
	// defer func() { lenSyntheticCall.Return(r1, r2) }()
	nameResults(funcDecl.Type.Results)
	if results := namedResults(funcDecl.Type.Results); len(results) > 0 {
		stmts = append(stmts, &ast.DeferStmt{
			Call: &ast.CallExpr{
				Fun: &ast.FuncLit{
					Type: &ast.FuncType{Params: &ast.FieldList{}},
					Body: &ast.BlockStmt{List: []ast.Stmt{
						&ast.ExprStmt{X: syntheticMethodCall("Return", results...)},
					}},
				},
			},
		})
	}
	funcDecl.Body.List = append(stmts, funcDecl.Body.List...)
}

func lensCallExpr(pkgName, fn string, args ...ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{
		Fun:  &ast.SelectorExpr{X: ast.NewIdent(pkgName), Sel: ast.NewIdent(fn)},
		Args: args,
	}
}

func syntheticMethodCall(method string, args ...ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{
		Fun:  &ast.SelectorExpr{X: ast.NewIdent(syntheticCallName), Sel: ast.NewIdent(method)},
		Args: args,
	}
}

// paramExprs builds the parameter bindings, unnamed and blank parameters are not bound.
func paramExprs(fields *ast.FieldList, pkgName string) []ast.Expr {
	if fields == nil {
		return nil
	}
	var exprs []ast.Expr
	for _, field := range fields.List {
		ctor := "Arg"
		if _, variadic := field.Type.(*ast.Ellipsis); variadic {
			ctor = "VarArgs"
		}
		for _, name := range field.Names {
			if name.Name == "_" {
				continue
			}
			exprs = append(exprs, lensCallExpr(pkgName, ctor,
				&ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(name.Name)},
				ast.NewIdent(name.Name)))
		}
	}
	return exprs
}

// nameResults gives unnamed and blank results synthetic names so that the deferred Return can report
// them. Unnamed results can not be set by a bare return and a blank result always holds its zero
// value, so the function behaves the same.
func nameResults(fields *ast.FieldList) {
	if fields == nil {
		return
	}
	var i int
	for _, field := range fields.List {
		if len(field.Names) == 0 {
			field.Names = []*ast.Ident{ast.NewIdent(syntheticResultPrefix + strconv.Itoa(i))}
			i++
			continue
		}
		for j, name := range field.Names {
			if name.Name == "_" {
				field.Names[j] = ast.NewIdent(syntheticResultPrefix + strconv.Itoa(i))
			}
			i++
		}
	}
}

// namedResults returns the result identifiers, nil when results are unnamed or any is blank.
func namedResults(fields *ast.FieldList) []ast.Expr {
	if fields == nil {
		return nil
	}
	var exprs []ast.Expr
	for _, field := range fields.List {
		if len(field.Names) == 0 {
			return nil
		}
		for _, name := range field.Names {
			if name.Name == "_" {
				return nil
			}
			exprs = append(exprs, ast.NewIdent(name.Name))
		}
	}
	return exprs
}
