package config

import (
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"strings"
)

// EvalIntExpr parses and evaluates an integer-valued Go constant expression,
// e.g. "10 * 5" or "3600" (spec.md §4.9/§6: "integer-valued options
// parseable (expressions permitted)"). An empty string evaluates to 0.
func EvalIntExpr(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	expr, err := parser.ParseExpr(s)
	if err != nil {
		return 0, fmt.Errorf("not a valid expression: %v", err)
	}
	val, err := evalConst(expr)
	if err != nil {
		return 0, err
	}
	val = constant.ToInt(val)
	if val.Kind() != constant.Int {
		return 0, fmt.Errorf("expression %q did not evaluate to an integer", s)
	}
	i64, exact := constant.Int64Val(val)
	if !exact {
		return 0, fmt.Errorf("expression %q did not evaluate to an integer", s)
	}
	return int(i64), nil
}

func evalConst(expr ast.Expr) (constant.Value, error) {
	switch e := expr.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal kind %v", e.Kind)
		}
		return constant.MakeFromLiteral(e.Value, e.Kind, 0), nil
	case *ast.ParenExpr:
		return evalConst(e.X)
	case *ast.UnaryExpr:
		x, err := evalConst(e.X)
		if err != nil {
			return nil, err
		}
		return constant.UnaryOp(e.Op, x, 0), nil
	case *ast.BinaryExpr:
		x, err := evalConst(e.X)
		if err != nil {
			return nil, err
		}
		y, err := evalConst(e.Y)
		if err != nil {
			return nil, err
		}
		return constant.BinaryOp(x, e.Op, y), nil
	default:
		return nil, fmt.Errorf("unsupported expression syntax %T", expr)
	}
}
