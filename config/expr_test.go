package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalIntExprLiteral(t *testing.T) {
	n, err := EvalIntExpr("42")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestEvalIntExprArithmetic(t *testing.T) {
	n, err := EvalIntExpr("10 * 5")
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	n, err = EvalIntExpr("(2 + 3) * 4")
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestEvalIntExprEmpty(t *testing.T) {
	n, err := EvalIntExpr("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEvalIntExprNegative(t *testing.T) {
	n, err := EvalIntExpr("-5 + 2")
	require.NoError(t, err)
	assert.Equal(t, -3, n)
}

func TestEvalIntExprInvalidSyntax(t *testing.T) {
	_, err := EvalIntExpr("not an expression + +")
	assert.Error(t, err)
}

func TestEvalIntExprNonInteger(t *testing.T) {
	_, err := EvalIntExpr("1.5")
	assert.Error(t, err)
}
