package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondErrors(t *testing.T) {
	tests := []string{
		"sometimes()",
		"success",
		"success() &&",
		"(success()",
		"event()",
		"success() extra",
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseCond(expr)
			assert.Error(t, err)
		})
	}
}

func TestCondEval(t *testing.T) {
	tests := []struct {
		expr string
		ctx  CondContext
		want bool
	}{
		{"success()", CondContext{}, true},
		{"success()", CondContext{Failed: true}, false},
		{"success()", CondContext{Cancelled: true}, false},
		{"failure()", CondContext{Failed: true}, true},
		{"failure()", CondContext{}, false},
		{"cancelled()", CondContext{Cancelled: true}, true},
		{"always()", CondContext{Failed: true, Cancelled: true}, true},
		{"success() || failure()", CondContext{Failed: true}, true},
		{"!failure()", CondContext{}, true},
		{"event(push)", CondContext{EventKind: "push"}, true},
		{"event('push')", CondContext{EventKind: "pull_request"}, false},
		{"branch(main)", CondContext{Branch: "main"}, true},
		{"branch(rel-*)", CondContext{Branch: "rel-2"}, true},
		{"event(push) && branch(main)", CondContext{EventKind: "push", Branch: "main"}, true},
		{"event(push) && branch(main)", CondContext{EventKind: "push", Branch: "dev"}, false},
		{"!(failure() || cancelled())", CondContext{}, true},
		{"failure() && event(pull_request)", CondContext{Failed: true, EventKind: "pull_request"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cond, err := ParseCond(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cond.Eval(tt.ctx))
		})
	}
}

func TestCondDefault(t *testing.T) {
	cond, err := ParseCond("")
	require.NoError(t, err)

	assert.True(t, cond.Eval(CondContext{}))
	assert.False(t, cond.Eval(CondContext{Failed: true}))
	assert.False(t, cond.Eval(CondContext{Cancelled: true}))
}
