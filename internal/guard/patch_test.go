package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

func TestMergePatch(t *testing.T) {
	current := model.Object{
		"name":    model.String("A"),
		"phone":   model.String("111"),
		"address": model.Object{"city": model.String("X"), "zip": model.String("1")},
	}
	patch := model.Object{
		"phone":   model.Null{},
		"class":   model.String("c1"),
		"address": model.Object{"zip": model.String("2")},
	}

	got := MergePatch(current, patch)

	assert.Equal(t, model.Object{
		"name":    model.String("A"),
		"class":   model.String("c1"),
		"address": model.Object{"city": model.String("X"), "zip": model.String("2")},
	}, got)

	// current is untouched.
	assert.Equal(t, model.String("111"), current["phone"])
	assert.Equal(t, model.String("1"), current["address"].(model.Object)["zip"])
}

func TestMergePatch_NilCurrent(t *testing.T) {
	got := MergePatch(nil, model.Object{"a": model.Int(1), "b": model.Null{}})
	assert.Equal(t, model.Object{"a": model.Int(1)}, got)
}
