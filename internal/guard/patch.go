package guard

import "github.com/yyupcompany/kyyupgame-sub087/internal/model"

// MergePatch applies patch to current and returns the result. Fields in
// patch overwrite fields in current, a Null removes the field, and nested
// objects are merged recursively. current is not modified.
func MergePatch(current, patch model.Object) model.Object {
	out := current.Clone()
	for k, v := range patch {
		switch pv := v.(type) {
		case model.Null:
			delete(out, k)
		case model.Object:
			if cur, ok := out[k].(model.Object); ok {
				out[k] = MergePatch(cur, pv)
			} else {
				out[k] = MergePatch(nil, pv)
			}
		default:
			out[k] = v
		}
	}
	return out
}

// PatchMutation returns a Mutation that merges patch into the current
// payload.
func PatchMutation(patch model.Object) Mutation[model.Object] {
	return func(current model.Object) (model.Object, error) {
		return MergePatch(current, patch), nil
	}
}
