package domain

import (
	"encoding/json"
	"reflect"
	"strings"
)

// EstimateSize returns the length in bytes of v's JSON encoding, tolerating
// cyclic object graphs: a back-reference to an ancestor is encoded as the
// string "[Circular]" instead of failing the whole estimate. Values that
// still cannot be encoded estimate to 0.
func EstimateSize(v any) int {
	raw, err := MarshalCycleSafe(v)
	if err != nil {
		return 0
	}
	return len(raw)
}

// MarshalCycleSafe encodes v as JSON with an ancestor-tracking replacer:
// any pointer, map, or slice already on the current ancestor chain is
// replaced by "[Circular]".
func MarshalCycleSafe(v any) ([]byte, error) {
	return json.Marshal(decycle(reflect.ValueOf(v), map[uintptr]bool{}))
}

// decycle deep-copies v into plain JSON-encodable values, substituting
// "[Circular]" for containers already present on the ancestor chain.
// The chain is tracked by container address and unwound after each visit,
// so shared (diamond) references that are not cycles survive intact.
func decycle(v reflect.Value, ancestors map[uintptr]bool) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return decycle(v.Elem(), ancestors)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if ancestors[addr] {
			return "[Circular]"
		}
		ancestors[addr] = true
		out := decycle(v.Elem(), ancestors)
		delete(ancestors, addr)
		return out

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if ancestors[addr] {
			return "[Circular]"
		}
		ancestors[addr] = true
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = decycle(iter.Value(), ancestors)
		}
		delete(ancestors, addr)
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		addr := v.Pointer()
		if ancestors[addr] {
			return "[Circular]"
		}
		ancestors[addr] = true
		out := decycleSeq(v, ancestors)
		delete(ancestors, addr)
		return out

	case reflect.Array:
		return decycleSeq(v, ancestors)

	case reflect.Struct:
		return decycleStruct(v, ancestors)

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil

	default:
		return v.Interface()
	}
}

func decycleSeq(v reflect.Value, ancestors map[uintptr]bool) []any {
	out := make([]any, v.Len())
	for i := range v.Len() {
		out[i] = decycle(v.Index(i), ancestors)
	}
	return out
}

// decycleStruct walks exported fields, honoring json tag names, "-",
// and omitempty closely enough for a size estimate.
func decycleStruct(v reflect.Value, ancestors map[uintptr]bool) map[string]any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		omitempty := false
		if tag, ok := field.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" && len(parts) == 1 {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitempty = true
				}
			}
		}
		fv := v.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}
		out[name] = decycle(fv, ancestors)
	}
	return out
}

func mapKey(v reflect.Value) string {
	if s, ok := v.Interface().(string); ok {
		return s
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return ""
	}
	return strings.Trim(string(raw), `"`)
}
