package curator

import (
	"encoding/hex"
	"reflect"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			for j := i; j < n; j++ {
				data[j]++
			}
			return true
		}
	}
	return false
}

// isNil reports absent values: untyped nil and nil pointers, maps, slices,
// interfaces, channels and funcs.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

