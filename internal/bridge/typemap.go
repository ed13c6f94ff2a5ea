package bridge

import (
	"fmt"
	"reflect"

	"github.com/speccheck/speccheck/internal/types"
)

// abstractType maps a reflected Go type onto the shared type vocabulary.
// Anything without a clean mapping degrades to "any" rather than inventing
// a label the contract side could never declare.
func abstractType(t reflect.Type) string {
	if t == nil {
		return types.TypeVoid
	}
	switch t.Kind() {
	case reflect.String:
		return types.TypeString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return types.TypeInteger
	case reflect.Float32, reflect.Float64:
		return types.TypeFloat
	case reflect.Bool:
		return types.TypeBoolean
	case reflect.Slice, reflect.Array:
		return "list<" + abstractType(t.Elem()) + ">"
	case reflect.Map:
		return "map<" + abstractType(t.Key()) + "," + abstractType(t.Elem()) + ">"
	case reflect.Ptr:
		return abstractType(t.Elem())
	case reflect.Interface:
		return types.TypeAny
	default:
		return types.TypeAny
	}
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// methodSignature reflects one method into an observed signature.
// Parameter names are not available through reflection, so observed params
// carry types only; comparison never relies on names.
func methodSignature(name string, m reflect.Type) types.OperationSignature {
	sig := types.OperationSignature{Name: name}

	// NumIn includes the receiver for methods obtained from a type; the
	// callers here always pass a func type from Method.Func-free lookup
	// (Value.Method), which excludes it.
	for i := 0; i < m.NumIn(); i++ {
		sig.Params = append(sig.Params, types.Param{Type: abstractType(m.In(i))})
	}

	switch m.NumOut() {
	case 0:
		sig.ReturnType = types.TypeVoid
	case 1:
		if m.Out(0) == errType {
			sig.ReturnType = types.TypeVoid
		} else {
			sig.ReturnType = abstractType(m.Out(0))
		}
	case 2:
		// The (T, error) idiom maps to T
		if m.Out(1) == errType {
			sig.ReturnType = abstractType(m.Out(0))
		} else {
			sig.ReturnType = types.TypeAny
		}
	default:
		sig.ReturnType = types.TypeAny
	}
	return sig
}

// coerceArg converts a loosely-typed argument (typically decoded JSON) into
// the concrete type a reflected call expects.
func coerceArg(arg any, want reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(want), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if v.Type().ConvertibleTo(want) {
		// JSON numbers arrive as float64; allow lossless-enough numeric
		// conversion for invocation purposes
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, want)
}
