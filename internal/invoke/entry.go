package invoke

import (
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
)

var (
	intType    = reflect.TypeOf(0)
	stringType = reflect.TypeOf("")
)

// Validate checks that fn returns int or a receivable chan int and takes
// only string parameters.
func Validate(fn any) error {
	_, err := entryValue(fn)
	return err
}

func entryValue(fn any) (reflect.Value, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		return reflect.Value{}, &SignatureError{Reason: "nil entry"}
	}
	if v.Kind() != reflect.Func {
		return reflect.Value{}, &SignatureError{Reason: fmt.Sprintf("%s is not a function", v.Type())}
	}
	if v.IsNil() {
		return reflect.Value{}, &SignatureError{Reason: "nil function"}
	}
	name := funcName(v)
	t := v.Type()
	if t.IsVariadic() {
		return reflect.Value{}, &SignatureError{Name: name, Reason: "variadic parameters are not supported"}
	}
	for i := 0; i < t.NumIn(); i++ {
		if t.In(i) != stringType {
			return reflect.Value{}, &SignatureError{Name: name, Reason: fmt.Sprintf("parameter %d is %s, want string", i, t.In(i))}
		}
	}
	if t.NumOut() != 1 || !isResultType(t.Out(0)) {
		return reflect.Value{}, &SignatureError{Name: name, Reason: fmt.Sprintf("returns %s, want int or <-chan int", outs(t))}
	}
	return v, nil
}

func isResultType(t reflect.Type) bool {
	if t == intType {
		return true
	}
	return t.Kind() == reflect.Chan && t.ChanDir()&reflect.RecvDir != 0 && t.Elem() == intType
}

func outs(t reflect.Type) string {
	parts := make([]string, t.NumOut())
	for i := range parts {
		parts[i] = t.Out(i).String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func funcName(v reflect.Value) string {
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return ""
}

// splitName turns "example.com/pkg.(*T).M" into ("example.com/pkg", "(*T).M").
func splitName(full string) (typeName, methodName string) {
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return full, ""
	}
	dot += slash + 1
	return full[:dot], full[dot+1:]
}

type registry struct {
	mu      sync.RWMutex
	entries map[string]reflect.Value
}

var entries = &registry{entries: make(map[string]reflect.Value)}

// Register adds fns to the process registry under their runtime names. A
// child process resolves requests against this registry, so the same
// entries must be registered on both sides.
func Register(fns ...any) error {
	for _, fn := range fns {
		v, err := entryValue(fn)
		if err != nil {
			return err
		}
		entries.mu.Lock()
		entries.entries[funcName(v)] = v
		entries.mu.Unlock()
	}
	return nil
}

func MustRegister(fns ...any) {
	if err := Register(fns...); err != nil {
		panic(err)
	}
}

// Lookup resolves a registered entry.
func Lookup(typeName, methodName string) (any, bool) {
	v, ok := lookup(typeName, methodName)
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

func lookup(typeName, methodName string) (reflect.Value, bool) {
	entries.mu.RLock()
	defer entries.mu.RUnlock()
	v, ok := entries.entries[typeName+"."+methodName]
	return v, ok
}

// Registered lists registered entry names in sorted order.
func Registered() []string {
	entries.mu.RLock()
	names := make([]string, 0, len(entries.entries))
	for name := range entries.entries {
		names = append(names, name)
	}
	entries.mu.RUnlock()
	sort.Strings(names)
	return names
}

// call runs a validated entry. A panic or an async entry that closes
// without a value reports exit code 1.
func call(v reflect.Value, args []string) (code int, err error) {
	t := v.Type()
	if len(args) != t.NumIn() {
		return 1, fmt.Errorf("invoke: %s takes %d args, got %d", funcName(v), t.NumIn(), len(args))
	}
	defer func() {
		if r := recover(); r != nil {
			code = 1
			err = fmt.Errorf("invoke: %s panicked: %v\n%s", funcName(v), r, debug.Stack())
		}
	}()

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}
	out := v.Call(in)[0]
	if out.Kind() == reflect.Int {
		return int(out.Int()), nil
	}
	if out.IsNil() {
		return 1, fmt.Errorf("invoke: %s returned a nil channel", funcName(v))
	}
	got, ok := out.Recv()
	if !ok {
		return 1, fmt.Errorf("invoke: %s closed its result channel without a value", funcName(v))
	}
	return int(got.Int()), nil
}
