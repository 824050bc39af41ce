package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/registry"
	"github.com/mstream-dev/mstream/go/schema"
	"github.com/mstream-dev/mstream/go/source"
)

// Execution budgets for one transform call. Scripts are user input; the
// budgets keep a runaway script from wedging a pipeline.
const (
	DefaultMaxOps  = 1_000_000
	DefaultTimeout = 5 * time.Second
)

// Lua runs a user transform script against each event. The script defines
//
//	function transform(input, attributes)
//	  return result(input)              -- keep, payload unchanged
//	end
//
// where input is the payload as a string and attributes a table. It may
// return result(data), result(data, attributes), nil or result(nil) to
// drop, or an array of results to split the event. Returning a table as
// data JSON-encodes it. json_encode and json_decode helpers are in scope;
// io, os, and module loading are not.
//
// The compiled script is shared; every Apply runs in a fresh, sandboxed
// VM, so instances are safe for concurrent use.
type Lua struct {
	name    string
	proto   *lua.FunctionProto
	output  encoding.Encoding
	schema  *schema.Schema
	maxOps  int64
	timeout time.Duration
}

func NewLua(script *registry.UDFScript, output encoding.Encoding, sch *schema.Schema) (*Lua, error) {
	var chunk, err = parse.Parse(strings.NewReader(script.Source), script.Name)
	if err != nil {
		return nil, fmt.Errorf("parsing udf %s: %w", script.Name, err)
	}
	proto, err := lua.Compile(chunk, script.Name)
	if err != nil {
		return nil, fmt.Errorf("compiling udf %s: %w", script.Name, err)
	}

	var m = &Lua{
		name:    script.Name,
		proto:   proto,
		output:  output,
		schema:  sch,
		maxOps:  int64(script.MaxOps),
		timeout: script.Timeout,
	}
	if m.maxOps <= 0 {
		m.maxOps = DefaultMaxOps
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	return m, nil
}

func (m *Lua) Name() string { return m.name }

func (m *Lua) Apply(ctx context.Context, ev source.Event) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var budget = newOpBudget(ctx, m.maxOps)

	var L = lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	if err := m.install(L); err != nil {
		return Decision{}, fmt.Errorf("preparing udf %s: %w", m.name, err)
	}
	L.SetContext(budget)

	if err := L.CallByParam(lua.P{Fn: L.NewFunctionFromProto(m.proto), NRet: 0, Protect: true}); err != nil {
		return Decision{}, m.mapErr("loading", budget, ctx, err)
	}
	var transform = L.GetGlobal("transform")
	if transform.Type() != lua.LTFunction {
		return Decision{}, fmt.Errorf("udf %s defines no transform function", m.name)
	}

	var attrs = L.NewTable()
	for k, v := range ev.Attributes {
		attrs.RawSetString(k, lua.LString(v))
	}
	if err := L.CallByParam(lua.P{Fn: transform, NRet: 1, Protect: true}, lua.LString(ev.Payload), attrs); err != nil {
		return Decision{}, m.mapErr("running", budget, ctx, err)
	}
	var ret = L.Get(-1)
	L.Pop(1)
	return m.decide(ev, ret)
}

func (m *Lua) mapErr(stage string, budget *opBudget, ctx context.Context, err error) error {
	if budget.exhausted {
		return fmt.Errorf("%w: %s used over %d ops", ErrLimitExceeded, m.name, m.maxOps)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s ran over %s", ErrLimitExceeded, m.name, m.timeout)
	}
	return fmt.Errorf("%s udf %s: %w", stage, m.name, err)
}

// install opens the safe library subset and the transform helpers.
func (m *Lua) install(L *lua.LState) error {
	var libs = []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return err
		}
	}
	// Close the trapdoors to the host.
	for _, g := range []string{"require", "package", "dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(g, lua.LNil)
	}

	L.SetGlobal("result", L.NewFunction(func(L *lua.LState) int {
		var res = L.NewTable()
		res.RawSetString("__result", lua.LTrue)
		res.RawSetString("data", L.Get(1))
		if L.GetTop() >= 2 {
			res.RawSetString("attributes", L.Get(2))
		}
		L.Push(res)
		return 1
	}))
	L.SetGlobal("json_encode", L.NewFunction(jsonEncode))
	L.SetGlobal("json_decode", L.NewFunction(jsonDecode))
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		var parts []string
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.Get(i).String())
		}
		log.WithField("udf", m.name).Debug(strings.Join(parts, " "))
		return 0
	}))
	return nil
}

// decide interprets the transform's return value.
func (m *Lua) decide(ev source.Event, ret lua.LValue) (Decision, error) {
	if ret == lua.LNil {
		return Drop(), nil
	}
	var tbl, ok = ret.(*lua.LTable)
	if !ok {
		return Decision{}, fmt.Errorf("udf %s returned %s; want result(...)", m.name, ret.Type())
	}

	if tbl.RawGetString("__result") == lua.LTrue {
		var out, err = m.eventFromResult(ev, tbl)
		if err != nil {
			return Decision{}, err
		}
		if out == nil {
			return Drop(), nil
		}
		return Keep(*out), nil
	}

	// An array of results splits the event.
	if tbl.Len() == 0 {
		return Decision{}, fmt.Errorf("udf %s returned a bare table; want result(...) or a list of results", m.name)
	}
	var events []source.Event
	for i := 1; i <= tbl.Len(); i++ {
		var item, ok = tbl.RawGetInt(i).(*lua.LTable)
		if !ok || item.RawGetString("__result") != lua.LTrue {
			return Decision{}, fmt.Errorf("udf %s returned a list with a non-result element", m.name)
		}
		var out, err = m.eventFromResult(ev, item)
		if err != nil {
			return Decision{}, err
		}
		if out != nil {
			events = append(events, *out)
		}
	}
	if len(events) == 0 {
		return Drop(), nil
	}
	return Split(events...), nil
}

func (m *Lua) eventFromResult(ev source.Event, tbl *lua.LTable) (*source.Event, error) {
	var out = ev
	switch data := tbl.RawGetString("data").(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LString:
		out.Payload = []byte(data)
	case *lua.LTable:
		var b, err = json.Marshal(luaToGo(data))
		if err != nil {
			return nil, fmt.Errorf("encoding result of %s: %w", m.name, err)
		}
		out.Payload = b
		out.Encoding = encoding.JSON
	default:
		return nil, fmt.Errorf("udf %s result data must be a string, table, or nil; got %s", m.name, data.Type())
	}

	if attrs, ok := tbl.RawGetString("attributes").(*lua.LTable); ok {
		var replaced = make(map[string]string)
		attrs.ForEach(func(k, v lua.LValue) {
			replaced[k.String()] = v.String()
		})
		out.Attributes = replaced
	}
	if err := relabel(&out, m.output, m.schema); err != nil {
		return nil, fmt.Errorf("re-encoding result of %s: %w", m.name, err)
	}
	return &out, nil
}

func jsonEncode(L *lua.LState) int {
	var b, err = json.Marshal(luaToGo(L.Get(1)))
	if err != nil {
		L.RaiseError("json_encode: %s", err.Error())
		return 0
	}
	L.Push(lua.LString(b))
	return 1
}

func jsonDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.RaiseError("json_decode: %s", err.Error())
		return 0
	}
	L.Push(goToLua(L, v))
	return 1
}

func luaToGo(v lua.LValue) any {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 {
			var arr = make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(v.RawGetInt(i)))
			}
			return arr
		}
		var m = make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			m[k.String()] = luaToGo(val)
		})
		return m
	default:
		return v.String()
	}
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		var tbl = L.NewTable()
		for _, item := range v {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	case map[string]any:
		var tbl = L.NewTable()
		for k, item := range v {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

// opBudget is a context whose Done poll count is the instruction budget.
// The Lua VM polls Done once per executed instruction, always from the
// goroutine running Apply, so the counter needs no synchronization.
type opBudget struct {
	context.Context
	remaining int64
	done      chan struct{}
	exhausted bool
}

func newOpBudget(parent context.Context, ops int64) *opBudget {
	return &opBudget{Context: parent, remaining: ops, done: make(chan struct{})}
}

func (b *opBudget) Done() <-chan struct{} {
	if !b.exhausted {
		b.remaining--
		if b.remaining < 0 {
			b.exhausted = true
			close(b.done)
		}
	}
	if b.exhausted {
		return b.done
	}
	return b.Context.Done()
}

func (b *opBudget) Err() error {
	if b.exhausted {
		return ErrLimitExceeded
	}
	return b.Context.Err()
}
