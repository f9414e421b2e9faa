package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lua "github.com/yuin/gopher-lua"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/pkg/schema"
)

// LuaSandbox runs Lua sources with only the base, table, string and math
// libraries loaded. File loading, print and randomness are removed.
//
// The step data is exposed as the global table `data`. The chunk's first
// return value, which must be a table or nil, is the step output.
// `log(msg)` writes through the sandbox logger.
type LuaSandbox struct {
	logger *slog.Logger
}

func NewLuaSandbox(logger *slog.Logger) *LuaSandbox {
	return &LuaSandbox{logger: logging.OrDiscard(logger)}
}

func (s *LuaSandbox) Run(ctx context.Context, req Request) (map[string]any, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)
	L.SetGlobal("data", toLua(L, req.Data))
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		s.logger.InfoContext(logging.WithStepID(ctx, req.StepID), L.CheckString(1), "source", "lua")
		return 0
	}))

	fn, err := L.LoadString(req.Source)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "lua compile error: %s", err.Error()).WithCause(err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Object != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "lua error: %s", apiErr.Object.String()).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "lua error: %s", err.Error()).WithCause(err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return asObject(LanguageLua, fromLua(ret))
}

func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// fromLua converts a Lua value to its JSON-shaped Go equivalent. Tables whose
// keys are exactly 1..n become slices; every other table becomes a map.
func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 && isSequence(val, n) {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = fromLua(item)
		})
		return out
	default:
		return v.String()
	}
}

func isSequence(tbl *lua.LTable, n int) bool {
	count := 0
	sequential := true
	tbl.ForEach(func(k, _ lua.LValue) {
		count++
		num, ok := k.(lua.LNumber)
		if !ok || float64(num) != float64(int(num)) || int(num) < 1 || int(num) > n {
			sequential = false
		}
	})
	return sequential && count == n
}

var _ Sandbox = (*LuaSandbox)(nil)
