// Package commands implements the built-in command handlers and their
// registry specs: fast basic commands, CPU-bound numeric work, and
// IO-bound file operations under the configured data directory.
package commands

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redunix/computed/internal/registry"
	"github.com/redunix/computed/pkg/types"
)

// Timeouts carries the per-category default timeout applied to every
// spec at registration time.
type Timeouts map[types.Category]time.Duration

// RegisterAll populates the registry with the full command set.
func RegisterAll(reg *registry.Registry, timeouts Timeouts) {
	registerBasic(reg, timeouts[types.CategoryBasic])
	registerCPU(reg, timeouts[types.CategoryCPU])
	registerIO(reg, timeouts[types.CategoryIO])
}

func registerBasic(reg *registry.Registry, timeout time.Duration) {
	basic := func(name string, handler registry.HandlerFunc, params ...registry.ParamSpec) {
		reg.Register(registry.Spec{
			Command:  name,
			Category: types.CategoryBasic,
			Handler:  handler,
			Timeout:  timeout,
			Params:   params,
		})
	}

	basic("fibonacci", fibonacciHandler,
		registry.ParamSpec{Name: "num", Required: true, Validate: registry.IntRange(0, 90)})
	basic("reverse", reverseHandler,
		registry.ParamSpec{Name: "text", Required: true})
	basic("toupper", toupperHandler,
		registry.ParamSpec{Name: "text", Required: true})
	basic("timestamp", timestampHandler)
	basic("random", randomHandler,
		registry.ParamSpec{Name: "count", Validate: registry.IntRange(1, 1000)},
		registry.ParamSpec{Name: "min", Validate: registry.IntRange(-1_000_000, 1_000_000)},
		registry.ParamSpec{Name: "max", Validate: registry.IntRange(-1_000_000, 1_000_000)})
	basic("hash", hashHandler,
		registry.ParamSpec{Name: "text", Required: true})
	basic("createfile", createfileHandler,
		registry.ParamSpec{Name: "name", Required: true},
		registry.ParamSpec{Name: "repeat", Validate: registry.IntRange(1, 100000)})
	basic("deletefile", deletefileHandler,
		registry.ParamSpec{Name: "name", Required: true})
	basic("simulate", simulateHandler,
		registry.ParamSpec{Name: "seconds", Required: true, Validate: registry.IntRange(1, 30)})
	basic("sleep", sleepHandler,
		registry.ParamSpec{Name: "seconds", Required: true, Validate: registry.IntRange(1, 10)})
	basic("loadtest", loadtestHandler,
		registry.ParamSpec{Name: "tasks", Validate: registry.IntRange(1, 100)},
		registry.ParamSpec{Name: "sleep", Validate: registry.IntRange(0, 1000)})
}

func fibonacciHandler(ctx *registry.Context) (any, error) {
	num, _ := strconv.ParseUint(ctx.Params["num"], 10, 64)

	var a, b uint64 = 0, 1
	if num == 0 {
		b = 0
	}
	for i := uint64(2); i <= num; i++ {
		a, b = b, a+b
	}

	return map[string]any{"num": num, "result": b}, nil
}

func reverseHandler(ctx *registry.Context) (any, error) {
	text := ctx.Params["text"]
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return map[string]any{"original": text, "reversed": string(runes)}, nil
}

func toupperHandler(ctx *registry.Context) (any, error) {
	text := ctx.Params["text"]
	return map[string]any{"original": text, "upper": strings.ToUpper(text)}, nil
}

func timestampHandler(ctx *registry.Context) (any, error) {
	now := time.Now()
	return map[string]any{
		"timestamp": now.Format(time.RFC3339Nano),
		"unix":      now.Unix(),
	}, nil
}

func randomHandler(ctx *registry.Context) (any, error) {
	count := paramInt(ctx, "count", 5)
	min := paramInt(ctx, "min", 0)
	max := paramInt(ctx, "max", 100)
	if min > max {
		return nil, types.NewError(types.KindBadRequest, "min (%d) must not exceed max (%d)", min, max)
	}

	values := make([]int64, count)
	for i := range values {
		values[i] = min + rand.Int63n(max-min+1)
	}
	return map[string]any{"count": count, "min": min, "max": max, "values": values}, nil
}

func hashHandler(ctx *registry.Context) (any, error) {
	text := ctx.Params["text"]
	h := fnv.New64a()
	h.Write([]byte(text))
	return map[string]any{
		"text":      text,
		"hash":      fmt.Sprintf("%016x", h.Sum64()),
		"algorithm": "fnv64a",
	}, nil
}

func createfileHandler(ctx *registry.Context) (any, error) {
	path, err := dataPath(ctx, ctx.Params["name"])
	if err != nil {
		return nil, err
	}
	content := ctx.Params["content"]
	repeat := paramInt(ctx, "repeat", 1)

	var sb strings.Builder
	for i := int64(0); i < repeat; i++ {
		sb.WriteString(content)
		sb.WriteByte('\n')
	}
	data := []byte(sb.String())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", ctx.Params["name"], err)
	}
	return map[string]any{"file": ctx.Params["name"], "bytes_written": len(data)}, nil
}

func deletefileHandler(ctx *registry.Context) (any, error) {
	path, err := dataPath(ctx, ctx.Params["name"])
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.KindNotFound, "file not found: %s", ctx.Params["name"])
		}
		return nil, fmt.Errorf("failed to delete %s: %w", ctx.Params["name"], err)
	}
	return map[string]any{"file": ctx.Params["name"], "deleted": true}, nil
}

func simulateHandler(ctx *registry.Context) (any, error) {
	seconds := paramInt(ctx, "seconds", 1)
	task := ctx.Params["task"]
	if task == "" {
		task = "simulation"
	}

	start := time.Now()
	target := time.Duration(seconds) * time.Second

	var counter, result uint64 = 0, 1
	for {
		for i := 0; i < 10000; i++ {
			result = result*997 + counter
			counter++
		}
		elapsed := time.Since(start)
		if elapsed >= target {
			break
		}
		if err := ctx.Cancel.Check(); err != nil {
			return nil, err
		}
		ctx.Progress.Report(int(elapsed * 100 / target))
	}

	return map[string]any{
		"task":       task,
		"seconds":    seconds,
		"elapsed":    time.Since(start).Seconds(),
		"iterations": counter,
	}, nil
}

func sleepHandler(ctx *registry.Context) (any, error) {
	seconds := paramInt(ctx, "seconds", 1)
	target := time.Duration(seconds) * time.Second

	// Sleep in slices so cancellation lands promptly.
	start := time.Now()
	for time.Since(start) < target {
		if err := ctx.Cancel.Check(); err != nil {
			return nil, err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return map[string]any{"slept": seconds}, nil
}

func loadtestHandler(ctx *registry.Context) (any, error) {
	tasks := paramInt(ctx, "tasks", 10)
	sleepMs := paramInt(ctx, "sleep", 10)

	start := time.Now()
	for i := int64(0); i < tasks; i++ {
		if err := ctx.Cancel.Check(); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(sleepMs) * time.Millisecond)
		ctx.Progress.Report(int((i + 1) * 100 / tasks))
	}
	return map[string]any{
		"tasks":    tasks,
		"sleep_ms": sleepMs,
		"total_ms": time.Since(start).Milliseconds(),
	}, nil
}

// paramInt reads an optional integer parameter already validated by the
// param spec; def applies when absent.
func paramInt(ctx *registry.Context, name string, def int64) int64 {
	v, ok := ctx.Params[name]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// dataPath resolves a user-supplied file name inside the data
// directory, refusing path escapes.
func dataPath(ctx *registry.Context, name string) (string, error) {
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") || name == "." || name == ".." {
		return "", types.NewError(types.KindBadRequest, "invalid file name: %q", name)
	}
	dir := ctx.DataDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, name), nil
}
