package commands

import (
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/redunix/computed/internal/registry"
	"github.com/redunix/computed/pkg/types"
)

// grepMatchLimit bounds the matched lines echoed back in the response.
const grepMatchLimit = 100

func registerIO(reg *registry.Registry, timeout time.Duration) {
	iocmd := func(name string, handler registry.HandlerFunc, params ...registry.ParamSpec) {
		reg.Register(registry.Spec{
			Command:  name,
			Category: types.CategoryIO,
			Handler:  handler,
			Timeout:  timeout,
			Params:   params,
		})
	}

	iocmd("sortfile", sortfileHandler,
		registry.ParamSpec{Name: "name", Required: true},
		registry.ParamSpec{Name: "algo", Validate: registry.OneOf("merge", "quick")})
	iocmd("wordcount", wordcountHandler,
		registry.ParamSpec{Name: "name", Required: true})
	iocmd("grep", grepHandler,
		registry.ParamSpec{Name: "name", Required: true},
		registry.ParamSpec{Name: "pattern", Required: true})
	iocmd("compress", compressHandler,
		registry.ParamSpec{Name: "name", Required: true},
		registry.ParamSpec{Name: "codec", Validate: registry.OneOf("gzip")})
	iocmd("hashfile", hashfileHandler,
		registry.ParamSpec{Name: "name", Required: true},
		registry.ParamSpec{Name: "algo", Validate: registry.OneOf("sha256")})
}

// readDataFile opens a data-dir file, mapping absence to NotFound.
func readDataFile(ctx *registry.Context, name string) ([]byte, string, error) {
	path, err := dataPath(ctx, name)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", types.NewError(types.KindNotFound, "file not found: %s", name)
		}
		return nil, "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, path, nil
}

func sortfileHandler(ctx *registry.Context) (any, error) {
	name := ctx.Params["name"]
	algo := ctx.Params["algo"]
	if algo == "" {
		algo = "merge"
	}

	data, path, err := readDataFile(ctx, name)
	if err != nil {
		return nil, err
	}
	lines := splitLines(string(data))
	ctx.Progress.Report(25)

	if err := ctx.Cancel.Check(); err != nil {
		return nil, err
	}
	switch algo {
	case "quick":
		quickSort(lines)
	default:
		lines = mergeSort(lines)
	}
	ctx.Progress.Report(75)

	outName := name + ".sorted"
	if err := os.WriteFile(path+".sorted", []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", outName, err)
	}

	return map[string]any{
		"file":   name,
		"lines":  len(lines),
		"algo":   algo,
		"output": outName,
	}, nil
}

func wordcountHandler(ctx *registry.Context) (any, error) {
	name := ctx.Params["name"]
	data, _, err := readDataFile(ctx, name)
	if err != nil {
		return nil, err
	}

	text := string(data)
	lines := 0
	for _, r := range text {
		if r == '\n' {
			lines++
		}
	}
	if len(text) > 0 && !strings.HasSuffix(text, "\n") {
		lines++
	}

	words := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			inWord = true
			words++
		}
	}

	return map[string]any{
		"file":  name,
		"lines": lines,
		"words": words,
		"bytes": len(data),
	}, nil
}

func grepHandler(ctx *registry.Context) (any, error) {
	name := ctx.Params["name"]
	pattern := ctx.Params["pattern"]

	path, err := dataPath(ctx, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.KindNotFound, "file not found: %s", name)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	type match struct {
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []match
	count := 0
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		if lineNo%10000 == 0 {
			if err := ctx.Cancel.Check(); err != nil {
				return nil, err
			}
		}
		if strings.Contains(scanner.Text(), pattern) {
			count++
			if len(matches) < grepMatchLimit {
				matches = append(matches, match{Line: lineNo, Text: scanner.Text()})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", name, err)
	}

	return map[string]any{
		"file":        name,
		"pattern":     pattern,
		"match_count": count,
		"matches":     matches,
	}, nil
}

func compressHandler(ctx *registry.Context) (any, error) {
	name := ctx.Params["name"]
	codec := ctx.Params["codec"]
	if codec == "" {
		codec = "gzip"
	}

	data, path, err := readDataFile(ctx, name)
	if err != nil {
		return nil, err
	}

	outPath := path + ".gz"
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s.gz: %w", name, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	// Write in chunks so long files stay cancellable.
	const chunk = 256 * 1024
	for off := 0; off < len(data); off += chunk {
		if err := ctx.Cancel.Check(); err != nil {
			gz.Close()
			os.Remove(outPath)
			return nil, err
		}
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := gz.Write(data[off:end]); err != nil {
			return nil, fmt.Errorf("failed to compress %s: %w", name, err)
		}
		if len(data) > 0 {
			ctx.Progress.Report(end * 100 / len(data))
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish %s.gz: %w", name, err)
	}

	info, err := out.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s.gz: %w", name, err)
	}

	return map[string]any{
		"file":             name,
		"codec":            codec,
		"original_bytes":   len(data),
		"compressed_bytes": info.Size(),
		"output":           name + ".gz",
	}, nil
}

func hashfileHandler(ctx *registry.Context) (any, error) {
	name := ctx.Params["name"]
	algo := ctx.Params["algo"]
	if algo == "" {
		algo = "sha256"
	}

	path, err := dataPath(ctx, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.KindNotFound, "file not found: %s", name)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", name, err)
	}

	return map[string]any{
		"file": name,
		"algo": algo,
		"hash": fmt.Sprintf("%x", h.Sum(nil)),
	}, nil
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func mergeSort(lines []string) []string {
	if len(lines) <= 1 {
		return lines
	}
	mid := len(lines) / 2
	left := mergeSort(append([]string(nil), lines[:mid]...))
	right := mergeSort(append([]string(nil), lines[mid:]...))

	out := make([]string, 0, len(lines))
	i, j := 0, 0
	for i < len(left) && j < len(right) {
		if left[i] <= right[j] {
			out = append(out, left[i])
			i++
		} else {
			out = append(out, right[j])
			j++
		}
	}
	out = append(out, left[i:]...)
	out = append(out, right[j:]...)
	return out
}

func quickSort(lines []string) {
	if len(lines) < 2 {
		return
	}
	pivot := lines[len(lines)/2]
	left, right := 0, len(lines)-1
	for left <= right {
		for lines[left] < pivot {
			left++
		}
		for lines[right] > pivot {
			right--
		}
		if left <= right {
			lines[left], lines[right] = lines[right], lines[left]
			left++
			right--
		}
	}
	quickSort(lines[:right+1])
	quickSort(lines[left:])
}
