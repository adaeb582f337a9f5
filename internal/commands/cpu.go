package commands

import (
	"strconv"
	"time"

	"github.com/redunix/computed/internal/registry"
	"github.com/redunix/computed/pkg/types"
)

func registerCPU(reg *registry.Registry, timeout time.Duration) {
	cpu := func(name string, handler registry.HandlerFunc, params ...registry.ParamSpec) {
		reg.Register(registry.Spec{
			Command:  name,
			Category: types.CategoryCPU,
			Handler:  handler,
			Timeout:  timeout,
			Params:   params,
		})
	}

	cpu("isprime", isprimeHandler,
		registry.ParamSpec{Name: "n", Required: true, Validate: registry.Uint()})
	cpu("factor", factorHandler,
		registry.ParamSpec{Name: "n", Required: true, Validate: registry.Uint()})
	cpu("pi", piHandler,
		registry.ParamSpec{Name: "digits", Required: true, Validate: registry.IntRange(1, 10000)})
	cpu("mandelbrot", mandelbrotHandler,
		registry.ParamSpec{Name: "width", Validate: registry.IntRange(1, 4000)},
		registry.ParamSpec{Name: "height", Validate: registry.IntRange(1, 4000)},
		registry.ParamSpec{Name: "max_iter", Validate: registry.IntRange(1, 100000)})
	cpu("matrixmul", matrixmulHandler,
		registry.ParamSpec{Name: "size", Required: true, Validate: registry.IntRange(1, 1024)},
		registry.ParamSpec{Name: "seed", Validate: registry.Uint()})
}

func isprimeHandler(ctx *registry.Context) (any, error) {
	n, _ := strconv.ParseUint(ctx.Params["n"], 10, 64)

	prime := n >= 2
	if n >= 2 && n%2 == 0 {
		prime = n == 2
	} else {
		checks := 0
		for d := uint64(3); d*d <= n; d += 2 {
			if n%d == 0 {
				prime = false
				break
			}
			checks++
			if checks%100000 == 0 {
				if err := ctx.Cancel.Check(); err != nil {
					return nil, err
				}
			}
		}
	}

	return map[string]any{"n": n, "is_prime": prime}, nil
}

func factorHandler(ctx *registry.Context) (any, error) {
	n, _ := strconv.ParseUint(ctx.Params["n"], 10, 64)
	if n < 2 {
		return nil, types.NewError(types.KindBadRequest, "parameter 'n' must be >= 2")
	}

	original := n
	var factors []uint64
	for n%2 == 0 {
		factors = append(factors, 2)
		n /= 2
	}
	checks := 0
	for d := uint64(3); d*d <= n; d += 2 {
		for n%d == 0 {
			factors = append(factors, d)
			n /= d
		}
		checks++
		if checks%100000 == 0 {
			if err := ctx.Cancel.Check(); err != nil {
				return nil, err
			}
		}
	}
	if n > 1 {
		factors = append(factors, n)
	}

	return map[string]any{"n": original, "factors": factors}, nil
}

// piHandler computes decimal digits of pi with the Rabinowitz-Wagon
// spigot algorithm, yielding to cancellation between iterations.
func piHandler(ctx *registry.Context) (any, error) {
	digits := int(paramInt(ctx, "digits", 10))

	// A few spare digits absorb predigit buffering at the tail.
	n := digits + 10
	size := n*10/3 + 2
	rem := make([]int, size)
	for i := range rem {
		rem[i] = 2
	}

	raw := make([]byte, 0, n)
	emit := func(d int) { raw = append(raw, byte('0'+d)) }

	held := 0
	heldNines := 0
	first := true
	for iter := 0; iter < n && len(raw) < digits+2; iter++ {
		if err := ctx.Cancel.Check(); err != nil {
			return nil, err
		}
		carry := 0
		for i := size - 1; i > 0; i-- {
			num := rem[i]*10 + carry
			den := 2*i + 1
			rem[i] = num % den
			carry = num / den * i
		}
		num := rem[0]*10 + carry
		rem[0] = num % 10
		digit := num / 10

		switch {
		case digit < 9:
			if !first {
				emit(held)
				for ; heldNines > 0; heldNines-- {
					emit(9)
				}
			}
			held = digit
			first = false
		case digit == 9:
			heldNines++
		default: // digit overflowed to 10, propagate the carry
			emit(held + 1)
			for ; heldNines > 0; heldNines-- {
				emit(0)
			}
			held = 0
		}
		ctx.Progress.Report(min(len(raw)*100/(digits+1), 100))
	}

	if len(raw) > digits+1 {
		raw = raw[:digits+1]
	}
	pi := string(raw[:1]) + "." + string(raw[1:])
	return map[string]any{"digits": digits, "pi": pi}, nil
}

func mandelbrotHandler(ctx *registry.Context) (any, error) {
	width := int(paramInt(ctx, "width", 200))
	height := int(paramInt(ctx, "height", 200))
	maxIter := int(paramInt(ctx, "max_iter", 100))

	inside := 0
	for py := 0; py < height; py++ {
		if err := ctx.Cancel.Check(); err != nil {
			return nil, err
		}
		y0 := float64(py)/float64(height)*2.0 - 1.0
		for px := 0; px < width; px++ {
			x0 := float64(px)/float64(width)*3.0 - 2.0
			x, y := 0.0, 0.0
			iter := 0
			for x*x+y*y <= 4 && iter < maxIter {
				x, y = x*x-y*y+x0, 2*x*y+y0
				iter++
			}
			if iter == maxIter {
				inside++
			}
		}
		ctx.Progress.Report((py + 1) * 100 / height)
	}

	return map[string]any{
		"width":         width,
		"height":        height,
		"max_iter":      maxIter,
		"inside_points": inside,
	}, nil
}

func matrixmulHandler(ctx *registry.Context) (any, error) {
	size := int(paramInt(ctx, "size", 64))
	seed := uint64(paramInt(ctx, "seed", 42))

	// Deterministic fill from a small LCG so identical inputs yield an
	// identical checksum.
	state := seed
	next := func() float64 {
		state = state*6364136223846793005 + 1442695040888963407
		return float64(state>>33) / float64(1<<31)
	}

	a := make([]float64, size*size)
	b := make([]float64, size*size)
	for i := range a {
		a[i] = next()
		b[i] = next()
	}

	var checksum float64
	for i := 0; i < size; i++ {
		if err := ctx.Cancel.Check(); err != nil {
			return nil, err
		}
		for j := 0; j < size; j++ {
			var sum float64
			for k := 0; k < size; k++ {
				sum += a[i*size+k] * b[k*size+j]
			}
			checksum += sum
		}
		ctx.Progress.Report((i + 1) * 100 / size)
	}

	return map[string]any{"size": size, "seed": seed, "checksum": checksum}, nil
}
