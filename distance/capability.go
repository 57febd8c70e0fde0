package distance

import (
	"os"
	"strings"
)

// ISA identifies the kernel family selected for this process.
type ISA uint8

const (
	// Generic is the scalar loop.
	Generic ISA = iota
	// Unroll4 uses four independent accumulators.
	Unroll4
	// Unroll8 uses eight independent accumulators (wide-vector CPUs).
	Unroll8
)

func (i ISA) String() string {
	switch i {
	case Generic:
		return "generic"
	case Unroll4:
		return "unroll4"
	case Unroll8:
		return "unroll8"
	default:
		return "unknown"
	}
}

// ParseISA parses a kernel family name.
func ParseISA(s string) (ISA, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "generic":
		return Generic, true
	case "unroll4":
		return Unroll4, true
	case "unroll8":
		return Unroll8, true
	default:
		return Generic, false
	}
}

var (
	activeISA ISA

	// set by platform-specific init
	hasWideVectors bool

	dotKernel       = dotGeneric
	squaredL2Kernel = squaredL2Generic
)

// initCapabilities selects the kernels once. VECTRA_SIMD overrides detection.
func initCapabilities() {
	isa := Unroll4
	if hasWideVectors {
		isa = Unroll8
	}
	if override := os.Getenv("VECTRA_SIMD"); override != "" {
		if o, ok := ParseISA(override); ok {
			isa = o
		}
	}
	setISA(isa)
}

func setISA(isa ISA) {
	activeISA = isa
	switch isa {
	case Unroll8:
		dotKernel, squaredL2Kernel = dotUnroll8, squaredL2Unroll8
	case Unroll4:
		dotKernel, squaredL2Kernel = dotUnroll4, squaredL2Unroll4
	default:
		dotKernel, squaredL2Kernel = dotGeneric, squaredL2Generic
	}
}

// ActiveISA returns the kernel family in use.
func ActiveISA() ISA {
	return activeISA
}
