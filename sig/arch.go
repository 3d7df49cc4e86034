package sig

import (
	"runtime"
	"strconv"
)

// Variant is a pattern plus the signed distance from its match to the address
// the caller actually wants.
type Variant struct {
	Pattern string
	Offset  int64
}

// Strategy picks the variant written for the running architecture.
type Strategy int

const (
	Arch64 Strategy = iota
	Arch32
)

// CurrentStrategy returns the strategy for the architecture this binary was
// built for.
func CurrentStrategy() Strategy {
	switch runtime.GOARCH {
	case "arm64", "amd64":
		return Arch64
	case "arm", "386":
		return Arch32
	}
	if strconv.IntSize == 32 {
		return Arch32
	}
	return Arch64
}

// Pick returns the variant for s.
func (s Strategy) Pick(arch64, arch32 Variant) Variant {
	if s == Arch32 {
		return arch32
	}
	return arch64
}

func (s Strategy) String() string {
	if s == Arch32 {
		return "arch32"
	}
	return "arch64"
}
