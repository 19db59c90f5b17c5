package sim

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// IDGenerator can generate IDs
type IDGenerator interface {
	// Generate an ID
	Generate() string
}

// NewSequentialIDGenerator creates a generator that counts up from 1. IDs
// are deterministic, which keeps test runs and traces reproducible.
func NewSequentialIDGenerator(prefix string) IDGenerator {
	return &sequentialIDGenerator{prefix: prefix}
}

// NewParallelIDGenerator creates a generator of globally unique IDs. The IDs
// are not deterministic.
func NewParallelIDGenerator() IDGenerator {
	return parallelIDGenerator{}
}

type sequentialIDGenerator struct {
	prefix string
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)
	return g.prefix + strconv.FormatUint(idNumber, 10)
}

type parallelIDGenerator struct {
}

func (g parallelIDGenerator) Generate() string {
	return xid.New().String()
}
