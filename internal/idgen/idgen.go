// Package idgen generates short, url-safe ids for batches, operations,
// rollback points, and sessions. Ids are sha256 hashes of entropy plus a
// counter, base36-encoded for information density.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// idLength is the number of base36 chars after the prefix. 8 chars ≈ 41 bits,
// collision-safe for a single coordinator process.
const idLength = 8

// Generator mints ids for the ingestion engine. Injectable so tests can use
// deterministic sequences.
type Generator interface {
	NewBatchID() string
	NewOperationID() string
	NewRollbackID() string
	NewSessionID() string
	NewFragmentID() string
	NewEventID() string
}

// EncodeBase36 converts a byte slice to a base36 string of the given length,
// zero-padded, keeping the least significant digits on overflow.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}

	s := b.String()
	if len(s) < length {
		s = strings.Repeat("0", length-len(s)) + s
	}
	if len(s) > length {
		s = s[len(s)-length:]
	}
	return s
}

// Random is the production Generator. Each id hashes process entropy, the
// wall clock, and a monotonic counter, so ids are unique even within one
// nanosecond tick.
type Random struct {
	seed    [16]byte
	counter atomic.Uint64
}

// NewRandom creates a Random generator with fresh entropy.
func NewRandom() *Random {
	g := &Random{}
	// rand.Read never fails on supported platforms; a zero seed still yields
	// unique ids via the counter.
	_, _ = rand.Read(g.seed[:])
	return g
}

func (g *Random) next(prefix string) string {
	n := g.counter.Add(1)
	content := fmt.Sprintf("%x|%d|%d", g.seed, time.Now().UnixNano(), n)
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s-%s", prefix, EncodeBase36(hash[:6], idLength))
}

func (g *Random) NewBatchID() string     { return g.next("batch") }
func (g *Random) NewOperationID() string { return g.next("op") }
func (g *Random) NewRollbackID() string  { return g.next("rp") }
func (g *Random) NewSessionID() string   { return g.next("sess") }
func (g *Random) NewFragmentID() string  { return g.next("frag") }
func (g *Random) NewEventID() string     { return g.next("evt") }

// Sequential is a deterministic Generator for tests: prefix-1, prefix-2, ...
type Sequential struct {
	counter atomic.Uint64
}

// NewSequential creates a Sequential generator starting at 1.
func NewSequential() *Sequential { return &Sequential{} }

func (g *Sequential) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, g.counter.Add(1))
}

func (g *Sequential) NewBatchID() string     { return g.next("batch") }
func (g *Sequential) NewOperationID() string { return g.next("op") }
func (g *Sequential) NewRollbackID() string  { return g.next("rp") }
func (g *Sequential) NewSessionID() string   { return g.next("sess") }
func (g *Sequential) NewFragmentID() string  { return g.next("frag") }
func (g *Sequential) NewEventID() string     { return g.next("evt") }
