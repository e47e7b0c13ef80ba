package roomcode

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"
)

// Source picks alphabet indexes for code generation.
//
// Implementations MUST be safe for concurrent use.
type Source interface {
	// Intn returns a value in [0, n).
	//
	// Precondition: 0 < n <= math.MaxUint32.
	Intn(n int) int
}

// readerSource draws 32-bit words from r and rejects the biased tail, so every
// index in [0, n) is equally likely.
type readerSource struct {
	r io.Reader
}

// NewCryptoSource returns a Source reading from crypto/rand.
func NewCryptoSource() Source {
	return readerSource{r: rand.Reader}
}

// Intn panics if n is out of range or the reader fails; a relay that cannot
// draw randomness cannot issue room codes.
func (s readerSource) Intn(n int) int {
	if n <= 0 || uint64(n) > math.MaxUint32 {
		panic("roomcode: Intn range out of bounds")
	}
	bound := uint32(n)
	// Largest multiple of bound that fits in a uint32 word.
	limit := math.MaxUint32 - (math.MaxUint32%bound+1)%bound
	var buf [4]byte
	for {
		if _, err := io.ReadFull(s.r, buf[:]); err != nil {
			panic("roomcode: reading randomness: " + err.Error())
		}
		if v := binary.BigEndian.Uint32(buf[:]); v <= limit {
			return int(v % bound)
		}
	}
}
