// Package ordering generates fractional sort keys for sibling entities.
//
// A key is a variable-length integer part followed by an optional fraction,
// both over a base62 alphabet and compared bytewise. The first character of
// the integer part encodes its length ('a'..'z' for non-negative values of
// one to 26 digits, 'Z'..'A' for negative ones), so appending or prepending
// repeatedly only grows keys logarithmically. A new key can always be
// produced strictly between two neighbours, so reordering one sibling never
// rewrites another. Whenever a choice exists among valid digits at the
// shortest sufficient length one is picked at random, which spreads
// concurrent inserts at the same position across the key space.
package ordering

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	zeroDigit byte = '0'
	maxDigit  byte = 'z'
)

var smallestInteger = "A" + strings.Repeat(string(zeroDigit), 26)

var (
	// ErrInvalidKey indicates a malformed key.
	ErrInvalidKey = errors.New("ordering: invalid key")
	// ErrInvalidRange indicates that lower does not sort before upper.
	ErrInvalidRange = errors.New("ordering: lower bound must sort before upper bound")
	// ErrKeySpaceExhausted indicates that no integer part remains beyond the bound.
	ErrKeySpaceExhausted = errors.New("ordering: key space exhausted")
)

// Generator produces keys from its own random source. The zero value is not
// usable; construct with NewGenerator or NewRandomGenerator.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator returns a generator whose output is fully determined by seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandomGenerator returns a generator seeded from the runtime's source.
func NewRandomGenerator() *Generator {
	return NewGenerator(rand.Uint64())
}

var defaultGenerator = NewRandomGenerator()

// KeyBetween is KeyBetween on a process-wide random generator.
func KeyBetween(lower, upper string) (string, error) {
	return defaultGenerator.KeyBetween(lower, upper)
}

// KeyBetween returns a key k with lower < k < upper. An empty lower means
// "before everything"; an empty upper means "after everything".
func (g *Generator) KeyBetween(lower, upper string) (string, error) {
	if lower != "" {
		if err := Validate(lower); err != nil {
			return "", err
		}
	}
	if upper != "" {
		if err := Validate(upper); err != nil {
			return "", err
		}
	}
	if lower != "" && upper != "" && lower >= upper {
		return "", fmt.Errorf("%w: %q >= %q", ErrInvalidRange, lower, upper)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case lower == "" && upper == "":
		return "a" + string(zeroDigit) + g.jitter(), nil
	case lower == "":
		integer, fraction := split(upper)
		if integer == smallestInteger {
			if fraction == "" {
				return "", ErrKeySpaceExhausted
			}
			return integer + g.between(fraction, true), nil
		}
		previous, ok := decrementInteger(integer)
		if !ok {
			return "", ErrKeySpaceExhausted
		}
		return previous + g.jitter(), nil
	case upper == "":
		integer, fraction := split(lower)
		next, ok := incrementInteger(integer)
		if !ok {
			return integer + g.fraction(fraction, "", false), nil
		}
		return next + g.jitter(), nil
	}

	lowerInteger, lowerFraction := split(lower)
	upperInteger, upperFraction := split(upper)
	if lowerInteger == upperInteger {
		return lowerInteger + g.fraction(lowerFraction, upperFraction, true), nil
	}
	next, ok := incrementInteger(lowerInteger)
	if !ok {
		return "", ErrKeySpaceExhausted
	}
	switch {
	case next < upperInteger:
		return next + g.jitter(), nil
	case next == upperInteger && upperFraction != "":
		return next + g.between(upperFraction, true), nil
	default:
		return lowerInteger + g.fraction(lowerFraction, "", false), nil
	}
}

// between returns a fraction below upper.
func (g *Generator) between(upper string, bounded bool) string {
	return g.fraction("", upper, bounded)
}

// jitter returns a single random non-zero digit.
func (g *Generator) jitter() string {
	return string(alphabet[1+g.rng.IntN(len(alphabet)-1)])
}

// fraction returns f with lower < f < upper, where upper is unbounded when
// bounded is false. Neither bound ends in the zero digit.
func (g *Generator) fraction(lower, upper string, bounded bool) string {
	if bounded {
		prefix := 0
		for prefix < len(upper) && digitAt(lower, prefix) == upper[prefix] {
			prefix++
		}
		if prefix > 0 {
			return upper[:prefix] + g.fraction(tail(lower, prefix), upper[prefix:], true)
		}
	}

	low := 0
	if lower != "" {
		low = strings.IndexByte(alphabet, lower[0])
	}
	high := len(alphabet)
	if bounded {
		high = strings.IndexByte(alphabet, upper[0])
	}

	if high-low > 1 {
		return string(alphabet[low+1+g.rng.IntN(high-low-1)])
	}
	if bounded && len(upper) > 1 {
		return upper[:1]
	}
	return string(alphabet[low]) + g.fraction(tail(lower, 1), "", false)
}

// Validate reports whether key is a well-formed ordering key.
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for index := 0; index < len(key); index++ {
		if strings.IndexByte(alphabet, key[index]) < 0 {
			return fmt.Errorf("%w: character %q", ErrInvalidKey, key[index])
		}
	}
	length, ok := integerLength(key[0])
	if !ok {
		return fmt.Errorf("%w: head %q", ErrInvalidKey, key[0])
	}
	if len(key) < length {
		return fmt.Errorf("%w: truncated integer part", ErrInvalidKey)
	}
	if key == smallestInteger {
		return fmt.Errorf("%w: reserved minimum", ErrInvalidKey)
	}
	if len(key) > length && key[len(key)-1] == zeroDigit {
		return fmt.Errorf("%w: trailing zero digit", ErrInvalidKey)
	}
	return nil
}

func integerLength(head byte) (int, bool) {
	switch {
	case head >= 'a' && head <= 'z':
		return int(head-'a') + 2, true
	case head >= 'A' && head <= 'Z':
		return int('Z'-head) + 2, true
	}
	return 0, false
}

// split assumes key is valid.
func split(key string) (string, string) {
	length, _ := integerLength(key[0])
	return key[:length], key[length:]
}

func incrementInteger(integer string) (string, bool) {
	head := integer[0]
	digits := []byte(integer[1:])
	carry := true
	for index := len(digits) - 1; carry && index >= 0; index-- {
		next := strings.IndexByte(alphabet, digits[index]) + 1
		if next == len(alphabet) {
			digits[index] = zeroDigit
			continue
		}
		digits[index] = alphabet[next]
		carry = false
	}
	if !carry {
		return string(head) + string(digits), true
	}
	switch head {
	case 'Z':
		return "a" + string(zeroDigit), true
	case 'z':
		return "", false
	}
	head++
	if head > 'a' {
		digits = append(digits, zeroDigit)
	} else {
		digits = digits[:len(digits)-1]
	}
	return string(head) + string(digits), true
}

func decrementInteger(integer string) (string, bool) {
	head := integer[0]
	digits := []byte(integer[1:])
	borrow := true
	for index := len(digits) - 1; borrow && index >= 0; index-- {
		previous := strings.IndexByte(alphabet, digits[index]) - 1
		if previous < 0 {
			digits[index] = maxDigit
			continue
		}
		digits[index] = alphabet[previous]
		borrow = false
	}
	if !borrow {
		return string(head) + string(digits), true
	}
	switch head {
	case 'a':
		return "Z" + string(maxDigit), true
	case 'A':
		return "", false
	}
	head--
	if head < 'Z' {
		digits = append(digits, maxDigit)
	} else {
		digits = digits[:len(digits)-1]
	}
	return string(head) + string(digits), true
}

func digitAt(key string, index int) byte {
	if index < len(key) {
		return key[index]
	}
	return zeroDigit
}

func tail(key string, from int) string {
	if from >= len(key) {
		return ""
	}
	return key[from:]
}
