// Package codec implements the P/Q syndrome codec: computing the XOR (P)
// and Reed-Solomon (Q) syndromes of a symbol vector, solving for up to two
// missing symbols given their positions, and detecting/correcting a single
// corrupted data symbol from the P/Q disagreement.
//
// All positions in this package are algorithmic indices: a vector of k
// data symbols followed by P at index k and Q at index k+1. Callers
// working with real disk indices translate through package stripe first.
package codec

import (
	"errors"
	"fmt"

	"github.com/dnaeon/go-raid6/gf256"
)

// ErrTooManyFailures is returned by Fix when more than two positions are
// given: the codec can only reconstruct up to two lost symbols per stripe.
var ErrTooManyFailures = errors.New("codec: more than two simultaneous failures")

// ErrInvalidArgument is returned when a Fix position list is not sorted
// in strictly ascending order.
var ErrInvalidArgument = errors.New("codec: positions must be strictly ascending")

// ErrUnrecoverable is returned by Check when the P/Q disagreement cannot
// be explained by a single corrupted data symbol.
var ErrUnrecoverable = errors.New("codec: disagreement not explained by a single corrupted symbol")

// Encode computes the P and Q syndromes of the k data symbols in data.
//
// P is the XOR of all symbols. Q is the weighted XOR sum D[i]*g^i, i.e.
// Horner-folded from the tail of data toward the head:
//
//	Q := 0
//	for i := len(data)-1; i >= 0; i--  { Q = gf256.Mul(Q, gf256.Generator) ^ data[i] }
func Encode(data []byte) (p, q byte) {
	for _, d := range data {
		p ^= d
	}
	q = hornerQ(data)
	return p, q
}

func hornerQ(data []byte) byte {
	var q byte
	for i := len(data) - 1; i >= 0; i-- {
		q = gf256.Mul(q, gf256.Generator) ^ data[i]
	}
	return q
}

// Fix reconstructs the symbols at the given algorithmic positions of D,
// where D has length k+2, D[k] is P, and D[k+1] is Q. pos must be sorted
// strictly ascending and hold at most two positions; the positions named
// in pos are treated as lost (their stored value in D is ignored) and are
// overwritten in place with the recovered value. The recovered values are
// also returned, in the same order as pos.
func Fix(d []byte, pos []int) ([]byte, error) {
	n := len(d)
	k := n - 2
	if len(pos) > 2 {
		return nil, ErrTooManyFailures
	}
	for i := 1; i < len(pos); i++ {
		if pos[i] <= pos[i-1] {
			return nil, ErrInvalidArgument
		}
	}
	for _, p := range pos {
		if p < 0 || p >= n {
			return nil, fmt.Errorf("%w: position %d out of range [0,%d)", ErrInvalidArgument, p, n)
		}
	}

	switch len(pos) {
	case 0:
		return nil, nil
	case 1:
		return fixOne(d, pos[0], k, n)
	case 2:
		return fixTwo(d, pos[0], pos[1], k, n)
	default:
		return nil, ErrTooManyFailures
	}
}

func fixOne(d []byte, x, k, n int) ([]byte, error) {
	switch {
	case x == n-2: // P lost
		p, _ := Encode(d[:k])
		d[x] = p
		return []byte{p}, nil
	case x == n-1: // Q lost
		_, q := Encode(d[:k])
		d[x] = q
		return []byte{q}, nil
	default: // a data symbol lost
		dx := xorExcept(d[:k], x) ^ d[n-2]
		d[x] = dx
		return []byte{dx}, nil
	}
}

func fixTwo(d []byte, x, y, k, n int) ([]byte, error) {
	switch {
	case x == n-2 && y == n-1: // both syndromes lost
		p, q := Encode(d[:k])
		d[x], d[y] = p, q
		return []byte{p, q}, nil

	case y == n-2: // a data symbol and P lost: recover via Q first
		qPrime := hornerQ(withZero(d[:k], x))
		deltaQ := d[n-1] ^ qPrime
		gInvX := gf256.Pow(gf256.Generator, 255-x)
		dx := gf256.Mul(deltaQ, gInvX)
		d[x] = dx
		p, _ := Encode(d[:k])
		d[y] = p
		return []byte{dx, p}, nil

	case y == n-1: // a data symbol and Q lost
		dx := xorExcept(d[:k], x) ^ d[n-2]
		d[x] = dx
		_, q := Encode(d[:k])
		d[y] = q
		return []byte{dx, q}, nil

	default: // two data symbols lost
		pPrime := xorExcept(withZero(d[:k], x), y)
		qPrime := hornerQ(withZero(withZero(d[:k], x), y))
		deltaP := d[n-2] ^ pPrime
		deltaQ := d[n-1] ^ qPrime

		a := gf256.Pow(gf256.Generator, y-x)
		b := gf256.Pow(gf256.Generator, 255-x)
		aPlus1Inv, err := gf256.Inv(a ^ 1)
		if err != nil {
			return nil, fmt.Errorf("codec: double-loss recovery degenerate for positions %d,%d: %w", x, y, err)
		}
		a = gf256.Mul(a, aPlus1Inv)
		b = gf256.Mul(b, aPlus1Inv)

		dx := gf256.Mul(a, deltaP) ^ gf256.Mul(b, deltaQ)
		dy := dx ^ deltaP
		d[x], d[y] = dx, dy
		return []byte{dx, dy}, nil
	}
}

// xorExcept XORs all of data except the byte at index skip (as if it were
// zero), i.e. the XOR of the surviving symbols.
func xorExcept(data []byte, skip int) byte {
	var acc byte
	for i, v := range data {
		if i == skip {
			continue
		}
		acc ^= v
	}
	return acc
}

// withZero returns a copy of data with index i set to zero.
func withZero(data []byte, i int) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	out[i] = 0
	return out
}

// Check detects whether a single algorithmic-vector symbol is corrupt by
// recomputing P and Q from D's first k entries and comparing them against
// the stored D[k] (P) and D[k+1] (Q).
//
// It returns pos == -1 when no corruption is detected. Otherwise pos names
// the corrupted algorithmic index (a data index, k for P, or k+1 for Q)
// and value holds the corrected symbol that belongs there.
func Check(d []byte) (pos int, value byte, err error) {
	n := len(d)
	k := n - 2
	pPrime, qPrime := Encode(d[:k])
	deltaP := d[n-2] ^ pPrime
	deltaQ := d[n-1] ^ qPrime

	switch {
	case deltaP == 0 && deltaQ == 0:
		return -1, 0, nil
	case deltaP == 0: // deltaQ != 0: Q disk corrupt
		return n - 1, qPrime, nil
	case deltaQ == 0: // deltaP != 0: P disk corrupt
		return n - 2, pPrime, nil
	}

	logDeltaP, err := gf256.Log(deltaP)
	if err != nil {
		return 0, 0, fmt.Errorf("codec: %w", err)
	}
	logDeltaQ, err := gf256.Log(deltaQ)
	if err != nil {
		return 0, 0, fmt.Errorf("codec: %w", err)
	}
	z := (logDeltaQ - logDeltaP) % 255
	if z < 0 {
		z += 255
	}
	if z >= k {
		return 0, 0, ErrUnrecoverable
	}
	value = deltaP ^ d[z]
	return z, value, nil
}
