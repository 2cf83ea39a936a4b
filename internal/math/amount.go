package math

import (
	"math/big"
	"sync"
)

// Reward amounts are unsigned arbitrary-precision integers. Accrual math
// multiplies scaled balances (up to 2^128) by index deltas, so intermediates
// need more than 64 bits; big.Int with a pool keeps allocation pressure low
// on the hot accrual path.

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

// Zero returns a fresh zero amount.
func Zero() *big.Int {
	return new(big.Int)
}

// Clone returns an independent copy of v. A nil v is treated as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// SubClamped returns max(0, a-b) as a new amount. Unsigned counters must
// never wrap: when the subtrahend exceeds a, the result clamps to zero.
func SubClamped(a, b *big.Int) *big.Int {
	result := new(big.Int).Sub(a, b)
	if result.Sign() < 0 {
		result.SetInt64(0)
	}
	return result
}

// MulDiv returns a * b / den, truncating toward zero.
// den must be non-zero.
func MulDiv(a, b, den *big.Int) *big.Int {
	product := getInt()
	product.Mul(a, b)

	result := new(big.Int).Quo(product, den)

	putInt(product)
	return result
}

// Pow10 returns 10^exp as a new big.Int (asset unit for a decimals setting).
func Pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}
