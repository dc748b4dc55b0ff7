// Package mathx holds the stable hashing used for shard selection, stagger
// phases and shuffle seeds.
package mathx

import "hash/fnv"

// Mix64 is the splitmix64 finalizer.
func Mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// HashString folds s into a stable 64-bit value. Stable across processes,
// unlike maphash.
func HashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return Mix64(h.Sum64())
}

// Combine mixes a sequence of values into one hash, order-sensitive.
func Combine(vs ...uint64) uint64 {
	acc := uint64(0x243f6a8885a308d3)
	for _, v := range vs {
		acc = Mix64(acc ^ (v * 0xc2b2ae3d27d4eb4f))
	}
	return acc
}
