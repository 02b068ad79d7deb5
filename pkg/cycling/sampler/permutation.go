package sampler

import (
	"math/bits"
	"math/rand/v2"
)

// Permutation returns the index order for one epoch.
//
// With shuffle enabled the order is a Fisher-Yates shuffle driven by a PCG
// generator seeded with (seed, epoch), so identical inputs produce identical
// output on every platform, process and Go release. With shuffle disabled
// it is the identity order.
func Permutation(size int, seed int64, epoch int, shuffle bool) []int {
	if size <= 0 {
		return []int{}
	}
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	if !shuffle {
		return indices
	}

	src := rand.NewPCG(uint64(seed), uint64(epoch))
	for i := size - 1; i > 0; i-- {
		j := int(boundedUint64(src, uint64(i+1)))
		indices[i], indices[j] = indices[j], indices[i]
	}
	return indices
}

// boundedUint64 draws a uniform value in [0, n) using Lemire's
// multiply-shift rejection method on the raw PCG stream.
func boundedUint64(src *rand.PCG, n uint64) uint64 {
	hi, lo := bits.Mul64(src.Uint64(), n)
	if lo < n {
		threshold := -n % n
		for lo < threshold {
			hi, lo = bits.Mul64(src.Uint64(), n)
		}
	}
	return hi
}

// ReplicaSize returns how many indices each of replicas receives for a
// dataset of size: ceil(size/replicas), or floor under dropLast.
func ReplicaSize(size, replicas int, dropLast bool) int {
	if replicas <= 0 || size <= 0 {
		return 0
	}
	if dropLast {
		return size / replicas
	}
	return (size + replicas - 1) / replicas
}

// Shard evens perm out across replicas and returns the slice owned by rank.
//
// When len(perm) is not divisible by replicas the sequence is either
// truncated to the largest multiple (dropLast) or padded by cyclically
// repeating its own prefix. Rank r then takes perm[r::replicas].
func Shard(perm []int, replicas, rank int, dropLast bool) []int {
	if replicas <= 0 || rank < 0 || rank >= replicas || len(perm) == 0 {
		return []int{}
	}
	perReplica := ReplicaSize(len(perm), replicas, dropLast)
	total := perReplica * replicas

	padded := perm
	switch {
	case total < len(perm):
		padded = perm[:total]
	case total > len(perm):
		padded = make([]int, total)
		copy(padded, perm)
		for i := len(perm); i < total; i++ {
			padded[i] = perm[(i-len(perm))%len(perm)]
		}
	}

	out := make([]int, 0, perReplica)
	for i := rank; i < total; i += replicas {
		out = append(out, padded[i])
	}
	return out
}
