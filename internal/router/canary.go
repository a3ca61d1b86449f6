// Copyright 2025 James Ross
package router

import "hash/fnv"

// PercentageBucket deterministically hashes key into a bucket in [0,100)
// and reports whether that bucket falls under percentage, so the same key
// always lands on the same side of a traffic split. Ported from the
// legacy hash-based routing helper (bucket < percentage), preserved as-is
// per the decision recorded in DESIGN.md: at percentage=100 every bucket
// in [0,99] is admitted, at percentage=0 none is.
func PercentageBucket(key string, percentage int) bool {
	h := fnv.New32a()
	h.Write([]byte(key))
	bucket := int(h.Sum32() % 100)
	return bucket < percentage
}
