package domain

import "hash/fnv"

// accountLockNamespace is set on every account lock key so account locks never
// collide with other advisory lock users of the same database.
const accountLockNamespace int64 = 1 << 62

// AccountLockKey derives the 64-bit advisory lock key for an account: the FNV-1a
// hash of the id shifted into the low 62 bits, combined with the namespace bit.
// The result is always positive.
func AccountLockKey(accountID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(accountID))
	return int64(h.Sum64()>>2) | accountLockNamespace
}
