package experiments

import (
	"crypto/md5"
	"encoding/binary"
)

// Bucket maps a (userID, testID) pair to a stable value in [0,1). It is a
// pure function of its inputs: the same pair hashes to the same value on
// every call, every process and every replica, which is what keeps a user in
// the same variant for the life of an experiment.
func Bucket(userID, testID string) float64 {
	sum := md5.Sum([]byte(userID + ":" + testID))
	prefix := binary.BigEndian.Uint32(sum[:4])
	return float64(prefix) / float64(0xffffffff)
}

// AssignVariant walks the variants in their defined order, accumulating
// weight/100, and returns the id of the first variant whose cumulative
// boundary covers the bucket value. The walk order is part of the contract:
// iterating in a different order moves the boundaries.
//
// When floating-point rounding leaves the value past every boundary the last
// variant wins.
func AssignVariant(value float64, variants Variants) string {
	if len(variants) == 0 {
		return ""
	}
	var cumulative float64
	for _, variant := range variants {
		cumulative += variant.Weight / 100
		if value <= cumulative {
			return variant.ID
		}
	}
	return variants[len(variants)-1].ID
}

// BucketVariant composes Bucket and AssignVariant.
func BucketVariant(userID, testID string, variants Variants) string {
	return AssignVariant(Bucket(userID, testID), variants)
}
