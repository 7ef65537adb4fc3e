package cowdb

import "bytes"

// Comparator orders two keys. It returns a negative value when a sorts
// before b, zero when they are equal, and a positive value otherwise.
type Comparator func(a, b []byte) int

// BytesComparator is the default lexicographic key order.
func BytesComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

// ReverseComparator compares keys from the last byte backwards. It is used
// for ReverseKey databases and, on little-endian hosts, for IntegerKey
// databases, where reversed byte order equals numeric order.
func ReverseComparator(a, b []byte) int {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 {
		if a[i] != b[j] {
			if a[i] < b[j] {
				return -1
			}
			return 1
		}
		i--
		j--
	}
	if i >= 0 {
		return 1
	}
	if j >= 0 {
		return -1
	}
	return 0
}
