package cowdb

// Environment flags.
const (
	// FixedMap maps the data file at the address recorded in the meta page.
	FixedMap uint32 = 0x01
	// NoSync skips the fsync calls on commit.
	//
	// THIS IS UNSAFE. PLEASE USE WITH CAUTION.
	NoSync uint32 = 0x10000
	// ReadOnly opens the environment in read-only mode.
	ReadOnly uint32 = 0x20000
)

// Database flags.
const (
	// ReverseKey compares keys from the last byte to the first.
	ReverseKey uint16 = 0x02
	// DupSort keeps sorted duplicate values for each key.
	DupSort uint16 = 0x04
	// IntegerKey marks keys as native-endian unsigned integers. On
	// little-endian hosts this selects the byte-reverse comparator so that
	// byte order matches numeric order.
	IntegerKey uint16 = 0x08
	// Create creates the named database if it does not exist.
	Create uint16 = 0x4000
)

// Put flags.
const (
	// NoOverwrite fails with ErrKeyExist if the key is already present. On a
	// DupSort database it fails only when the exact key/value pair is
	// present; a new value is added as a duplicate.
	NoOverwrite uint = 0x10
	// NoDupData fails with ErrKeyExist if the exact key/value pair is
	// already present in a DupSort database.
	NoDupData uint = 0x20

	// putSubData marks the value as a serialized sub-database record.
	putSubData uint = 0x8000
)

// Del flags.
const (
	// DelDup removes a single duplicate from a DupSort database instead of
	// the whole key.
	DelDup uint = 0x01
)

func isSet(w, f uint32) bool   { return w&f == f }
func isSet16(w, f uint16) bool { return w&f == f }
