package interfaces

// ByteStore is an ordered key-value store. Get returns an
// error matching errors.ErrNotFound for absent keys.
type ByteStore interface { // A
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan calls fn for every key with the prefix, in key
	// order. Key and value are only valid during the call.
	Scan(prefix []byte, fn func(key, value []byte) error) error
	// Update runs fn in a read-write transaction that is
	// committed atomically if fn returns nil.
	Update(fn func(tx ByteTxn) error) error
	View(fn func(tx ByteTxn) error) error
}

// ByteTxn is the view of the store inside a transaction.
type ByteTxn interface { // A
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}
