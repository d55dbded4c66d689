package serversets

// A Deserializer decodes the data of a member znode into a value.
// It is called with the NodeSet lock held and must not block.
type Deserializer[T any] func(data []byte) (T, error)

// Entry is one child of a watched group path.
type Entry[T any] struct {
	ID  string
	Raw []byte
	// Value is the decoded data, the zero value when Err is set.
	Value T
	// Err is set when the data could not be fetched or decoded.
	Err error
}

// OK reports whether the entry holds a decoded value.
func (e Entry[T]) OK() bool {
	return e.Err == nil
}
