package utils

// Value dereferences v, returning the zero value of T when v is nil.
// Optional fields of wire types are pointers so that absent and empty can be told apart.
func Value[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}
