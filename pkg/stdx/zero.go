package stdx

// Zero returns the zero value for a given type T. Futures use it for the value
// half of a rejected result.
func Zero[T any]() T {
	var zero T
	return zero
}
