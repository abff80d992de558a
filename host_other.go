//go:build !unix

package gudart

// allocPinned falls back to pageable Go memory where mlock is unavailable
func allocPinned(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func freePinned([]byte, bool) error {
	return nil
}
