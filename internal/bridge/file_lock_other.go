//go:build !unix

package bridge

// Without flock the in-process mutex is the only guard.
func lockFile(path string, exclusive bool) (func(), error) {
	return func() {}, nil
}
