//go:build !linux

package memmon

func ReadSystemMemory() (SystemMemory, error) {
	return SystemMemory{}, ErrUnsupported
}
