//go:build !linux

package transport

// NewBlueZPeripheral is only available on Linux.
func NewBlueZPeripheral(config BlueZConfig) (Peripheral, error) {
	return nil, ErrBlueZUnavailable
}
