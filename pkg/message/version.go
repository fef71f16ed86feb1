package message

import "fmt"

// VersionExchange is the first message on a new connection. It is sent
// unframed, once per direction, before any Frame.
type VersionExchange struct {
	MinMessagingVersion int32 `cbor:"1,keyasint"`
	MaxMessagingVersion int32 `cbor:"2,keyasint"`
	MinSecurityVersion  int32 `cbor:"3,keyasint"`
	MaxSecurityVersion  int32 `cbor:"4,keyasint"`
}

// Encode returns the wire encoding.
func (v *VersionExchange) Encode() ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodeVersionExchange parses a version exchange message.
func DecodeVersionExchange(data []byte) (*VersionExchange, error) {
	v := &VersionExchange{}
	if err := decMode.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%w: version exchange: %v", ErrMalformedMessage, err)
	}
	return v, nil
}

// String implements fmt.Stringer.
func (v VersionExchange) String() string {
	return fmt.Sprintf("messaging=[%d,%d] security=[%d,%d]",
		v.MinMessagingVersion, v.MaxMessagingVersion,
		v.MinSecurityVersion, v.MaxSecurityVersion)
}
