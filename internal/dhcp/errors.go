package dhcp

import (
	"errors"
	"fmt"

	"github.com/athena-dhcpd/athena-dhcplisten/pkg/dhcpv4"
)

// Decode failures. Match with errors.Is; the returned errors carry detail.
var (
	ErrBufferTooShort      = errors.New("buffer too short")
	ErrMagicCookieMismatch = errors.New("magic cookie mismatch")
	ErrTruncatedOption     = errors.New("truncated option")
	ErrMalformedLength     = errors.New("malformed option length")
)

// OptionError reports a failure of a single option in the option stream.
type OptionError struct {
	Code   dhcpv4.OptionCode
	Offset int // offset of the code byte within the option stream
	Err    error
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("option %d (%s) at offset %d: %v", e.Code, LookupOption(e.Code).Name, e.Offset, e.Err)
}

func (e *OptionError) Unwrap() error { return e.Err }
