package provider

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/authgate/autherr"
)

// Error is the failure shape adapters report: the vendor message, its HTTP
// status (zero when the request never got a response) and the vendor code.
type Error struct {
	Message string
	Status  int
	Code    string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code != "" {
		return fmt.Sprintf("provider error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// NormalizeError converts an adapter error into an *autherr.Error. Errors
// that are already normalized pass through unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var ae *autherr.Error
	if errors.As(err, &ae) && ae != nil {
		return ae
	}
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		out := autherr.FromStatus(pe.Status, pe.Code, pe.Message)
		out.Err = err
		return out
	}
	return autherr.From(err)
}
