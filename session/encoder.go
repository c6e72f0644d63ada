package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrCorrupt is returned by Decode for records that are not a usable session.
var ErrCorrupt = errors.New("session: corrupt record")

// ErrInvalid is returned by Encode and Manager.Set for sessions missing
// required fields.
var ErrInvalid = errors.New("session: invalid session")

// Encode serializes s as its persisted JSON record.
func Encode(s *Session) ([]byte, error) {
	if err := check(s); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// Decode parses a persisted record. Unknown fields are ignored so that older
// binaries can read records written by newer ones.
func Decode(data []byte) (*Session, error) {
	if len(data) == 0 {
		return nil, ErrCorrupt
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := check(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &s, nil
}

func check(s *Session) error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil session", ErrInvalid)
	case strings.TrimSpace(s.AccessToken) == "":
		return fmt.Errorf("%w: empty access token", ErrInvalid)
	case s.ExpiresAt.IsZero():
		return fmt.Errorf("%w: missing expiry", ErrInvalid)
	}
	return nil
}
