package xray

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError lists every problem found in a document. A document that
// fails validation is never persisted.
type ValidationError struct {
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid config: %s: %s", e.Problems[0].Field, e.Problems[0].Message)
	}
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Field + ": " + p.Message
	}
	return fmt.Sprintf("invalid config (%d problems): %s", len(e.Problems), strings.Join(parts, "; "))
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Problems = append(e.Problems, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the invariants xctl relies on. It returns a *ValidationError
// or nil.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	in, err := c.Reality()
	if err != nil {
		verr.add("inbounds", "%v", err)
		return verr
	}
	prefix := "inbounds[" + inboundLabel(in) + "]"

	if n, ok := in.Port.Int(); !ok || n < 1 || n > 65535 {
		verr.add(prefix+".port", "must be a number between 1 and 65535, got %q", in.Port.String())
	}

	rs := in.StreamSettings.RealitySettings
	if rs == nil {
		verr.add(prefix+".streamSettings.realitySettings", "is required")
	} else {
		if _, err := DecodeKey(rs.PrivateKey); err != nil {
			verr.add(prefix+".realitySettings.privateKey", "%v", err)
		}
		if len(rs.ServerNames) == 0 {
			verr.add(prefix+".realitySettings.serverNames", "at least one server name is required")
		}
		if len(rs.ShortIDs) == 0 {
			verr.add(prefix+".realitySettings.shortIds", "at least one short id is required")
		}
		for i, sid := range rs.ShortIDs {
			if len(sid) > 16 || len(sid)%2 != 0 {
				verr.add(fmt.Sprintf("%s.realitySettings.shortIds[%d]", prefix, i), "must be an even number of hex digits, at most 16")
				continue
			}
			if _, err := hex.DecodeString(sid); err != nil {
				verr.add(fmt.Sprintf("%s.realitySettings.shortIds[%d]", prefix, i), "not hex: %q", sid)
			}
		}
	}

	var clients []UserEntry
	if in.Settings != nil {
		clients = in.Settings.Clients
	}
	emails := make(map[string]bool, len(clients))
	ids := make(map[string]bool, len(clients))
	for i, u := range clients {
		field := fmt.Sprintf("%s.settings.clients[%d]", prefix, i)
		switch {
		case u.Email == "":
			verr.add(field+".email", "is required")
		case strings.Contains(u.Email, ">>>"):
			verr.add(field+".email", "must not contain %q", ">>>")
		case emails[u.Email]:
			verr.add(field+".email", "duplicate user %q", u.Email)
		}
		emails[u.Email] = true

		if _, err := uuid.Parse(u.ID); err != nil {
			verr.add(field+".id", "not a valid UUID: %q", u.ID)
		} else if ids[strings.ToLower(u.ID)] {
			verr.add(field+".id", "duplicate id %q", u.ID)
		}
		ids[strings.ToLower(u.ID)] = true

		if u.Flow != "" && u.Flow != FlowVision {
			verr.add(field+".flow", "unsupported flow %q", u.Flow)
		}
		if u.Level < 0 {
			verr.add(field+".level", "must not be negative")
		}
		if u.Quota < 0 {
			verr.add(field+".quota", "must not be negative")
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func inboundLabel(in *Inbound) string {
	if in.Tag != "" {
		return in.Tag
	}
	return in.Protocol
}

// DecodeKey decodes an X25519 key as printed by `xray x25519` (base64url,
// usually unpadded). Standard base64 is accepted as well.
func DecodeKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("key is empty")
	}
	if len(key) != 43 && len(key) != 44 {
		return nil, fmt.Errorf("invalid key length %d, expected 43-44", len(key))
	}
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		raw, err := enc.DecodeString(key)
		if err == nil && len(raw) == 32 {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("key is not 32 bytes of base64")
}
