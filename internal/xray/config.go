// Package xray models the subset of the Xray JSON configuration managed by
// xctl: the VLESS+Reality inbound and its clients. Everything else in the
// document is carried through untouched.
package xray

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// VariantVLESSReality is the protocol variant tag of a VLESS inbound secured with Reality.
const VariantVLESSReality = "vless-reality"

// FlowVision is the flow Reality clients are created with.
const FlowVision = "xtls-rprx-vision"

// ErrNoRealityInbound is returned when the document has no VLESS+Reality inbound.
var ErrNoRealityInbound = errors.New("no VLESS+Reality inbound found in configuration")

// Config is the root Xray document.
type Config struct {
	Inbounds []Inbound `json:"inbounds"`

	extra extraFields
}

// Inbound is one entry of "inbounds". Only the Reality inbound is managed;
// the others are carried through.
type Inbound struct {
	Tag            string           `json:"tag,omitempty"`
	Listen         string           `json:"listen,omitempty"`
	Port           Port             `json:"port,omitzero"`
	Protocol       string           `json:"protocol"`
	Settings       *InboundSettings `json:"settings,omitempty"`
	StreamSettings *StreamSettings  `json:"streamSettings,omitempty"`

	extra extraFields
}

// InboundSettings holds the client list of a VLESS inbound.
type InboundSettings struct {
	Clients    []UserEntry `json:"clients,omitempty"`
	Decryption string      `json:"decryption,omitempty"`

	extra extraFields
}

// StreamSettings selects the transport and its security layer.
type StreamSettings struct {
	Network         string           `json:"network,omitempty"`
	Security        string           `json:"security,omitempty"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`

	extra extraFields
}

// RealitySettings is the server side of a Reality handshake.
type RealitySettings struct {
	Dest        string   `json:"dest,omitempty"`
	ServerNames []string `json:"serverNames,omitempty"`
	PrivateKey  string   `json:"privateKey,omitempty"`
	ShortIDs    []string `json:"shortIds,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	SpiderX     string   `json:"spiderX,omitempty"`

	extra extraFields
}

// UserEntry is a single client of the Reality inbound. Email is the user
// identifier: Xray keys its traffic counters by it.
type UserEntry struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Flow  string `json:"flow,omitempty"`
	Level int    `json:"level,omitempty"`
	// Quota is the traffic budget in bytes, 0 means unlimited. Xray ignores it.
	Quota int64 `json:"quota,omitempty"`

	extra extraFields
}

// Port is an inbound port as written in the document. Besides numbers and
// numeric strings Xray accepts ranges ("10000-10010") and environment
// references ("env:PORT"); those are kept verbatim.
type Port struct {
	raw json.RawMessage
}

// PortNumber returns a numeric Port.
func PortNumber(n int) Port {
	return Port{raw: json.RawMessage(strconv.Itoa(n))}
}

// Int returns the port number. ok is false for ranges, env references and
// an absent port.
func (p Port) Int() (n int, ok bool) {
	s := string(bytes.Trim(p.raw, `"`))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p Port) IsZero() bool { return len(p.raw) == 0 }

func (p Port) String() string {
	if n, ok := p.Int(); ok {
		return strconv.Itoa(n)
	}
	return string(bytes.Trim(p.raw, `"`))
}

func (p *Port) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		p.raw = nil
		return nil
	}
	if len(data) == 0 || (data[0] != '"' && (data[0] < '0' || data[0] > '9')) {
		return fmt.Errorf("invalid port %s", data)
	}
	p.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (p Port) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.raw, nil
}

// Decode parses an Xray JSON document.
func Decode(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Encode renders the document with two-space indentation and a trailing newline.
func (c *Config) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("xray: clone: %v", err))
	}
	clone, err := Decode(data)
	if err != nil {
		panic(fmt.Sprintf("xray: clone: %v", err))
	}
	return clone
}

// Reality returns the first VLESS inbound secured with Reality.
func (c *Config) Reality() (*Inbound, error) {
	for i := range c.Inbounds {
		in := &c.Inbounds[i]
		if in.Protocol == "vless" && in.StreamSettings != nil && in.StreamSettings.Security == "reality" {
			return in, nil
		}
	}
	return nil, ErrNoRealityInbound
}

// Variant returns the protocol variant tag of the managed inbound.
func (c *Config) Variant() string {
	if _, err := c.Reality(); err == nil {
		return VariantVLESSReality
	}
	return ""
}

// Users returns a copy of the managed inbound's clients in insertion order.
func (c *Config) Users() []UserEntry {
	in, err := c.Reality()
	if err != nil || in.Settings == nil {
		return nil
	}
	return append([]UserEntry(nil), in.Settings.Clients...)
}

// Emails returns the user identifiers in insertion order.
func (c *Config) Emails() []string {
	users := c.Users()
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Email
	}
	return out
}

// FindUser looks a user up by email.
func (c *Config) FindUser(email string) (UserEntry, bool) {
	for _, u := range c.Users() {
		if u.Email == email {
			return u, true
		}
	}
	return UserEntry{}, false
}

// AddUser appends u to the managed inbound. Duplicate ids or emails are
// rejected with a *ValidationError.
func (c *Config) AddUser(u UserEntry) error {
	in, err := c.Reality()
	if err != nil {
		return err
	}
	if in.Settings == nil {
		in.Settings = &InboundSettings{Decryption: "none"}
	}
	for _, existing := range in.Settings.Clients {
		if existing.Email == u.Email {
			return &ValidationError{Problems: []FieldError{{Field: "email", Message: fmt.Sprintf("user %q already exists", u.Email)}}}
		}
		if existing.ID == u.ID {
			return &ValidationError{Problems: []FieldError{{Field: "id", Message: fmt.Sprintf("id %q already in use by %q", u.ID, existing.Email)}}}
		}
	}
	in.Settings.Clients = append(in.Settings.Clients, u)
	return nil
}

// RemoveUser deletes the user with the given email. It reports whether a
// user was removed.
func (c *Config) RemoveUser(email string) bool {
	in, err := c.Reality()
	if err != nil || in.Settings == nil {
		return false
	}
	clients := in.Settings.Clients[:0]
	removed := false
	for _, u := range in.Settings.Clients {
		if u.Email == email {
			removed = true
			continue
		}
		clients = append(clients, u)
	}
	in.Settings.Clients = clients
	return removed
}

func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	var p plain
	extra, err := splitExtra(data, &p)
	if err != nil {
		return err
	}
	*c = Config(p)
	c.extra = extra
	return nil
}

func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	return joinExtra(plain(c), c.extra)
}

func (in *Inbound) UnmarshalJSON(data []byte) error {
	type plain Inbound
	var p plain
	extra, err := splitExtra(data, &p)
	if err != nil {
		return err
	}
	*in = Inbound(p)
	in.extra = extra
	return nil
}

func (in Inbound) MarshalJSON() ([]byte, error) {
	type plain Inbound
	return joinExtra(plain(in), in.extra)
}

func (s *InboundSettings) UnmarshalJSON(data []byte) error {
	type plain InboundSettings
	var p plain
	extra, err := splitExtra(data, &p)
	if err != nil {
		return err
	}
	*s = InboundSettings(p)
	s.extra = extra
	return nil
}

func (s InboundSettings) MarshalJSON() ([]byte, error) {
	type plain InboundSettings
	return joinExtra(plain(s), s.extra)
}

func (s *StreamSettings) UnmarshalJSON(data []byte) error {
	type plain StreamSettings
	var p plain
	extra, err := splitExtra(data, &p)
	if err != nil {
		return err
	}
	*s = StreamSettings(p)
	s.extra = extra
	return nil
}

func (s StreamSettings) MarshalJSON() ([]byte, error) {
	type plain StreamSettings
	return joinExtra(plain(s), s.extra)
}

func (r *RealitySettings) UnmarshalJSON(data []byte) error {
	type plain RealitySettings
	var p plain
	extra, err := splitExtra(data, &p)
	if err != nil {
		return err
	}
	*r = RealitySettings(p)
	r.extra = extra
	return nil
}

func (r RealitySettings) MarshalJSON() ([]byte, error) {
	type plain RealitySettings
	return joinExtra(plain(r), r.extra)
}

func (u *UserEntry) UnmarshalJSON(data []byte) error {
	type plain UserEntry
	var p plain
	extra, err := splitExtra(data, &p)
	if err != nil {
		return err
	}
	*u = UserEntry(p)
	u.extra = extra
	return nil
}

func (u UserEntry) MarshalJSON() ([]byte, error) {
	type plain UserEntry
	return joinExtra(plain(u), u.extra)
}
