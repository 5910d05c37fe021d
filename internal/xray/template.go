package xray

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"fmt"
)

//go:embed template.json
var realityTemplate []byte

// RealityParams are the values a fresh server document is built from.
type RealityParams struct {
	Port       int
	APIPort    int
	ServerName string
	PrivateKey string
	// ShortID is generated when empty.
	ShortID string
}

// NewReality returns a server document with an api inbound and an empty
// VLESS+Reality inbound masquerading as ServerName.
func NewReality(p RealityParams) (*Config, error) {
	cfg, err := Decode(realityTemplate)
	if err != nil {
		return nil, fmt.Errorf("xray: template: %w", err)
	}
	if p.ShortID == "" {
		p.ShortID, err = NewShortID()
		if err != nil {
			return nil, err
		}
	}

	for i := range cfg.Inbounds {
		if cfg.Inbounds[i].Tag == "api" {
			cfg.Inbounds[i].Port = PortNumber(p.APIPort)
		}
	}
	in, err := cfg.Reality()
	if err != nil {
		return nil, fmt.Errorf("xray: template: %w", err)
	}
	in.Port = PortNumber(p.Port)
	rs := in.StreamSettings.RealitySettings
	rs.Dest = fmt.Sprintf("%s:443", p.ServerName)
	rs.ServerNames = []string{p.ServerName}
	rs.PrivateKey = p.PrivateKey
	rs.ShortIDs = []string{p.ShortID}
	return cfg, nil
}

// NewShortID returns 8 random bytes in hex, the longest short id Reality takes.
func NewShortID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("xray: short id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
