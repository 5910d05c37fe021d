// Package link renders client share links for the protocol variant the Xray
// inbound is configured with.
package link

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"

	"golang.org/x/crypto/curve25519"

	"github.com/bigbes/xctl/internal/xray"
)

// Strategy builds links for one protocol variant.
type Strategy interface {
	Name() string
	Link(inbound *xray.Inbound, user xray.UserEntry, host, publicKey string) (string, error)
}

var registry = map[string]Strategy{
	xray.VariantVLESSReality: vlessReality{},
}

// Get returns the strategy registered under name.
func Get(name string) (Strategy, error) {
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("link: unknown protocol %q (supported: %v)", name, Names())
	}
	return s, nil
}

// Names lists the registered protocol variants.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PublicKey derives the Reality public key from the inbound's private key,
// encoded the way `xray x25519` prints it.
func PublicKey(privateKey string) (string, error) {
	raw, err := xray.DecodeKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("link: private key: %w", err)
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("link: derive public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}

// GenerateKey returns a new Reality key pair, encoded like PublicKey.
func GenerateKey() (privateKey, publicKey string, err error) {
	raw := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("link: generate key: %w", err)
	}
	raw[0] &= 248
	raw[31] &= 127
	raw[31] |= 64
	privateKey = base64.RawURLEncoding.EncodeToString(raw)
	publicKey, err = PublicKey(privateKey)
	if err != nil {
		return "", "", err
	}
	return privateKey, publicKey, nil
}

// hostPort brackets IPv6 literals.
func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

type vlessReality struct{}

func (vlessReality) Name() string { return xray.VariantVLESSReality }

func (vlessReality) Link(in *xray.Inbound, user xray.UserEntry, host, publicKey string) (string, error) {
	if in == nil || in.StreamSettings == nil || in.StreamSettings.RealitySettings == nil {
		return "", fmt.Errorf("link: inbound has no reality settings")
	}
	if host == "" {
		return "", fmt.Errorf("link: server address is unknown")
	}
	rs := in.StreamSettings.RealitySettings
	if publicKey == "" {
		derived, err := PublicKey(rs.PrivateKey)
		if err != nil {
			return "", err
		}
		publicKey = derived
	}

	var sni, sid string
	if len(rs.ServerNames) > 0 {
		sni = rs.ServerNames[0]
	}
	if len(rs.ShortIDs) > 0 {
		sid = rs.ShortIDs[0]
	}
	fp := rs.Fingerprint
	if fp == "" {
		fp = "chrome"
	}
	network := in.StreamSettings.Network
	if network == "" {
		network = "tcp"
	}

	// Parameter order matches what the clients emit; url.Values would sort it.
	query := "security=reality" +
		"&sni=" + url.QueryEscape(sni) +
		"&fp=" + url.QueryEscape(fp) +
		"&pbk=" + url.QueryEscape(publicKey) +
		"&sid=" + url.QueryEscape(sid) +
		"&type=" + url.QueryEscape(network) +
		"&flow=" + xray.FlowVision +
		"&encryption=none"
	if rs.SpiderX != "" {
		query += "&spx=" + url.QueryEscape(rs.SpiderX)
	}

	port, ok := in.Port.Int()
	if !ok {
		return "", fmt.Errorf("link: inbound port %q is not a number", in.Port.String())
	}
	return fmt.Sprintf("vless://%s@%s?%s#%s",
		user.ID, hostPort(host, port), query, url.PathEscape(user.Email)), nil
}
