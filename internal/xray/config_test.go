package xray

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"
)

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	data, err := os.ReadFile("testdata/config.json")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return cfg
}

func TestDecodeReality(t *testing.T) {
	cfg := loadTestConfig(t)

	in, err := cfg.Reality()
	if err != nil {
		t.Fatal(err)
	}
	if port, _ := in.Port.Int(); in.Tag != "vless-in" || port != 443 {
		t.Fatalf("got inbound %q port %s", in.Tag, in.Port)
	}
	rs := in.StreamSettings.RealitySettings
	if rs.ServerNames[0] != "www.example.com" || rs.ShortIDs[0] != "6ba85179e30d4fc2" {
		t.Fatalf("unexpected reality settings: %+v", rs)
	}
	if got := cfg.Emails(); !reflect.DeepEqual(got, []string{"alice", "bob-phone"}) {
		t.Fatalf("emails = %v", got)
	}
	bob, ok := cfg.FindUser("bob-phone")
	if !ok || bob.Quota != 10737418240 {
		t.Fatalf("bob = %+v, %v", bob, ok)
	}
	if cfg.Variant() != VariantVLESSReality {
		t.Fatalf("variant = %q", cfg.Variant())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEncodePreservesUnmodeledKeys(t *testing.T) {
	cfg := loadTestConfig(t)
	data, err := cfg.Encode()
	if err != nil {
		t.Fatal(err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"log", "api", "stats", "policy", "outbounds", "routing"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("top-level key %q lost", key)
		}
	}

	inbounds := doc["inbounds"].([]any)
	api := inbounds[0].(map[string]any)
	if api["settings"].(map[string]any)["address"] != "127.0.0.1" {
		t.Errorf("dokodemo settings lost: %v", api["settings"])
	}
	vless := inbounds[1].(map[string]any)
	if _, ok := vless["sniffing"]; !ok {
		t.Error("sniffing lost")
	}
	reality := vless["streamSettings"].(map[string]any)["realitySettings"].(map[string]any)
	if reality["dest"] != "www.example.com:443" {
		t.Errorf("reality dest lost: %v", reality)
	}

	again, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	data2, err := again.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(data2) {
		t.Fatalf("encode is not stable:\n%s\n---\n%s", data, data2)
	}
}

func TestPortForms(t *testing.T) {
	cfg, err := Decode([]byte(`{"inbounds":[{"port":"8443","protocol":"vless"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if port, ok := cfg.Inbounds[0].Port.Int(); !ok || port != 8443 {
		t.Fatalf("port = %s", cfg.Inbounds[0].Port)
	}

	data, err := os.ReadFile("testdata/config.json")
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	doc["inbounds"] = append(doc["inbounds"].([]any),
		map[string]any{"tag": "range", "protocol": "dokodemo-door", "port": "10000-10010"},
		map[string]any{"tag": "env", "protocol": "socks", "port": "env:SOCKS_PORT"},
	)
	data, _ = json.Marshal(doc)
	cfg, err = Decode(data)
	if err != nil {
		t.Fatalf("ranges and env ports must decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unmanaged port forms must not fail validation: %v", err)
	}
	n := len(cfg.Inbounds)
	if _, ok := cfg.Inbounds[n-2].Port.Int(); ok || cfg.Inbounds[n-2].Port.String() != "10000-10010" {
		t.Fatalf("range port = %s", cfg.Inbounds[n-2].Port)
	}
	out, err := cfg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"port": "10000-10010"`, `"port": "env:SOCKS_PORT"`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("encoded config lost %s", want)
		}
	}

	reality, _ := cfg.Reality()
	reality.Port = Port{}
	if !strings.Contains(fmt.Sprint(cfg.Validate()), ".port") {
		t.Fatal("reality inbound without a port accepted")
	}
	if _, err := Decode([]byte(`{"inbounds":[{"port":true}]}`)); err == nil {
		t.Fatal("expected error for boolean port")
	}
}

func TestAddRemoveUser(t *testing.T) {
	cfg := loadTestConfig(t)

	err := cfg.AddUser(UserEntry{ID: "0f1a5c3e-8f0b-4a8e-9f52-0d3cf4a3b1aa", Email: "carol", Flow: FlowVision})
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Emails(); !reflect.DeepEqual(got, []string{"alice", "bob-phone", "carol"}) {
		t.Fatalf("emails after add = %v", got)
	}

	err = cfg.AddUser(UserEntry{ID: "11111111-1111-4111-8111-111111111111", Email: "alice"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("duplicate email: got %v, want ValidationError", err)
	}

	err = cfg.AddUser(UserEntry{ID: "5783a3e7-e373-51cd-8642-c83782b807c5", Email: "dave"})
	if !errors.As(err, &verr) {
		t.Fatalf("duplicate id: got %v, want ValidationError", err)
	}

	if !cfg.RemoveUser("alice") {
		t.Fatal("RemoveUser(alice) = false")
	}
	if cfg.RemoveUser("alice") {
		t.Fatal("second RemoveUser(alice) = true")
	}
	if got := cfg.Emails(); !reflect.DeepEqual(got, []string{"bob-phone", "carol"}) {
		t.Fatalf("emails after remove = %v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := loadTestConfig(t)
	clone := cfg.Clone()
	clone.RemoveUser("alice")
	if _, ok := cfg.FindUser("alice"); !ok {
		t.Fatal("mutating the clone changed the original")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{
			name:   "bad port",
			mutate: func(c *Config) { c.Inbounds[1].Port = PortNumber(70000) },
			field:  "inbounds[vless-in].port",
		},
		{
			name: "short private key",
			mutate: func(c *Config) {
				c.Inbounds[1].StreamSettings.RealitySettings.PrivateKey = "abc"
			},
			field: "inbounds[vless-in].realitySettings.privateKey",
		},
		{
			name: "odd short id",
			mutate: func(c *Config) {
				c.Inbounds[1].StreamSettings.RealitySettings.ShortIDs = []string{"abc"}
			},
			field: "inbounds[vless-in].realitySettings.shortIds[0]",
		},
		{
			name: "no server names",
			mutate: func(c *Config) {
				c.Inbounds[1].StreamSettings.RealitySettings.ServerNames = nil
			},
			field: "inbounds[vless-in].realitySettings.serverNames",
		},
		{
			name: "duplicate email",
			mutate: func(c *Config) {
				c.Inbounds[1].Settings.Clients[1].Email = "alice"
			},
			field: "inbounds[vless-in].settings.clients[1].email",
		},
		{
			name: "bad uuid",
			mutate: func(c *Config) {
				c.Inbounds[1].Settings.Clients[0].ID = "not-a-uuid"
			},
			field: "inbounds[vless-in].settings.clients[0].id",
		},
		{
			name: "unknown flow",
			mutate: func(c *Config) {
				c.Inbounds[1].Settings.Clients[0].Flow = "xtls-rprx-direct"
			},
			field: "inbounds[vless-in].settings.clients[0].flow",
		},
		{
			name: "negative quota",
			mutate: func(c *Config) {
				c.Inbounds[1].Settings.Clients[0].Quota = -1
			},
			field: "inbounds[vless-in].settings.clients[0].quota",
		},
		{
			name:   "no reality inbound",
			mutate: func(c *Config) { c.Inbounds[1].StreamSettings.Security = "tls" },
			field:  "inbounds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadTestConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			found := false
			for _, p := range verr.Problems {
				if p.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("problems %+v do not mention %q", verr.Problems, tt.field)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error text %q does not mention %q", err.Error(), tt.field)
			}
		})
	}
}

func TestDecodeKey(t *testing.T) {
	if _, err := DecodeKey("dwdtCnMYpX08FsFyUbJmRd9ML4frwJkqsXf7pR25LCo"); err != nil {
		t.Fatalf("base64url key: %v", err)
	}
	if _, err := DecodeKey("dwdtCnMYpX08FsFyUbJmRd9ML4frwJkqsXf7pR25LCo="); err != nil {
		t.Fatalf("padded key: %v", err)
	}
	if _, err := DecodeKey(""); err == nil {
		t.Fatal("empty key accepted")
	}
	if _, err := DecodeKey(strings.Repeat("!", 43)); err == nil {
		t.Fatal("garbage key accepted")
	}
}
