package stats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const sep = ">>>"

type response struct {
	// statsquery: {"stat":[{"name":"user>>>alice>>>traffic>>>uplink","value":"123"}]}
	Stat []struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	} `json:"stat"`

	// expvar: {"stats":{"user":{"alice":{"uplink":1,"downlink":2}}}}
	Stats *struct {
		User map[string]map[string]json.RawMessage `json:"user"`
	} `json:"stats"`
}

// Parse turns a statsquery or expvar response into per-user counters.
// Entries it does not understand are skipped one by one; only a body that is
// not a JSON object fails with ErrParse. An empty body is an empty result,
// which is what Xray prints when no counter exists yet.
func Parse(body []byte) (map[string]Counters, error) {
	users := make(map[string]Counters)
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return users, nil
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("stats: %w: %w", ErrParse, err)
	}

	for _, st := range resp.Stat {
		email, dir, ok := parseName(st.Name)
		if !ok {
			continue
		}
		v, ok := parseValue(st.Value)
		if !ok {
			continue
		}
		users[email] = setDirection(users[email], dir, v)
	}

	if resp.Stats != nil {
		for email, dirs := range resp.Stats.User {
			if email == "" {
				continue
			}
			c := users[email]
			for _, dir := range []string{"uplink", "downlink"} {
				if v, ok := parseValue(dirs[dir]); ok {
					c = setDirection(c, dir, v)
				}
			}
			users[email] = c
		}
	}
	return users, nil
}

// parseName splits "user>>>EMAIL>>>traffic>>>DIRECTION". Inbound and
// outbound counters are not per-user and are rejected.
func parseName(name string) (email, dir string, ok bool) {
	parts := strings.Split(name, sep)
	if len(parts) != 4 || parts[0] != "user" || parts[2] != "traffic" || parts[1] == "" {
		return "", "", false
	}
	if parts[3] != "uplink" && parts[3] != "downlink" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// parseValue accepts a JSON number or a numeric string (protojson renders
// int64 as a string). A missing value is zero since zero fields are omitted.
func parseValue(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, true
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func setDirection(c Counters, dir string, v int64) Counters {
	if dir == "uplink" {
		c.Uplink = v
	} else {
		c.Downlink = v
	}
	return c
}

// Pattern returns the statsquery pattern selecting all users or one user.
func Pattern(email string) string {
	if email == "" {
		return "user" + sep
	}
	return "user" + sep + email + sep
}
