package models

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrConflict marks a position/priority collision within one router.
// Conflicts are surfaced, never silently renumbered.
var ErrConflict = errors.New("conflict")

// ValidationError marks input rejected before it ever reaches a device.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

func Invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

/* ——— field validators ——— */

// NormCIDR accepts a.b.c.d, a.b.c.d/0..32, or the literal "any".
// Returns the normalized form.
func NormCIDR(v string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "any" {
		return "any", nil
	}
	host, plen, hasLen := strings.Cut(s, "/")
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return "", Invalidf("invalid ipv4 address: %q", v)
	}
	if !hasLen {
		return ip.To4().String(), nil
	}
	n, err := strconv.Atoi(plen)
	if err != nil || n < 0 || n > 32 {
		return "", Invalidf("invalid prefix length: %q", v)
	}
	return fmt.Sprintf("%s/%d", ip.To4().String(), n), nil
}

func NormPort(v string) (string, error) {
	s := strings.TrimSpace(v)
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return "", Invalidf("port out of range [1..65535]: %q", v)
	}
	return strconv.Itoa(n), nil
}

func NormVLANID(v string) (string, error) {
	s := strings.TrimSpace(v)
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 4094 {
		return "", Invalidf("vlan id out of range [1..4094]: %q", v)
	}
	return strconv.Itoa(n), nil
}

func NormNonEmpty(v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", Invalidf("value must not be empty")
	}
	return s, nil
}

// NormRate accepts a RouterOS bandwidth figure like "10M", "512k", "1G"
// or a plain bits-per-second integer.
func NormRate(v string) (string, error) {
	s := strings.TrimSpace(strings.ToUpper(v))
	if s == "" {
		return "", Invalidf("empty rate")
	}
	body := s
	switch s[len(s)-1] {
	case 'K', 'M', 'G':
		body = s[:len(s)-1]
	}
	if n, err := strconv.Atoi(body); err != nil || n < 0 {
		return "", Invalidf("invalid rate: %q", v)
	}
	return s, nil
}

/* ——— per-kind field schemas ——— */

type fieldDef struct {
	Key      string
	Norm     func(string) (string, error)
	Required bool
}

var kindSchemas = map[Kind][]fieldDef{
	KindVLAN: {
		{Key: "vlan-id", Norm: NormVLANID, Required: true},
		{Key: "interface", Norm: NormNonEmpty, Required: true},
	},
	KindFirewall: {
		{Key: "action", Norm: NormNonEmpty, Required: true},
		{Key: "src-address", Norm: NormCIDR},
		{Key: "dst-address", Norm: NormCIDR},
		{Key: "dst-port", Norm: NormPort},
		{Key: "protocol", Norm: NormNonEmpty},
	},
	KindNAT: {
		{Key: "action", Norm: NormNonEmpty, Required: true},
		{Key: "src-address", Norm: NormCIDR},
		{Key: "dst-address", Norm: NormCIDR},
		{Key: "to-addresses", Norm: NormCIDR},
		{Key: "dst-port", Norm: NormPort},
		{Key: "to-ports", Norm: NormPort},
	},
	KindMangle: {
		{Key: "action", Norm: NormNonEmpty, Required: true},
		{Key: "src-address", Norm: NormCIDR},
		{Key: "dst-address", Norm: NormCIDR},
		{Key: "new-packet-mark", Norm: NormNonEmpty},
	},
	KindDHCP: {
		{Key: "interface", Norm: NormNonEmpty, Required: true},
		{Key: "address-pool", Norm: NormNonEmpty, Required: true},
		{Key: "lease-time", Norm: NormNonEmpty},
	},
	KindQueue: {
		{Key: "target", Norm: NormCIDR, Required: true},
		{Key: "max-upload", Norm: NormRate, Required: true},
		{Key: "max-download", Norm: NormRate, Required: true},
	},
	KindPPPoE: {
		{Key: "password", Norm: NormNonEmpty, Required: true},
		{Key: "profile", Norm: NormNonEmpty},
		{Key: "service", Norm: NormNonEmpty},
		{Key: "remote-address", Norm: NormCIDR},
	},
	KindHotspot: {
		{Key: "password", Norm: NormNonEmpty, Required: true},
		{Key: "profile", Norm: NormNonEmpty},
	},
}

// ValidateResource normalizes and validates a resource's fields for its
// kind. It is the gate every desired resource passes before any device
// call is attempted; a ValidationError here never reaches the adapter.
func ValidateResource(kind Kind, res *DeviceResource) error {
	defs, ok := kindSchemas[kind]
	if !ok {
		return Invalidf("unknown resource kind: %q", kind)
	}
	if res.Name == "" {
		return Invalidf("%s: name required", kind)
	}
	if kind.Ordered() {
		if res.Chain == "" {
			return Invalidf("%s %q: chain required", kind, res.Name)
		}
		if res.Position < 0 {
			return Invalidf("%s %q: negative position", kind, res.Name)
		}
	}
	if kind == KindQueue && res.Priority < 1 {
		return Invalidf("queue %q: priority must be >= 1", res.Name)
	}
	if res.Fields == nil {
		res.Fields = map[string]string{}
	}
	for _, d := range defs {
		v, present := res.Fields[d.Key]
		if !present || strings.TrimSpace(v) == "" {
			if d.Required {
				return Invalidf("%s %q: missing required field %s", kind, res.Name, d.Key)
			}
			continue
		}
		nv, err := d.Norm(v)
		if err != nil {
			return Invalidf("%s %q: field %s: %v", kind, res.Name, d.Key, err)
		}
		res.Fields[d.Key] = nv
	}
	return nil
}
