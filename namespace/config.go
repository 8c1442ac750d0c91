// Package namespace implements the Namespace Engine: the reusable state
// machine for one namespace (router election, registry maintenance,
// level cascade, failover, reverse-connect slot, monitor/migration), per
// spec.md §4.4 — the hardest component in the system.
package namespace

import (
	"fmt"
	"strings"
)

// Kind distinguishes the three namespace-config families of spec.md §4.4
// and §6. Modeled as a sum type (one struct with a kind tag) rather than
// an interface, per spec.md §9's "polymorphism over namespace kind" note:
// the three kinds differ only in three pure endpoint-string builders, with
// no other behavior to dispatch on.
type Kind int

const (
	Public Kind = iota
	Custom
	Rendezvous
)

// Config is the namespace configuration: a prefix (the application name)
// plus the pure functions over a namespace slug that spec.md §4.4 and §6
// require: RouterID(level), DiscoveryID(uuid), PeerSlotID().
type Config struct {
	Prefix string
	Kind   Kind

	// IP is set for Kind == Public: the slug is the hyphen-escaped public
	// IP address.
	IP string

	// Slug is set for Kind == Custom or Kind == Rendezvous. For Custom,
	// Advanced controls whether the slug is used verbatim (true) or
	// sanitized-lowercased and namespaced under "ns" (false).
	Slug     string
	Advanced bool
}

// NewPublicConfig builds a public-IP namespace config. Returns an error
// per spec.md §7's ip-undetectable kind if ip is empty.
func NewPublicConfig(prefix, ip string) (Config, error) {
	if ip == "" {
		return Config{}, fmt.Errorf("ip-undetectable: public namespace requires a known IP")
	}
	return Config{Prefix: prefix, Kind: Public, IP: ip}, nil
}

// NewCustomConfig builds a named custom namespace config.
func NewCustomConfig(prefix, name string, advanced bool) Config {
	return Config{Prefix: prefix, Kind: Custom, Slug: name, Advanced: advanced}
}

// NewRendezvousConfig builds a time-windowed rendezvous namespace config
// from a precomputed slug (see identity.RendezvousSlug).
func NewRendezvousConfig(prefix, slug string) Config {
	return Config{Prefix: prefix, Kind: Rendezvous, Slug: slug}
}

func escapeIP(ip string) string {
	return strings.ReplaceAll(ip, ".", "-")
}

func sanitizeSlug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (c Config) slugComponent() string {
	switch c.Kind {
	case Public:
		return escapeIP(c.IP)
	case Custom:
		if c.Advanced {
			return c.Slug
		}
		return sanitizeSlug(c.Slug)
	case Rendezvous:
		return c.Slug
	default:
		return ""
	}
}

// build assembles an endpoint string from a slug and a trailing suffix,
// per the three families' shapes in spec.md §6. Advanced-mode custom
// namespaces use the verbatim slug with no prefix or "ns-" tag at all
// ("{slug}-{suffix}"); every other kind is prefixed
// ("{prefix}-{tag}{slug}-{suffix}").
func (c Config) build(suffix string) string {
	if c.Kind == Custom && c.Advanced {
		return fmt.Sprintf("%s-%s", c.slugComponent(), suffix)
	}
	tag := ""
	if c.Kind == Custom {
		tag = "ns-"
	} else if c.Kind == Rendezvous {
		tag = "rvz-"
	}
	return fmt.Sprintf("%s-%s%s-%s", c.Prefix, tag, c.slugComponent(), suffix)
}

// RouterID returns the router endpoint string for level L.
func (c Config) RouterID(level int) string {
	return c.build(fmt.Sprintf("%d", level))
}

// DiscoveryID returns the discovery endpoint string derived from a
// device-local discovery UUID.
func (c Config) DiscoveryID(uuid string) string {
	return c.build(uuid)
}

// PeerSlotID returns the reverse-connect ("-p1") endpoint string.
func (c Config) PeerSlotID() string {
	return c.build("p1")
}
