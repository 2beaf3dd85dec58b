package catalog

import (
	"fmt"
	"strings"
)

// Each constructor returns a fresh copy so callers can never alter the catalog.

// Basic returns the baseline access controls
func Basic() Group {
	return Group{
		Name:  GroupBasic,
		Title: "Basic Security",
		Directives: []Directive{
			{Name: "Port", Value: "2222", Description: "Move SSH off the default port to cut down automated scans"},
			{Name: "PermitRootLogin", Value: "no", Description: "Disallow direct root logins"},
			{Name: "PasswordAuthentication", Value: "no", Description: "Require key-based authentication"},
			{Name: "PermitEmptyPasswords", Value: "no", Description: "Reject accounts with empty passwords"},
			{Name: "PubkeyAuthentication", Value: "yes", Description: "Enable public key authentication"},
			{Name: "KbdInteractiveAuthentication", Value: "no", Description: "Disable keyboard-interactive password prompts"},
			{Name: "MaxAuthTries", Value: "3", Description: "Limit authentication attempts per connection"},
			{Name: "LoginGraceTime", Value: "30", Description: "Drop unauthenticated connections after 30 seconds"},
			{Name: "X11Forwarding", Value: "no", Description: "Disable X11 forwarding"},
		},
	}
}

// Advanced returns session and forwarding restrictions
func Advanced() Group {
	return Group{
		Name:  GroupAdvanced,
		Title: "Advanced Security",
		Directives: []Directive{
			{Name: "ClientAliveInterval", Value: "300", Description: "Probe idle clients every 5 minutes"},
			{Name: "ClientAliveCountMax", Value: "2", Description: "Disconnect clients after 2 missed probes"},
			{Name: "MaxSessions", Value: "5", Description: "Limit multiplexed sessions per connection"},
			{Name: "MaxStartups", Value: "3:50:10", Description: "Throttle concurrent unauthenticated connections"},
			{Name: "AllowAgentForwarding", Value: "no", Description: "Disable SSH agent forwarding"},
			{Name: "AllowTcpForwarding", Value: "no", Description: "Disable TCP port forwarding"},
			{Name: "PermitTunnel", Value: "no", Description: "Disable tun device forwarding"},
			{Name: "PermitUserEnvironment", Value: "no", Description: "Ignore user-supplied environment files"},
			{Name: "HostbasedAuthentication", Value: "no", Description: "Disable host-based authentication"},
			{Name: "IgnoreRhosts", Value: "yes", Description: "Ignore legacy .rhosts files"},
			{Name: "StrictModes", Value: "yes", Description: "Check file modes of user key files"},
			{Name: "UseDNS", Value: "no", Description: "Skip reverse DNS lookups of clients"},
			{Name: "LogLevel", Value: "VERBOSE", Description: "Log key fingerprints used for login"},
		},
	}
}

// Encryption returns modern algorithm selections
func Encryption() Group {
	return Group{
		Name:  GroupEncryption,
		Title: "Encryption",
		Directives: []Directive{
			{
				Name:        "KexAlgorithms",
				Value:       "curve25519-sha256,curve25519-sha256@libssh.org,diffie-hellman-group16-sha512,diffie-hellman-group18-sha512",
				Description: "Allow only modern key exchange algorithms",
			},
			{
				Name:        "Ciphers",
				Value:       "chacha20-poly1305@openssh.com,aes256-gcm@openssh.com,aes128-gcm@openssh.com,aes256-ctr,aes192-ctr,aes128-ctr",
				Description: "Allow only authenticated and counter-mode ciphers",
			},
			{
				Name:        "MACs",
				Value:       "hmac-sha2-512-etm@openssh.com,hmac-sha2-256-etm@openssh.com,umac-128-etm@openssh.com",
				Description: "Allow only encrypt-then-MAC algorithms",
			},
			{
				Name:        "HostKeyAlgorithms",
				Value:       "ssh-ed25519,rsa-sha2-512,rsa-sha2-256",
				Description: "Drop SHA-1 based host key signatures",
			},
		},
	}
}

// All returns every group in canonical application order
func All() []Group {
	return []Group{Basic(), Advanced(), Encryption()}
}

// Lookup returns the group with the given name (case-insensitive)
func Lookup(name string) (Group, error) {
	switch GroupName(strings.ToLower(strings.TrimSpace(name))) {
	case GroupBasic:
		return Basic(), nil
	case GroupAdvanced:
		return Advanced(), nil
	case GroupEncryption:
		return Encryption(), nil
	}
	return Group{}, fmt.Errorf("%w: %q", ErrUnknownGroup, name)
}

// Find returns the catalog directive with the given name (case-insensitive)
// from any group
func Find(name string) (Directive, GroupName, bool) {
	for _, g := range All() {
		for _, d := range g.Directives {
			if strings.EqualFold(d.Name, name) {
				return d, g.Name, true
			}
		}
	}
	return Directive{}, "", false
}
