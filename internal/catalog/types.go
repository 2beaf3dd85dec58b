package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// GroupName identifies a setting group
type GroupName string

const (
	GroupBasic      GroupName = "basic"
	GroupAdvanced   GroupName = "advanced"
	GroupEncryption GroupName = "encryption"
)

var (
	// ErrUnknownGroup is returned by Lookup for names outside the catalog
	ErrUnknownGroup = errors.New("unknown setting group")

	// ErrInvalidDirective is returned when a directive cannot be written to sshd_config
	ErrInvalidDirective = errors.New("invalid directive")
)

// Directive is a single sshd_config setting with the reason it is applied
type Directive struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// Validate checks that the directive renders as exactly one config line
func (d Directive) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDirective)
	}
	for _, r := range d.Name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return fmt.Errorf("%w: name %q is not a single keyword", ErrInvalidDirective, d.Name)
		}
	}
	if strings.TrimSpace(d.Value) == "" {
		return fmt.Errorf("%w: %s has an empty value", ErrInvalidDirective, d.Name)
	}
	if strings.ContainsAny(d.Value, "\r\n") {
		return fmt.Errorf("%w: %s value contains a newline", ErrInvalidDirective, d.Name)
	}
	return nil
}

// Group is a named, ordered set of directives
type Group struct {
	Name       GroupName   `json:"name"`
	Title      string      `json:"title"`
	Directives []Directive `json:"directives"`
}

// Names returns the directive names in order
func (g Group) Names() []string {
	names := make([]string, len(g.Directives))
	for i, d := range g.Directives {
		names[i] = d.Name
	}
	return names
}
