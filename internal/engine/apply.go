package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sshharden/sshharden/internal/catalog"
	"github.com/sshharden/sshharden/internal/sshconfig"
)

// ErrUnknownOverride is returned when an override names a directive that is
// not part of any selected group
var ErrUnknownOverride = errors.New("override does not match a selected directive")

// allowUsersGroup holds the operator supplied AllowUsers directive
const allowUsersGroup catalog.GroupName = "allow_users"

// Apply upserts every directive of g into doc in group order and returns one
// change per directive. It never fails; errors can only come from loading or
// saving the document.
func Apply(doc *sshconfig.Document, g catalog.Group) []sshconfig.Change {
	changes := make([]sshconfig.Change, 0, len(g.Directives))
	for _, d := range g.Directives {
		changes = append(changes, doc.Upsert(d.Name, d.Value))
	}
	return changes
}

// WithOverrides returns a copy of g with the values of the named directives
// replaced. Override keys match directive names case-insensitively, since
// configuration keys may arrive lowercased. The returned slice lists the
// override keys that matched.
func WithOverrides(g catalog.Group, overrides map[string]string) (catalog.Group, []string, error) {
	out := catalog.Group{
		Name:       g.Name,
		Title:      g.Title,
		Directives: make([]catalog.Directive, len(g.Directives)),
	}
	copy(out.Directives, g.Directives)

	var used []string
	for key, value := range overrides {
		for i := range out.Directives {
			if !strings.EqualFold(out.Directives[i].Name, key) {
				continue
			}
			out.Directives[i].Value = value
			if err := out.Directives[i].Validate(); err != nil {
				return catalog.Group{}, nil, fmt.Errorf("override %s: %w", key, err)
			}
			used = append(used, key)
		}
	}

	sort.Strings(used)
	return out, used, nil
}

// AllowUsersDirective builds the AllowUsers directive for users. It is
// upserted like any catalog directive, so re-running with a different list
// replaces the existing line instead of adding another one.
func AllowUsersDirective(users []string) catalog.Directive {
	return catalog.Directive{
		Name:        "AllowUsers",
		Value:       strings.Join(users, " "),
		Description: "Restrict SSH logins to the listed users",
	}
}

// Resolve turns the plan's selection into the ordered groups to apply:
// requested catalog groups with overrides, then AllowUsers if requested.
func Resolve(plan Plan) ([]catalog.Group, error) {
	var groups []catalog.Group
	consumed := make(map[string]bool)
	seen := make(map[catalog.GroupName]bool)

	for _, name := range plan.Groups {
		g, err := catalog.Lookup(string(name))
		if err != nil {
			return nil, err
		}
		if seen[g.Name] {
			continue
		}
		seen[g.Name] = true

		g, used, err := WithOverrides(g, plan.Overrides)
		if err != nil {
			return nil, err
		}
		for _, key := range used {
			consumed[key] = true
		}
		groups = append(groups, g)
	}

	var unknown []string
	for key := range plan.Overrides {
		if consumed[key] {
			continue
		}
		if _, group, ok := catalog.Find(key); ok {
			key = fmt.Sprintf("%s (group %s not selected)", key, group)
		}
		unknown = append(unknown, key)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s", ErrUnknownOverride, strings.Join(unknown, ", "))
	}

	if users := cleanUsers(plan.AllowUsers); len(users) > 0 {
		d := AllowUsersDirective(users)
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("allow users: %w", err)
		}
		groups = append(groups, catalog.Group{
			Name:       allowUsersGroup,
			Title:      "Allowed Users",
			Directives: []catalog.Directive{d},
		})
	}

	return groups, nil
}

func cleanUsers(users []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range users {
		for _, field := range strings.Fields(u) {
			if !seen[field] {
				seen[field] = true
				out = append(out, field)
			}
		}
	}
	return out
}
