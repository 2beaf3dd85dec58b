package engine

import (
	"errors"
	"testing"

	"github.com/sshharden/sshharden/internal/catalog"
	"github.com/sshharden/sshharden/internal/sshconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoDirectiveGroup() catalog.Group {
	return catalog.Group{
		Name:  catalog.GroupBasic,
		Title: "Basic Security",
		Directives: []catalog.Directive{
			{Name: "Port", Value: "2222", Description: "Move SSH off the default port"},
			{Name: "PermitRootLogin", Value: "no", Description: "Disable direct root login"},
		},
	}
}

func TestApply_EmptyDocument(t *testing.T) {
	doc := sshconfig.Parse(nil)

	changes := Apply(doc, twoDirectiveGroup())

	assert.Equal(t, "Port 2222\nPermitRootLogin no\n", string(doc.Serialize()))
	require.Len(t, changes, 2)
	assert.Equal(t, sshconfig.ChangeInserted, changes[0].Kind)
	assert.Equal(t, "Port", changes[0].Name)
	assert.Equal(t, sshconfig.ChangeInserted, changes[1].Kind)
	assert.Equal(t, "PermitRootLogin", changes[1].Name)
}

func TestApply_ReplacesInPlace(t *testing.T) {
	doc := sshconfig.Parse([]byte("# Port 22\nProtocol 2\nPort 22\nX11Forwarding yes\n"))

	changes := Apply(doc, twoDirectiveGroup())

	assert.Equal(t, []string{
		"# Port 22",
		"Protocol 2",
		"Port 2222",
		"X11Forwarding yes",
		"PermitRootLogin no",
	}, doc.Lines())

	require.Len(t, changes, 2)
	assert.Equal(t, sshconfig.ChangeReplaced, changes[0].Kind)
	assert.Equal(t, "22", changes[0].Previous)
	assert.Equal(t, 3, changes[0].Line)
}

func TestApply_Idempotent(t *testing.T) {
	original := []byte("Port 22\nUsePAM yes\nMatch User backup\n    PasswordAuthentication yes\n")

	for _, g := range catalog.All() {
		t.Run(string(g.Name), func(t *testing.T) {
			once := sshconfig.Parse(original)
			Apply(once, g)

			twice := sshconfig.Parse(original)
			Apply(twice, g)
			second := Apply(twice, g)

			assert.Equal(t, once.Serialize(), twice.Serialize())
			for _, c := range second {
				assert.Equal(t, sshconfig.ChangeUnchanged, c.Kind, c.Name)
				assert.False(t, c.Modified())
			}
		})
	}
}

func TestApply_OverlappingGroups(t *testing.T) {
	doc := sshconfig.Parse([]byte("Port 22\n"))

	first := twoDirectiveGroup()
	second := catalog.Group{
		Name:       "custom",
		Directives: []catalog.Directive{{Name: "Port", Value: "4422"}},
	}

	Apply(doc, first)
	Apply(doc, second)

	assert.Equal(t, "Port 4422\nPermitRootLogin no\n", string(doc.Serialize()))
}

func TestApply_AllGroupsNoDuplicates(t *testing.T) {
	doc := sshconfig.Parse([]byte("Port 22\nPort 2200\nCiphers aes128-cbc\n"))

	for _, g := range catalog.All() {
		Apply(doc, g)
	}

	counts := make(map[string]int)
	for _, line := range doc.Lines() {
		fields := splitKey(line)
		if fields != "" {
			counts[fields]++
		}
	}
	for name, n := range counts {
		assert.Equal(t, 1, n, "directive %s appears %d times", name, n)
	}
}

func splitKey(line string) string {
	for i, r := range line {
		if r == ' ' || r == '\t' {
			return line[:i]
		}
	}
	return ""
}

func TestWithOverrides(t *testing.T) {
	basic := catalog.Basic()

	g, used, err := WithOverrides(basic, map[string]string{"port": "3333", "Unrelated": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"port"}, used)
	assert.Equal(t, "3333", g.Directives[0].Value)

	// The catalog itself is untouched
	assert.Equal(t, "2222", catalog.Basic().Directives[0].Value)
	assert.Equal(t, "2222", basic.Directives[0].Value)

	_, _, err = WithOverrides(basic, map[string]string{"Port": "22\nPermitRootLogin yes"})
	assert.True(t, errors.Is(err, catalog.ErrInvalidDirective))
}

func TestAllowUsersDirective(t *testing.T) {
	d := AllowUsersDirective([]string{"alice", "bob"})
	assert.Equal(t, "AllowUsers", d.Name)
	assert.Equal(t, "alice bob", d.Value)
	assert.NoError(t, d.Validate())
}

func TestAllowUsers_Upserted(t *testing.T) {
	doc := sshconfig.Parse([]byte("AllowUsers root\nPort 22\n"))

	groups, err := Resolve(Plan{AllowUsers: []string{"alice", "bob alice"}})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	Apply(doc, groups[0])
	Apply(doc, groups[0])

	assert.Equal(t, "AllowUsers alice bob\nPort 22\n", string(doc.Serialize()))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		plan      Plan
		wantNames []catalog.GroupName
		wantErr   error
	}{
		{
			name:      "Catalog order follows the plan",
			plan:      Plan{Groups: []catalog.GroupName{"encryption", "basic"}},
			wantNames: []catalog.GroupName{catalog.GroupEncryption, catalog.GroupBasic},
		},
		{
			name:      "Repeated group applied once",
			plan:      Plan{Groups: []catalog.GroupName{"basic", "BASIC"}},
			wantNames: []catalog.GroupName{catalog.GroupBasic},
		},
		{
			name:      "AllowUsers goes last",
			plan:      Plan{Groups: []catalog.GroupName{"basic"}, AllowUsers: []string{"alice"}},
			wantNames: []catalog.GroupName{catalog.GroupBasic, allowUsersGroup},
		},
		{
			name:      "Blank users ignored",
			plan:      Plan{AllowUsers: []string{" ", ""}},
			wantNames: nil,
		},
		{
			name:    "Unknown group",
			plan:    Plan{Groups: []catalog.GroupName{"paranoid"}},
			wantErr: catalog.ErrUnknownGroup,
		},
		{
			name:    "Override outside the selected groups",
			plan:    Plan{Groups: []catalog.GroupName{"basic"}, Overrides: map[string]string{"Ciphers": "aes256-ctr"}},
			wantErr: ErrUnknownOverride,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups, err := Resolve(tt.plan)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)

			var names []catalog.GroupName
			for _, g := range groups {
				names = append(names, g.Name)
			}
			assert.Equal(t, tt.wantNames, names)
		})
	}
}

func TestResolve_OverrideAcrossGroups(t *testing.T) {
	groups, err := Resolve(Plan{
		Groups:    []catalog.GroupName{"basic", "encryption"},
		Overrides: map[string]string{"Port": "2022", "Ciphers": "aes256-gcm@openssh.com"},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)

	port, ok := findDirective(groups[0], "Port")
	require.True(t, ok)
	assert.Equal(t, "2022", port.Value)

	ciphers, ok := findDirective(groups[1], "Ciphers")
	require.True(t, ok)
	assert.Equal(t, "aes256-gcm@openssh.com", ciphers.Value)
}

func TestResolve_UnknownOverrideNamesOwningGroup(t *testing.T) {
	_, err := Resolve(Plan{
		Groups:    []catalog.GroupName{"basic"},
		Overrides: map[string]string{"ciphers": "aes256-ctr", "Banner": "/etc/issue"},
	})

	require.True(t, errors.Is(err, ErrUnknownOverride), "got %v", err)
	assert.Contains(t, err.Error(), "Banner, ciphers (group encryption not selected)")
}

func findDirective(g catalog.Group, name string) (catalog.Directive, bool) {
	for _, d := range g.Directives {
		if d.Name == name {
			return d, true
		}
	}
	return catalog.Directive{}, false
}
