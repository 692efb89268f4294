package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_BuiltIn(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	domains := c.PriorityDomains()
	assert.Contains(t, domains, "ryanair.com")
	assert.Contains(t, domains, "amazon.co.uk")
	assert.IsIncreasing(t, domains)

	assert.Equal(t, "flight", c.CategoryFor("ryanair.com"))
	assert.Equal(t, "flight", c.CategoryFor("mail.RyanAir.com"))
	assert.Equal(t, "retail", c.CategoryFor("amazon.co.uk"))
	assert.Equal(t, "", c.CategoryFor("co.uk"))
	assert.Equal(t, "", c.CategoryFor("example.com"))
	assert.Equal(t, "", c.CategoryFor(""))

	opps := c.Opportunities("flight")
	require.NotEmpty(t, opps)
	assert.Equal(t, "eu261-delay", opps[0].ID)
	assert.Nil(t, c.Opportunities("unknown"))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
categories:
  - name: Ferry
    domains: [" DFDS.com ", stenaline.co.uk.]
    opportunities:
      - id: ferry-delay
        title: Ferry delay
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"dfds.com", "stenaline.co.uk"}, c.PriorityDomains())
	assert.Equal(t, "ferry", c.CategoryFor("news.dfds.com"))
	assert.Len(t, c.Opportunities("ferry"), 1)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unnamed category", "categories:\n  - domains: [a.com]\n"},
		{"duplicate category", "categories:\n  - name: a\n  - name: A\n"},
		{"domain in two categories", "categories:\n  - name: a\n    domains: [x.com]\n  - name: b\n    domains: [X.com]\n"},
		{"not yaml", "categories: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
