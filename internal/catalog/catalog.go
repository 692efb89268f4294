// Package catalog loads the curated list of commercial senders and the
// refund opportunities that apply to each sender category.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// Opportunity is one kind of refund a message may qualify for.
type Opportunity struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Keywords []string `yaml:"keywords" json:"keywords,omitempty"`
}

// Category groups sender domains that share opportunities.
type Category struct {
	Name          string        `yaml:"name"`
	Domains       []string      `yaml:"domains"`
	Opportunities []Opportunity `yaml:"opportunities"`
}

// Catalog indexes categories by sender domain.
type Catalog struct {
	Categories []Category `yaml:"categories"`

	byDomain map[string]string
	byName   map[string]*Category
}

// Load reads the catalog at path, or the built-in one when path is empty.
func Load(path string) (*Catalog, error) {
	raw := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading catalog %s: %w", path, err)
		}
		raw = b
	}
	return Parse(raw)
}

// Parse decodes a YAML catalog. A domain may belong to one category only.
func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	c.byDomain = make(map[string]string)
	c.byName = make(map[string]*Category, len(c.Categories))
	for i := range c.Categories {
		cat := &c.Categories[i]
		cat.Name = strings.ToLower(strings.TrimSpace(cat.Name))
		if cat.Name == "" {
			return nil, fmt.Errorf("parsing catalog: category %d has no name", i)
		}
		if _, dup := c.byName[cat.Name]; dup {
			return nil, fmt.Errorf("parsing catalog: duplicate category %q", cat.Name)
		}
		c.byName[cat.Name] = cat

		for j, d := range cat.Domains {
			d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
			cat.Domains[j] = d
			if prev, dup := c.byDomain[d]; dup {
				return nil, fmt.Errorf("parsing catalog: domain %q listed under %q and %q", d, prev, cat.Name)
			}
			c.byDomain[d] = cat.Name
		}
	}
	return &c, nil
}

// PriorityDomains returns every listed domain, sorted.
func (c *Catalog) PriorityDomains() []string {
	out := make([]string, 0, len(c.byDomain))
	for d := range c.byDomain {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// CategoryFor infers the category of a sender domain. Subdomains inherit
// the category of their parent. It returns "" for unknown senders.
func (c *Catalog) CategoryFor(domain string) string {
	domain = strings.ToLower(domain)
	for domain != "" {
		if name, ok := c.byDomain[domain]; ok {
			return name
		}
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			break
		}
		domain = domain[i+1:]
	}
	return ""
}

// Opportunities returns the opportunities of a category.
func (c *Catalog) Opportunities(category string) []Opportunity {
	cat, ok := c.byName[category]
	if !ok {
		return nil
	}
	return cat.Opportunities
}
