// Package catalog holds the static specialist registry and subscription plan catalog.
//
// Both are loaded once at startup (from the embedded catalog.yaml by default) and are
// immutable afterwards, so a *Catalog can be shared freely across goroutines.
package catalog

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

const wildcard = "*"

// Specialist is a conversational persona with a topic scope and routing keywords.
type Specialist struct {
	ID         string   `yaml:"id" json:"id"`
	Name       string   `yaml:"name" json:"name"`
	Specialty  string   `yaml:"specialty" json:"specialty"`
	Experience string   `yaml:"experience" json:"experience"`
	Avatar     string   `yaml:"avatar" json:"avatar"`
	Bio        string   `yaml:"bio" json:"bio"`
	Triage     string   `yaml:"triage,omitempty" json:"-"`
	Keywords   []string `yaml:"keywords" json:"keywords"`
}

// Plan is a subscription tier.
type Plan struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Price       *float64 `yaml:"price,omitempty" json:"price"`
	DailyLimit  int      `yaml:"daily_limit" json:"dailyLimit"`
	Specialists []string `yaml:"specialists" json:"specialists"`
	Features    []string `yaml:"features" json:"features"`
	Elevated    bool     `yaml:"elevated,omitempty" json:"elevated"`
	Unbounded   bool     `yaml:"unbounded,omitempty" json:"-"`

	allowed map[string]struct{}
}

// Allows reports whether the plan unlocks the given specialist.
func (p *Plan) Allows(specialistID string) bool {
	if p == nil {
		return false
	}
	_, ok := p.allowed[specialistID]
	return ok
}

type document struct {
	DefaultSpecialist string        `yaml:"default_specialist"`
	DefaultPlan       string        `yaml:"default_plan"`
	AdminPlan         string        `yaml:"admin_plan"`
	Specialists       []*Specialist `yaml:"specialists"`
	Plans             []*Plan       `yaml:"plans"`
}

// Catalog is the validated, indexed form of the catalog document.
type Catalog struct {
	defaultSpecialist string
	defaultPlan       string
	adminPlan         string

	specialists []*Specialist
	byID        map[string]*Specialist
	plans       []*Plan
	planByID    map[string]*Plan
}

// Default parses the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Load(bytes.NewReader(defaultCatalogYAML))
}

// MustDefault is Default for tests and package-level wiring; it panics on a broken embed.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFile parses a catalog document from disk.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog")
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load parses and validates a catalog document.
func Load(r io.Reader) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}
	return build(doc)
}

func build(doc document) (*Catalog, error) {
	c := &Catalog{
		defaultSpecialist: strings.TrimSpace(doc.DefaultSpecialist),
		defaultPlan:       strings.TrimSpace(doc.DefaultPlan),
		adminPlan:         strings.TrimSpace(doc.AdminPlan),
		byID:              map[string]*Specialist{},
		planByID:          map[string]*Plan{},
	}
	if len(doc.Specialists) == 0 {
		return nil, errors.New("catalog: no specialists defined")
	}
	for _, s := range doc.Specialists {
		if s == nil || strings.TrimSpace(s.ID) == "" {
			return nil, errors.New("catalog: specialist without id")
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, errors.Errorf("catalog: duplicate specialist %q", s.ID)
		}
		c.byID[s.ID] = s
		c.specialists = append(c.specialists, s)
	}
	if _, ok := c.byID[c.defaultSpecialist]; !ok {
		return nil, errors.Errorf("catalog: default specialist %q is not registered", c.defaultSpecialist)
	}

	for _, p := range doc.Plans {
		if p == nil || strings.TrimSpace(p.ID) == "" {
			return nil, errors.New("catalog: plan without id")
		}
		if _, dup := c.planByID[p.ID]; dup {
			return nil, errors.Errorf("catalog: duplicate plan %q", p.ID)
		}
		if p.DailyLimit < 0 {
			return nil, errors.Errorf("catalog: plan %q has negative daily limit", p.ID)
		}
		if err := c.expandPlan(p); err != nil {
			return nil, err
		}
		c.planByID[p.ID] = p
		c.plans = append(c.plans, p)
	}
	if _, ok := c.planByID[c.defaultPlan]; !ok {
		return nil, errors.Errorf("catalog: default plan %q is not defined", c.defaultPlan)
	}
	admin, ok := c.planByID[c.adminPlan]
	if !ok {
		return nil, errors.Errorf("catalog: admin plan %q is not defined", c.adminPlan)
	}
	admin.Unbounded = true
	return c, nil
}

// expandPlan resolves the wildcard and checks every referenced specialist exists.
func (c *Catalog) expandPlan(p *Plan) error {
	ids := make([]string, 0, len(p.Specialists))
	for _, id := range p.Specialists {
		if id == wildcard {
			ids = ids[:0]
			for _, s := range c.specialists {
				ids = append(ids, s.ID)
			}
			break
		}
		if _, ok := c.byID[id]; !ok {
			return errors.Errorf("catalog: plan %q references unknown specialist %q", p.ID, id)
		}
		ids = append(ids, id)
	}
	p.Specialists = ids
	p.allowed = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		p.allowed[id] = struct{}{}
	}
	return nil
}

// Specialists returns the registry in registration order.
func (c *Catalog) Specialists() []*Specialist {
	return append([]*Specialist(nil), c.specialists...)
}

// Specialist looks up a specialist by id.
func (c *Catalog) Specialist(id string) (*Specialist, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// DefaultSpecialistID is the generic triage persona.
func (c *Catalog) DefaultSpecialistID() string { return c.defaultSpecialist }

// DefaultSpecialist returns the generic triage persona.
func (c *Catalog) DefaultSpecialist() *Specialist { return c.byID[c.defaultSpecialist] }

// Plans returns the plans in declaration order.
func (c *Catalog) Plans() []*Plan {
	return append([]*Plan(nil), c.plans...)
}

// Plan looks up a plan by id.
func (c *Catalog) Plan(id string) (*Plan, bool) {
	p, ok := c.planByID[id]
	return p, ok
}

// DefaultPlan is assigned to accounts without a (valid) subscription.
func (c *Catalog) DefaultPlan() *Plan { return c.planByID[c.defaultPlan] }

// AdminPlan is the reserved unbounded plan.
func (c *Catalog) AdminPlan() *Plan { return c.planByID[c.adminPlan] }

// PlanOrDefault resolves id, falling back to the default plan for unknown ids.
func (c *Catalog) PlanOrDefault(id string) *Plan {
	if p, ok := c.planByID[id]; ok {
		return p
	}
	return c.DefaultPlan()
}

// MarshalYAML renders the catalog back into its document form.
func (c *Catalog) MarshalYAML() (interface{}, error) {
	return document{
		DefaultSpecialist: c.defaultSpecialist,
		DefaultPlan:       c.defaultPlan,
		AdminPlan:         c.adminPlan,
		Specialists:       c.specialists,
		Plans:             c.plans,
	}, nil
}
