package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

var ErrIntegrity = errors.New("catalog integrity check failed")

var actionIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]+$`)

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

var validCategories = map[string]struct{}{
	"Frontend":       {},
	"Backend":        {},
	"Infrastructure": {},
	"Security":       {},
}

type Role struct {
	Name        string
	Level       int
	Description string
}

// PermissionSpec is either the unrestricted sentinel ("*" in YAML) or a set of
// per-operation grants.
type PermissionSpec struct {
	Unrestricted bool
	Run          bool
	Request      bool
	Approve      bool
}

func (p *PermissionSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if strings.TrimSpace(node.Value) != "*" {
			return fmt.Errorf("line %d: permission scalar must be \"*\", got %q", node.Line, node.Value)
		}
		*p = PermissionSpec{Unrestricted: true}
		return nil
	}
	var raw struct {
		Run     bool `yaml:"run"`
		Request bool `yaml:"request"`
		Approve bool `yaml:"approve"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*p = PermissionSpec{Run: raw.Run, Request: raw.Request, Approve: raw.Approve}
	return nil
}

type Action struct {
	ID          string
	Name        string
	Description string
	Risk        Risk
	Target      string
	Category    string
	Runbook     string

	permissions map[string]PermissionSpec
}

// Permission returns the spec for role. A role the action does not list is
// fully denied.
func (a Action) Permission(role string) (PermissionSpec, bool) {
	p, ok := a.permissions[role]
	return p, ok
}

type fileRole struct {
	Name        string `yaml:"name"`
	Level       int    `yaml:"level"`
	Description string `yaml:"description"`
}

type fileAction struct {
	ID          string                    `yaml:"id"`
	Name        string                    `yaml:"name"`
	Description string                    `yaml:"description"`
	Risk        string                    `yaml:"risk"`
	Target      string                    `yaml:"target"`
	Category    string                    `yaml:"category"`
	Runbook     string                    `yaml:"runbook"`
	Permissions map[string]PermissionSpec `yaml:"permissions"`
}

type file struct {
	Roles   []fileRole   `yaml:"roles"`
	Actions []fileAction `yaml:"actions"`
}

// Catalog is the immutable set of roles and actions. It is safe for concurrent
// use because nothing mutates it after Parse returns.
type Catalog struct {
	roles     []Role
	actions   []Action
	roleIdx   map[string]int
	actionIdx map[string]int
}

// Default parses the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(raw)
}

// Load returns the catalog at path, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	return LoadFile(path)
}

func Parse(raw []byte) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		roleIdx:   make(map[string]int, len(f.Roles)),
		actionIdx: make(map[string]int, len(f.Actions)),
	}
	var problems []string
	levels := make(map[int]string, len(f.Roles))
	for _, r := range f.Roles {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			problems = append(problems, "role with empty name")
			continue
		}
		if _, dup := c.roleIdx[name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate role %q", name))
			continue
		}
		if r.Level < 1 || r.Level > 3 {
			problems = append(problems, fmt.Sprintf("role %q level %d outside 1..3", name, r.Level))
		}
		if other, dup := levels[r.Level]; dup {
			problems = append(problems, fmt.Sprintf("roles %q and %q share level %d", other, name, r.Level))
		}
		levels[r.Level] = name
		c.roleIdx[name] = len(c.roles)
		c.roles = append(c.roles, Role{Name: name, Level: r.Level, Description: r.Description})
	}
	if len(c.roles) == 0 {
		problems = append(problems, "no roles defined")
	}

	for _, a := range f.Actions {
		id := strings.TrimSpace(a.ID)
		if !actionIDPattern.MatchString(id) {
			problems = append(problems, fmt.Sprintf("action id %q must match %s", id, actionIDPattern))
			continue
		}
		if _, dup := c.actionIdx[id]; dup {
			problems = append(problems, fmt.Sprintf("duplicate action %q", id))
			continue
		}
		if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Description) == "" {
			problems = append(problems, fmt.Sprintf("action %q needs a name and description", id))
		}
		switch Risk(a.Risk) {
		case RiskLow, RiskMedium, RiskHigh:
		default:
			problems = append(problems, fmt.Sprintf("action %q has invalid risk %q", id, a.Risk))
		}
		if _, ok := validCategories[a.Category]; !ok {
			problems = append(problems, fmt.Sprintf("action %q has invalid category %q", id, a.Category))
		}
		perms := make(map[string]PermissionSpec, len(a.Permissions))
		for role, spec := range a.Permissions {
			if _, ok := c.roleIdx[role]; !ok {
				problems = append(problems, fmt.Sprintf("action %q references unknown role %q", id, role))
				continue
			}
			perms[role] = spec
		}
		for _, r := range c.roles {
			if _, ok := a.Permissions[r.Name]; !ok {
				problems = append(problems, fmt.Sprintf("action %q missing permissions for role %q", id, r.Name))
			}
		}
		c.actionIdx[id] = len(c.actions)
		c.actions = append(c.actions, Action{
			ID:          id,
			Name:        a.Name,
			Description: a.Description,
			Risk:        Risk(a.Risk),
			Target:      a.Target,
			Category:    a.Category,
			Runbook:     a.Runbook,
			permissions: perms,
		})
	}
	if len(c.actions) == 0 {
		problems = append(problems, "no actions defined")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, strings.Join(problems, "; "))
	}
	return c, nil
}

func (c *Catalog) Action(id string) (Action, bool) {
	i, ok := c.actionIdx[id]
	if !ok {
		return Action{}, false
	}
	return c.actions[i], true
}

// Actions returns every action in catalog order.
func (c *Catalog) Actions() []Action {
	out := make([]Action, len(c.actions))
	copy(out, c.actions)
	return out
}

func (c *Catalog) ActionIDs() []string {
	out := make([]string, 0, len(c.actions))
	for _, a := range c.actions {
		out = append(out, a.ID)
	}
	return out
}

func (c *Catalog) Role(name string) (Role, bool) {
	i, ok := c.roleIdx[name]
	if !ok {
		return Role{}, false
	}
	return c.roles[i], true
}

func (c *Catalog) Roles() []Role {
	out := make([]Role, len(c.roles))
	copy(out, c.roles)
	return out
}

func (c *Catalog) ValidRole(name string) bool {
	_, ok := c.roleIdx[name]
	return ok
}

// MaxLevel is the highest level among the held roles, 0 when none are known.
func (c *Catalog) MaxLevel(roles []string) int {
	level := 0
	for _, name := range roles {
		if r, ok := c.Role(name); ok && r.Level > level {
			level = r.Level
		}
	}
	return level
}
