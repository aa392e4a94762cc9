package roster

import "fmt"

// Capability is one thing a role is allowed to do.
type Capability string

const (
	CapRead          Capability = "read"
	CapWeb           Capability = "web"
	CapWriteNew      Capability = "write-new"
	CapWriteExisting Capability = "write-existing"
	CapApprove       Capability = "approve"
)

// Tier groups roles by where they sit in the workflow.
type Tier int

const (
	TierInput Tier = iota
	TierResearch
	TierManagement
	TierDesign
	TierBuild
	TierQuality
	TierMaintain
)

var tierNames = map[Tier]string{
	TierInput:      "input",
	TierResearch:   "research",
	TierManagement: "management",
	TierDesign:     "design",
	TierBuild:      "build",
	TierQuality:    "quality",
	TierMaintain:   "maintain",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Role is one named participant with a fixed capability set and a
// one-line responsibility contract.
type Role struct {
	Name         string       `json:"name"`
	Tier         Tier         `json:"-"`
	TierName     string       `json:"tier"`
	Capabilities []Capability `json:"capabilities"`
	Job          string       `json:"job"`
}

// Has reports whether the role carries the capability.
func (r Role) Has(c Capability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CanWrite reports whether the role may create or modify files.
func (r Role) CanWrite() bool {
	return r.Has(CapWriteNew) || r.Has(CapWriteExisting)
}

// UnknownRoleError is returned when a name outside the fixed set is queried.
type UnknownRoleError struct {
	Name string
}

func (e UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %s", e.Name)
}

// roles is the closed set of participants. Order within a tier is the
// declared order; All() returns tiers in ascending order.
var roles = []Role{
	{Name: "clarifier", Tier: TierInput,
		Capabilities: []Capability{CapRead},
		Job:          "turn a vague request into concrete requirements"},
	{Name: "prompt-refiner", Tier: TierInput,
		Capabilities: []Capability{CapRead},
		Job:          "rewrite operator input into an unambiguous brief"},
	{Name: "researcher", Tier: TierResearch,
		Capabilities: []Capability{CapRead, CapWeb},
		Job:          "gather codebase and external context before any change"},
	{Name: "dependency-auditor", Tier: TierResearch,
		Capabilities: []Capability{CapRead, CapWeb},
		Job:          "check third-party libraries and versions for fitness"},
	{Name: "planner", Tier: TierManagement,
		Capabilities: []Capability{CapRead, CapApprove},
		Job:          "produce and sign off the step-by-step plan"},
	{Name: "task-splitter", Tier: TierManagement,
		Capabilities: []Capability{CapRead},
		Job:          "break an approved plan into independent work items"},
	{Name: "architect", Tier: TierDesign,
		Capabilities: []Capability{CapRead, CapWriteNew},
		Job:          "lay out new modules and their boundaries"},
	{Name: "interface-designer", Tier: TierDesign,
		Capabilities: []Capability{CapRead, CapWriteNew},
		Job:          "define public contracts before implementation"},
	{Name: "implementer", Tier: TierBuild,
		Capabilities: []Capability{CapRead, CapWriteNew, CapWriteExisting},
		Job:          "write the code the plan calls for, nothing more"},
	{Name: "test-writer", Tier: TierBuild,
		Capabilities: []Capability{CapRead, CapWriteNew, CapWriteExisting},
		Job:          "cover every change with tests"},
	{Name: "reviewer", Tier: TierQuality,
		Capabilities: []Capability{CapRead, CapApprove},
		Job:          "approve or send back each change set"},
	{Name: "security-auditor", Tier: TierQuality,
		Capabilities: []Capability{CapRead, CapWeb, CapApprove},
		Job:          "vet changes for security regressions"},
	{Name: "debugger", Tier: TierMaintain,
		Capabilities: []Capability{CapRead, CapWriteExisting},
		Job:          "reproduce and fix reported defects"},
	{Name: "refactorer", Tier: TierMaintain,
		Capabilities: []Capability{CapRead, CapWriteExisting},
		Job:          "improve structure without changing behavior"},
}

// Registry is the process-wide, read-only role table.
type Registry struct {
	byName  map[string]Role
	ordered []Role
}

// New builds the registry from the fixed table.
func New() *Registry {
	r := &Registry{byName: make(map[string]Role, len(roles))}
	for tier := TierInput; tier <= TierMaintain; tier++ {
		for _, role := range roles {
			if role.Tier != tier {
				continue
			}
			role.TierName = role.Tier.String()
			r.byName[role.Name] = role
			r.ordered = append(r.ordered, role)
		}
	}
	return r
}

// Lookup returns the role for name.
func (r *Registry) Lookup(name string) (Role, error) {
	role, ok := r.byName[name]
	if !ok {
		return Role{}, UnknownRoleError{Name: name}
	}
	return role, nil
}

// Capabilities returns the capability set of the named role.
func (r *Registry) Capabilities(name string) ([]Capability, error) {
	role, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return role.Capabilities, nil
}

// All returns every role, tier order then declared order.
func (r *Registry) All() []Role {
	out := make([]Role, len(r.ordered))
	copy(out, r.ordered)
	return out
}
