package validate

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/starmap/record"
)

// TopTier is the highest criticality tier. Modules at this tier must
// reference at least one contract.
const TopTier = 1

// ErrStrictContracts is returned when strict mode finds contract issues.
var ErrStrictContracts = errors.New("strict contract validation failed")

// contractIDPattern validates contract IDs: "CNT-" plus four digits.
var contractIDPattern = regexp.MustCompile(`^CNT-\d{4}$`)

// Contract is one entry in the external contract registry.
type Contract struct {
	ID string `yaml:"id" json:"id"`
	// Module is the repository path of the owning module.
	Module string `yaml:"module" json:"module"`
	// RequiredForTopTier marks contracts every top-tier module set must
	// cover.
	RequiredForTopTier bool `yaml:"required_for_top_tier,omitempty" json:"required_for_top_tier,omitempty"`
}

// ContractRegistry is the loaded contract set, indexed by ID.
type ContractRegistry struct {
	Contracts []Contract `yaml:"contracts"`

	byID     map[string]Contract
	required []Contract
}

// LoadContracts reads the contract registry from a YAML file. A missing
// file yields an empty registry.
func LoadContracts(path string) (*ContractRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			reg := &ContractRegistry{}
			reg.index()
			return reg, nil
		}
		return nil, fmt.Errorf("read contracts file: %w", err)
	}

	var reg ContractRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse contracts file: %w", err)
	}
	reg.index()
	return &reg, nil
}

func (r *ContractRegistry) index() {
	r.byID = make(map[string]Contract, len(r.Contracts))
	r.required = nil
	for _, c := range r.Contracts {
		r.byID[c.ID] = c
		if c.RequiredForTopTier {
			r.required = append(r.required, c)
		}
	}
}

// Lookup returns the contract for an ID.
func (r *ContractRegistry) Lookup(id string) (Contract, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// ContractValidator checks record contract references against the registry.
type ContractValidator struct {
	registry *ContractRegistry
}

// NewContractValidator creates a contract validator.
func NewContractValidator(reg *ContractRegistry) *ContractValidator {
	return &ContractValidator{registry: reg}
}

// Check validates one record's contract references: well-formed IDs,
// existence in the registry, and top-tier coverage including every
// contract marked required_for_top_tier.
func (v *ContractValidator) Check(rec *record.ModuleRecord, report *Report) {
	refs := make(map[string]bool, len(rec.ContractRefs))
	for _, ref := range rec.ContractRefs {
		refs[ref] = true
		if !contractIDPattern.MatchString(ref) {
			report.add(rec.Path, "malformed contract id: %s", ref)
			continue
		}
		if _, ok := v.registry.Lookup(ref); !ok {
			report.add(rec.Path, "unknown contract: %s", ref)
		}
	}

	if rec.Tier != TopTier {
		return
	}
	if len(rec.ContractRefs) == 0 {
		report.add(rec.Path, "top-tier module has no contract references")
	}
	for _, c := range v.registry.required {
		if !refs[c.ID] {
			report.add(rec.Path, "top-tier module missing required contract: %s", c.ID)
		}
	}
}

// CheckCycles walks the implements chains across all records: a module's
// contract refs lead to owning modules, whose refs lead further. A module
// repeated on the active path is a circular dependency.
func (v *ContractValidator) CheckCycles(records map[string]*record.ModuleRecord, report *Report) {
	// contract owner lookup is registry-driven; records provide the refs
	visited := make(map[string]bool)

	paths := make([]string, 0, len(records))
	for p := range records {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if visited[path] {
			continue
		}
		onPath := make(map[string]bool)
		v.walk(path, records, visited, onPath, report)
	}
}

func (v *ContractValidator) walk(path string, records map[string]*record.ModuleRecord, visited, onPath map[string]bool, report *Report) {
	if onPath[path] {
		report.add(path, "circular contract dependency")
		return
	}
	if visited[path] {
		return
	}
	visited[path] = true
	onPath[path] = true
	defer delete(onPath, path)

	rec, ok := records[path]
	if !ok {
		return
	}
	for _, ref := range rec.ContractRefs {
		contract, ok := v.registry.Lookup(ref)
		if !ok || contract.Module == "" || contract.Module == path {
			continue
		}
		v.walk(contract.Module, records, visited, onPath, report)
	}
}

// Run validates contract references across every record in the store.
// Findings are warnings by default and fatal only in strict mode.
func (v *ContractValidator) Run(store *record.Store, strict bool) (*Report, error) {
	paths, err := store.List()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	records := make(map[string]*record.ModuleRecord, len(paths))
	for _, path := range paths {
		rec, err := store.Load(path)
		if err != nil {
			report.add(path, "unreadable record: %v", err)
			continue
		}
		records[path] = rec
		v.Check(rec, report)
	}
	report.Checked = len(records)
	v.CheckCycles(records, report)

	if strict && !report.Valid() {
		return report, fmt.Errorf("%w: %d issue(s)", ErrStrictContracts, len(report.Issues))
	}
	return report, nil
}
