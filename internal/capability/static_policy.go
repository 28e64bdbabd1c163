package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/haulflow/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// DefaultRoles is the built-in policy used when no policy file is
// configured. Dispatchers run the board; drivers read and move trips.
var DefaultRoles = map[string][]string{
	model.RoleDispatcher: {
		"contracts:*",
		model.CapAssignmentsManage,
		"executions:*",
	},
	model.RoleDriver: {
		model.CapContractsRead,
		model.CapExecutionsRead,
		model.CapExecutionsMove,
	},
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file
// mapping roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates an evaluator that loads policies from
// path. An empty path selects DefaultRoles.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		e.mu.Lock()
		e.policy = policyFile{Roles: DefaultRoles}
		e.mu.Unlock()
		return nil
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s defines no roles", e.path)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
