package agentcontrol

import (
	"fmt"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/remoteconfig"
	"github.com/newrelic/newrelic-agent-control/internal/values"
)

// dynamicConfigValidator checks Agent Control's own remote config: every
// declared sub-agent must reference a type known to the registry.
type dynamicConfigValidator struct {
	registry *agenttype.Registry
}

func (v *dynamicConfigValidator) Validate(_ agenttype.AgentID, doc values.Doc) error {
	cfg, err := ParseDynamicConfig(doc)
	if err != nil {
		return err
	}
	desired, err := cfg.Desired()
	if err != nil {
		return err
	}
	for id, typeID := range desired {
		if _, err := v.registry.Get(typeID); err != nil {
			return fmt.Errorf("agent %q: %w", id, err)
		}
	}
	return nil
}

// subAgentValuesValidator checks a sub-agent's remote values: the rendered
// result must satisfy the required variables of its current agent type.
type subAgentValuesValidator struct {
	registry *agenttype.Registry
	renderer *agenttype.Renderer
	// typeFor resolves the agent's current type from the effective
	// dynamic config.
	typeFor func(agenttype.AgentID) (agenttype.ID, bool)
	// agentDir resolves the agent's remote-state directory.
	agentDir func(agenttype.AgentID) string
}

func (v *subAgentValuesValidator) Validate(id agenttype.AgentID, doc values.Doc) error {
	typeID, ok := v.typeFor(id)
	if !ok {
		return fmt.Errorf("agent %q is not part of the current dynamic config", id)
	}
	def, err := v.registry.Get(typeID)
	if err != nil {
		return err
	}
	attrs, err := agenttype.NewAgentAttributes(id, v.agentDir(id))
	if err != nil {
		return err
	}
	if _, err := v.renderer.Render(def, attrs, doc); err != nil {
		return err
	}
	return nil
}

// validatorFor routes each agent id to its validator, per the processor
// contract.
func (a *AgentControl) validatorFor(id agenttype.AgentID) remoteconfig.Validator {
	if id.IsAgentControl() {
		return &dynamicConfigValidator{registry: a.registry}
	}
	return &subAgentValuesValidator{
		registry: a.registry,
		renderer: a.renderer,
		typeFor: func(id agenttype.AgentID) (agenttype.ID, bool) {
			desired, err := a.dynamic.Desired()
			if err != nil {
				return agenttype.ID{}, false
			}
			typeID, ok := desired[id]
			return typeID, ok
		},
		agentDir: a.agentDir,
	}
}
