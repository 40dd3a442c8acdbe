package remoteconfig

import (
	"fmt"
	"unicode/utf8"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/values"
)

// Decision is the per-agent outcome of processing a remote config.
type Decision string

const (
	// DecisionApply replaces the remote value layer.
	DecisionApply Decision = "apply"
	// DecisionClear deletes the remote value layer.
	DecisionClear Decision = "clear"
	// DecisionReject records the failure and keeps the previous state.
	DecisionReject Decision = "reject"
)

// Result carries the decision plus the terminal entry to report upstream.
type Result struct {
	Decision Decision
	Entry    Entry
	// Values holds the parsed document when Decision is DecisionApply.
	Values values.Doc
}

// Validator checks a decoded values document for one agent before it is
// applied.
type Validator interface {
	Validate(id agenttype.AgentID, doc values.Doc) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(id agenttype.AgentID, doc values.Doc) error

func (f ValidatorFunc) Validate(id agenttype.AgentID, doc values.Doc) error { return f(id, doc) }

// Processor runs the remote-config algorithm: hash bookkeeping, body
// extraction, optional signature validation, per-type validation and
// persistence.
type Processor struct {
	values       values.RemoteStore
	hashes       HashStore
	signer       *SignatureValidator // nil when signature validation is disabled
	validatorFor func(agenttype.AgentID) Validator
	log          *logrus.Entry
}

func NewProcessor(
	store values.RemoteStore,
	hashes HashStore,
	signer *SignatureValidator,
	validatorFor func(agenttype.AgentID) Validator,
	log *logrus.Entry,
) *Processor {
	return &Processor{values: store, hashes: hashes, signer: signer, validatorFor: validatorFor, log: log}
}

// Process handles one AgentRemoteConfig for one agent. The previous value
// layer is never altered on failure. signature is the detached signature
// received beside the config, empty when the server sent none.
func (p *Processor) Process(id agenttype.AgentID, msg *protobufs.AgentRemoteConfig, signature []byte) Result {
	rawHash := msg.GetConfigHash()
	if len(rawHash) == 0 || !utf8.Valid(rawHash) {
		entry := Entry{Hash: "invalid", State: StateFailed, ErrorMessage: "Invalid hash"}
		p.persistEntry(id, entry)
		return Result{Decision: DecisionReject, Entry: entry}
	}
	hash := Hash(rawHash)

	applying := NewApplying(hash)
	p.persistEntry(id, applying)

	body, err := extractBody(msg)
	if err != nil {
		return p.fail(id, applying, err)
	}

	if len(body) == 0 {
		return p.clear(id, applying)
	}

	if p.signer != nil {
		if err := p.signer.Validate(body, signature); err != nil {
			return p.fail(id, applying, err)
		}
	}

	doc := values.Doc{}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return p.fail(id, applying, fmt.Errorf("parsing remote config: %w", err))
	}

	if validator := p.validatorFor(id); validator != nil {
		if err := validator.Validate(id, doc); err != nil {
			return p.fail(id, applying, err)
		}
	}

	if err := p.values.StoreRemote(id, doc); err != nil {
		return p.fail(id, applying, fmt.Errorf("persisting remote values: %w", err))
	}
	applied, err := applying.Applied()
	if err != nil {
		return p.fail(id, applying, err)
	}
	p.persistEntry(id, applied)
	return Result{Decision: DecisionApply, Entry: applied, Values: doc}
}

// extractBody enforces the wire shape: exactly one entry under the empty
// key.
func extractBody(msg *protobufs.AgentRemoteConfig) ([]byte, error) {
	configMap := msg.GetConfig().GetConfigMap()
	if len(configMap) != 1 {
		return nil, fmt.Errorf("invalid remote config: expected a single entry, got %d", len(configMap))
	}
	file, ok := configMap[""]
	if !ok {
		return nil, fmt.Errorf("invalid remote config: entry key must be empty")
	}
	return file.GetBody(), nil
}

func (p *Processor) clear(id agenttype.AgentID, applying Entry) Result {
	if err := p.values.DeleteRemote(id); err != nil {
		return p.fail(id, applying, fmt.Errorf("clearing remote values: %w", err))
	}
	if err := p.hashes.Delete(id); err != nil {
		return p.fail(id, applying, fmt.Errorf("clearing hash: %w", err))
	}
	applied, _ := applying.Applied()
	return Result{Decision: DecisionClear, Entry: applied}
}

func (p *Processor) fail(id agenttype.AgentID, applying Entry, cause error) Result {
	failed, err := applying.Failed(cause.Error())
	if err != nil {
		failed = Entry{Hash: applying.Hash, State: StateFailed, ErrorMessage: cause.Error()}
	}
	p.persistEntry(id, failed)
	return Result{Decision: DecisionReject, Entry: failed}
}

func (p *Processor) persistEntry(id agenttype.AgentID, entry Entry) {
	if err := p.hashes.Store(id, entry); err != nil {
		p.log.WithError(err).WithField("agent_id", id).Error("Persisting remote config hash failed")
	}
}

// ReconcileStartup discards orphaned halves of the value/hash pair left by a
// crash between the two writes, reverting the agent to its local layer. It
// guarantees no hash is left in the Applying state.
func (p *Processor) ReconcileStartup(id agenttype.AgentID) error {
	entry, err := p.hashes.Load(id)
	if err != nil {
		return err
	}
	stored, err := p.values.LoadRemote(id)
	if err != nil {
		return err
	}
	switch {
	case entry == nil && stored != nil:
		// value without hash: the hash write never landed
		return p.values.DeleteRemote(id)
	case entry != nil && entry.State == StateApplying:
		// crash mid-apply: drop both sides
		if err := p.values.DeleteRemote(id); err != nil {
			return err
		}
		return p.hashes.Delete(id)
	case entry != nil && entry.State == StateApplied && stored == nil:
		// applied hash without value: the value write never landed
		return p.hashes.Delete(id)
	}
	return nil
}
