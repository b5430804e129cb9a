package kernel

import (
	"encoding/json"
	"strings"

	"imprint/internal/logging"
	"imprint/internal/types"
)

// =============================================================================
// EXPORT
// =============================================================================

// Export returns the full serializable kernel state. All maps and nested
// structures are copies; mutating the result does not touch the kernel.
func (k *Kernel) Export() (map[string]any, error) {
	if err := k.lock.acquire("Export"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	return k.exportLocked(), nil
}

// ExportJSON marshals the kernel state, enforcing the export size cap.
func (k *Kernel) ExportJSON() ([]byte, error) {
	if err := k.lock.acquire("ExportJSON"); err != nil {
		return nil, err
	}
	defer k.lock.release()

	data, err := json.Marshal(k.exportLocked())
	if err != nil {
		return nil, types.NewIntegrityError("export serialization failed", map[string]any{"error": err.Error()})
	}
	if k.limits.MaxExportSizeBytes > 0 && len(data) > k.limits.MaxExportSizeBytes {
		return nil, types.NewResourceLimitError("export_size_bytes", len(data), k.limits.MaxExportSizeBytes)
	}
	return data, nil
}

func (k *Kernel) exportLocked() map[string]any {
	scopedRules := make(map[string]types.ScopedRule, len(k.scopedRules))
	for id, r := range k.scopedRules {
		scopedRules[id] = *r
	}
	hypotheses := make(map[string]types.Hypothesis, len(k.hypotheses))
	for id, h := range k.hypotheses {
		hypotheses[id] = *h
	}
	contextNodes := make(map[string]types.ContextNode, len(k.contextNodes))
	for id, n := range k.contextNodes {
		contextNodes[id] = *copyContextNode(n)
	}
	goals := make(map[string]types.UserGoal, len(k.goals))
	for id, g := range k.goals {
		goals[id] = *g
	}
	facts := make(map[string]types.UserFact, len(k.facts))
	for id, f := range k.facts {
		facts[id] = *f
	}
	rules := make(map[string]types.Rule, len(k.rules))
	for id, r := range k.rules {
		rules[id] = *r
	}
	nodes := make(map[string]types.KernelNode, len(k.nodes))
	for id, n := range k.nodes {
		c := *n
		c.Edges = append([]string(nil), n.Edges...)
		nodes[id] = c
	}
	metrics := make(map[string]int64, len(k.metrics))
	for key, v := range k.metrics {
		metrics[key] = v
	}

	return map[string]any{
		"version": KernelVersion,
		"kernel": map[string]any{
			"rules":          rules,
			"nodes":          nodes,
			"profile":        copyProfile(k.profile),
			"style_vector":   copyStyleVector(k.styleVector),
			"scoped_rules":   scopedRules,
			"hypotheses":     hypotheses,
			"context_nodes":  contextNodes,
			"goals":          goals,
			"facts":          facts,
			"metrics":        metrics,
			"active_project": k.activeProject,
		},
	}
}

func copyProfile(p *types.UserProfile) types.UserProfile {
	c := *p
	c.ExpertiseLevels = make(map[string]float64, len(p.ExpertiseLevels))
	for domain, level := range p.ExpertiseLevels {
		c.ExpertiseLevels[domain] = level
	}
	c.ExpertiseDomains = append([]string(nil), p.ExpertiseDomains...)
	c.PreferredLanguages = append([]string(nil), p.PreferredLanguages...)
	c.PreferredTools = append([]string(nil), p.PreferredTools...)
	c.AvoidedTech = append([]string(nil), p.AvoidedTech...)
	c.ActiveGoals = append([]string(nil), p.ActiveGoals...)
	return c
}

func copyStyleVector(s *types.StyleVector) types.StyleVector {
	c := *s
	c.Confidence = make(map[string]float64, len(s.Confidence))
	for dim, conf := range s.Confidence {
		c.Confidence[dim] = conf
	}
	return c
}

// =============================================================================
// LOAD
// =============================================================================

// exportEnvelope is the staging shape for Load. Decoding into it leaves the
// live kernel untouched until the payload is known to be usable.
type exportEnvelope struct {
	Version string       `json:"version"`
	Kernel  *exportState `json:"kernel"`
}

type exportState struct {
	Rules         map[string]*types.Rule        `json:"rules"`
	Nodes         map[string]*types.KernelNode  `json:"nodes"`
	Profile       *types.UserProfile            `json:"profile"`
	StyleVector   *types.StyleVector            `json:"style_vector"`
	ScopedRules   map[string]*types.ScopedRule  `json:"scoped_rules"`
	Hypotheses    map[string]*types.Hypothesis  `json:"hypotheses"`
	ContextNodes  map[string]*types.ContextNode `json:"context_nodes"`
	Goals         map[string]*types.UserGoal    `json:"goals"`
	Facts         map[string]*types.UserFact    `json:"facts"`
	Metrics       map[string]int64              `json:"metrics"`
	ActiveProject string                        `json:"active_project"`
}

// Load replaces kernel state from an exported payload. Unknown keys are
// ignored. Malformed JSON is an integrity error and a major version
// difference is a version-mismatch error; in both cases the prior kernel
// state is fully preserved. Session state (interaction logs, the processed
// registry, working memory) is never part of an export and survives a load.
func (k *Kernel) Load(payload []byte) error {
	var env exportEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return types.NewIntegrityError("export payload is not valid JSON", map[string]any{"error": err.Error()})
	}
	if major(env.Version) != major(KernelVersion) {
		return types.NewVersionMismatchError(KernelVersion, env.Version)
	}
	if env.Kernel == nil {
		return types.NewIntegrityError("export payload has no kernel object", nil)
	}

	if err := k.lock.acquire("Load"); err != nil {
		return err
	}
	defer k.lock.release()

	k.scopedRules = make(map[string]*types.ScopedRule, len(env.Kernel.ScopedRules))
	for id, r := range env.Kernel.ScopedRules {
		if r == nil {
			continue
		}
		if r.ID == "" {
			r.ID = id
		}
		r.UpdateState()
		k.scopedRules[r.ID] = r
	}
	k.hypotheses = make(map[string]*types.Hypothesis, len(env.Kernel.Hypotheses))
	for id, h := range env.Kernel.Hypotheses {
		if h == nil {
			continue
		}
		if h.ID == "" {
			h.ID = id
		}
		if h.State == "" {
			h.State = types.HypothesisPending
		}
		k.hypotheses[h.ID] = h
	}
	k.contextNodes = make(map[string]*types.ContextNode, len(env.Kernel.ContextNodes))
	for id, n := range env.Kernel.ContextNodes {
		if n == nil {
			continue
		}
		if n.ID == "" {
			n.ID = id
		}
		k.contextNodes[n.ID] = n
	}
	k.goals = make(map[string]*types.UserGoal, len(env.Kernel.Goals))
	for id, g := range env.Kernel.Goals {
		if g == nil {
			continue
		}
		if g.ID == "" {
			g.ID = id
		}
		k.goals[g.ID] = g
	}
	k.facts = make(map[string]*types.UserFact, len(env.Kernel.Facts))
	for id, f := range env.Kernel.Facts {
		if f == nil {
			continue
		}
		if f.ID == "" {
			f.ID = id
		}
		k.facts[f.ID] = f
	}
	k.rules = make(map[string]*types.Rule, len(env.Kernel.Rules))
	for id, r := range env.Kernel.Rules {
		if r == nil {
			continue
		}
		if r.ID == "" {
			r.ID = id
		}
		k.rules[r.ID] = r
	}
	k.nodes = make(map[string]*types.KernelNode, len(env.Kernel.Nodes))
	for id, n := range env.Kernel.Nodes {
		if n == nil {
			continue
		}
		if n.ID == "" {
			n.ID = id
		}
		k.nodes[n.ID] = n
	}

	if env.Kernel.Profile != nil {
		if env.Kernel.Profile.ExpertiseLevels == nil {
			env.Kernel.Profile.ExpertiseLevels = map[string]float64{}
		}
		k.profile = env.Kernel.Profile
	} else {
		k.profile = types.NewUserProfile()
	}
	if env.Kernel.StyleVector != nil {
		if env.Kernel.StyleVector.Confidence == nil {
			env.Kernel.StyleVector.Confidence = map[string]float64{}
		}
		if env.Kernel.StyleVector.LearningRate <= 0 {
			env.Kernel.StyleVector.LearningRate = 0.1
		}
		k.styleVector = env.Kernel.StyleVector
	} else {
		k.styleVector = types.NewStyleVector()
	}

	metrics := newMetrics()
	for key := range metrics {
		if v, ok := env.Kernel.Metrics[key]; ok {
			metrics[key] = v
		}
	}
	k.metrics = metrics
	k.activeProject = env.Kernel.ActiveProject

	logging.Kernel("Kernel loaded: version=%s rules=%d nodes=%d hypotheses=%d goals=%d facts=%d",
		env.Version, len(k.scopedRules), len(k.contextNodes), len(k.hypotheses), len(k.goals), len(k.facts))
	return nil
}

// major extracts the leading component of a semver string.
func major(version string) string {
	return strings.SplitN(version, ".", 2)[0]
}
