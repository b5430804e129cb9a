package kernel

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"imprint/internal/logging"
	"imprint/internal/types"
)

// Archive reasons for hypotheses leaving the kernel.
const (
	ReasonPromoted     = "promoted"
	ReasonRejected     = "rejected"
	ReasonExpired      = "expired"
	ReasonLimitReached = "limit_reached"
)

// =============================================================================
// HYPOTHESES
// =============================================================================

// AddHypothesis inserts a candidate rule for its trial period. At the
// hypothesis limit the oldest quarter (at most ten) are expired to the
// archive first with reason "limit_reached".
func (k *Kernel) AddHypothesis(h types.Hypothesis) (string, error) {
	if strings.TrimSpace(h.ProposedContent) == "" {
		return "", types.NewValidationError("hypothesis content is empty", nil)
	}
	if err := k.lock.acquire("AddHypothesis"); err != nil {
		return "", err
	}
	defer k.lock.release()

	if h.ID == "" {
		h.ID = "hyp_" + uuid.NewString()[:8]
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = k.now().UTC()
	}
	if h.ExpiresAt.IsZero() {
		h.ExpiresAt = h.CreatedAt.Add(24 * time.Hour)
	}
	if h.State == "" {
		h.State = types.HypothesisPending
	}

	_, exists := k.hypotheses[h.ID]
	if !exists && len(k.hypotheses) >= k.limits.MaxHypotheses {
		k.expireOldestHypothesesLocked()
		if len(k.hypotheses) >= k.limits.MaxHypotheses {
			return "", types.NewResourceLimitError("hypotheses", len(k.hypotheses), k.limits.MaxHypotheses)
		}
	}

	if len(h.Embedding) == 0 {
		h.Embedding = k.embedText(h.ProposedContent)
	}

	k.hypotheses[h.ID] = &h
	if !exists {
		k.metrics[MetricHypothesesCreated]++
	}
	logging.KernelDebug("Hypothesis added: id=%s scope=%v source=%s", h.ID, h.ProposedScopePath, h.SourceSignalType)
	return h.ID, nil
}

// GetHypothesis returns a copy of the hypothesis, or nil when absent.
func (k *Kernel) GetHypothesis(id string) (*types.Hypothesis, error) {
	if err := k.lock.acquire("GetHypothesis"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	h, ok := k.hypotheses[id]
	if !ok {
		return nil, nil
	}
	c := *h
	return &c, nil
}

// GetPendingHypotheses returns copies of hypotheses still in their trial
// period (pending or validating), oldest first.
func (k *Kernel) GetPendingHypotheses() ([]types.Hypothesis, error) {
	if err := k.lock.acquire("GetPendingHypotheses"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	out := make([]types.Hypothesis, 0, len(k.hypotheses))
	for _, h := range k.hypotheses {
		if h.State == types.HypothesisPending || h.State == types.HypothesisValidating {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SnapshotHypotheses returns copies of all hypotheses in ID order.
func (k *Kernel) SnapshotHypotheses() ([]types.Hypothesis, error) {
	if err := k.lock.acquire("SnapshotHypotheses"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	out := make([]types.Hypothesis, 0, len(k.hypotheses))
	for _, id := range sortedKeys(k.hypotheses) {
		out = append(out, *k.hypotheses[id])
	}
	return out, nil
}

// ValidateHypothesis records one supporting observation. Returns true when
// the hypothesis has gathered enough validations to promote.
func (k *Kernel) ValidateHypothesis(id string) (bool, error) {
	if err := k.lock.acquire("ValidateHypothesis"); err != nil {
		return false, err
	}
	defer k.lock.release()
	h, ok := k.hypotheses[id]
	if !ok {
		return false, types.NewValidationError("hypothesis not found", map[string]any{"hypothesis_id": id})
	}
	return h.Validate(), nil
}

// RejectHypothesis records one contradicting observation. Returns true when
// the hypothesis should be removed.
func (k *Kernel) RejectHypothesis(id string) (bool, error) {
	if err := k.lock.acquire("RejectHypothesis"); err != nil {
		return false, err
	}
	defer k.lock.release()
	h, ok := k.hypotheses[id]
	if !ok {
		return false, types.NewValidationError("hypothesis not found", map[string]any{"hypothesis_id": id})
	}
	return h.Reject(), nil
}

// RemoveHypothesis archives the hypothesis under the given reason and drops
// it. Removing an unknown ID is a no-op.
func (k *Kernel) RemoveHypothesis(id, reason string) error {
	if err := k.lock.acquire("RemoveHypothesis"); err != nil {
		return err
	}
	defer k.lock.release()
	k.removeHypothesisLocked(id, reason)
	return nil
}

func (k *Kernel) removeHypothesisLocked(id, reason string) {
	h, ok := k.hypotheses[id]
	if !ok {
		return
	}
	switch reason {
	case ReasonPromoted:
		h.State = types.HypothesisPromoted
	case ReasonRejected:
		h.State = types.HypothesisRejected
	default:
		h.State = types.HypothesisExpired
	}
	if k.archive != nil {
		if err := k.archive.ArchiveHypothesis(*h, reason); err != nil {
			logging.KernelWarn("Hypothesis %s archive failed (%s): %v", id, reason, err)
		}
	}
	delete(k.hypotheses, id)
	switch reason {
	case ReasonPromoted:
		k.metrics[MetricHypothesesPromoted]++
	case ReasonRejected:
		k.metrics[MetricHypothesesRejected]++
	}
	logging.KernelDebug("Hypothesis removed: id=%s reason=%s", id, reason)
}

// TickHypotheses counts one interaction against every hypothesis's trial
// window and returns the IDs that are now expired. The caller decides when
// to remove them.
func (k *Kernel) TickHypotheses() ([]string, error) {
	if err := k.lock.acquire("TickHypotheses"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	now := k.now().UTC()
	var expired []string
	for _, id := range sortedKeys(k.hypotheses) {
		h := k.hypotheses[id]
		h.ValidationInteractions++
		if h.CheckExpiry(now) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// PromoteHypothesis converts a fully validated hypothesis into a scoped
// rule, inserts the rule, and archives the hypothesis with reason
// "promoted". The hypothesis survives if the rule insert fails.
func (k *Kernel) PromoteHypothesis(id string) (types.ScopedRule, error) {
	if err := k.lock.acquire("PromoteHypothesis"); err != nil {
		return types.ScopedRule{}, err
	}
	defer k.lock.release()
	h, ok := k.hypotheses[id]
	if !ok {
		return types.ScopedRule{}, types.NewValidationError("hypothesis not found", map[string]any{"hypothesis_id": id})
	}

	rule := h.ToScopedRule()
	if len(rule.Embedding) == 0 {
		rule.Embedding = k.embedText(rule.Content)
	}
	if _, err := k.addScopedRuleLocked(&rule); err != nil {
		return types.ScopedRule{}, err
	}
	k.removeHypothesisLocked(id, ReasonPromoted)
	logging.Kernel("Hypothesis %s promoted to rule %s (scope=%v)", id, rule.ID, rule.ScopePath)
	return rule, nil
}

// expireOldestHypothesesLocked frees room at the hypothesis limit by
// expiring the oldest quarter of entries, at most ten per pass.
func (k *Kernel) expireOldestHypothesesLocked() int {
	count := len(k.hypotheses) / 4
	if count > 10 {
		count = 10
	}
	if count == 0 {
		return 0
	}
	all := make([]*types.Hypothesis, 0, len(k.hypotheses))
	for _, h := range k.hypotheses {
		all = append(all, h)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	for _, h := range all[:count] {
		k.removeHypothesisLocked(h.ID, ReasonLimitReached)
	}
	logging.Kernel("Expired %d hypotheses at the limit", count)
	return count
}
