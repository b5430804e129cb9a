package kernel

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"imprint/internal/logging"
	"imprint/internal/types"
)

// =============================================================================
// CONTEXT HIERARCHY
// =============================================================================

// AddContextNode inserts a node into the context hierarchy, embedding its
// name when no embedding is attached and linking it under its parent. At the
// node limit the kernel prunes first; if pruning frees nothing the add fails
// with a resource-limit error and no state changes.
func (k *Kernel) AddContextNode(node types.ContextNode) (string, error) {
	if strings.TrimSpace(node.Name) == "" {
		return "", types.NewValidationError("context node name is empty", nil)
	}
	if k.limits.MaxNodeContextLength > 0 && len(node.Description) > k.limits.MaxNodeContextLength {
		return "", types.NewValidationError("context node description too long", map[string]any{
			"length": len(node.Description),
			"limit":  k.limits.MaxNodeContextLength,
		})
	}
	if err := k.lock.acquire("AddContextNode"); err != nil {
		return "", err
	}
	defer k.lock.release()
	return k.addContextNodeLocked(&node)
}

func (k *Kernel) addContextNodeLocked(node *types.ContextNode) (string, error) {
	if node.ID == "" {
		node.ID = "ctx_" + uuid.NewString()[:8]
	}
	if node.CreatedAt.IsZero() {
		now := k.now().UTC()
		node.CreatedAt = now
		node.LastReferenced = now
	}

	_, exists := k.contextNodes[node.ID]
	if !exists && len(k.contextNodes) >= k.limits.MaxNodes {
		k.pruneContextNodesLocked()
		if len(k.contextNodes) >= k.limits.MaxNodes {
			return "", types.NewResourceLimitError("context_nodes", len(k.contextNodes), k.limits.MaxNodes)
		}
	}

	if len(node.Embedding) == 0 {
		node.Embedding = k.embedText(node.Name)
	}

	k.contextNodes[node.ID] = node
	if node.ParentID != "" {
		if parent, ok := k.contextNodes[node.ParentID]; ok {
			parent.AddChild(node.ID)
		}
	}
	if !exists {
		k.metrics[MetricContextNodesCreated]++
	}
	logging.KernelDebug("Context node added: id=%s name=%s type=%s parent=%s", node.ID, node.Name, node.Type, node.ParentID)
	return node.ID, nil
}

// GetContextNode returns a copy of the node, or nil when absent.
func (k *Kernel) GetContextNode(id string) (*types.ContextNode, error) {
	if err := k.lock.acquire("GetContextNode"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	node, ok := k.contextNodes[id]
	if !ok {
		return nil, nil
	}
	return copyContextNode(node), nil
}

// FindNodeByName returns the first node whose name matches case-insensitively,
// scanning in ID order, or nil when none matches.
func (k *Kernel) FindNodeByName(name string) (*types.ContextNode, error) {
	if err := k.lock.acquire("FindNodeByName"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	for _, id := range sortedKeys(k.contextNodes) {
		node := k.contextNodes[id]
		if strings.EqualFold(node.Name, name) {
			return copyContextNode(node), nil
		}
	}
	return nil, nil
}

// ScopePathOf resolves a node's scope path by walking the parent chain,
// root first. Unknown IDs and dangling parents produce the path collected
// so far; a nil path means the node does not exist.
func (k *Kernel) ScopePathOf(nodeID string) ([]string, error) {
	if err := k.lock.acquire("ScopePathOf"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	node, ok := k.contextNodes[nodeID]
	if !ok {
		return nil, nil
	}
	var path []string
	seen := make(map[string]bool)
	for node != nil && !seen[node.ID] {
		seen[node.ID] = true
		path = append(path, node.Name)
		if node.ParentID == "" {
			break
		}
		node = k.contextNodes[node.ParentID]
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// ReferenceNode records a use of the node, bumping its weight and count.
func (k *Kernel) ReferenceNode(id string) error {
	if err := k.lock.acquire("ReferenceNode"); err != nil {
		return err
	}
	defer k.lock.release()
	node, ok := k.contextNodes[id]
	if !ok {
		return types.NewValidationError("context node not found", map[string]any{"node_id": id})
	}
	node.Reference()
	return nil
}

// pruneContextNodesLocked removes the bottom tenth of nodes by reference
// count then weight, but only nodes that are leaves and that no rule
// targets. Skipped entirely while the hierarchy is small.
func (k *Kernel) pruneContextNodesLocked() int {
	if len(k.contextNodes) < 10 {
		return 0
	}
	nodes := make([]*types.ContextNode, 0, len(k.contextNodes))
	for _, n := range k.contextNodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ReferenceCount != nodes[j].ReferenceCount {
			return nodes[i].ReferenceCount < nodes[j].ReferenceCount
		}
		if nodes[i].Weight != nodes[j].Weight {
			return nodes[i].Weight < nodes[j].Weight
		}
		return nodes[i].ID < nodes[j].ID
	})

	targeted := make(map[string]bool, len(k.scopedRules))
	for _, r := range k.scopedRules {
		targeted[r.TargetNode] = true
	}

	pruned := 0
	for _, n := range nodes[:len(nodes)/10] {
		if len(n.ChildrenIDs) > 0 || targeted[n.ID] {
			continue
		}
		delete(k.contextNodes, n.ID)
		pruned++
	}
	if pruned > 0 {
		logging.Kernel("Pruned %d context nodes", pruned)
	}
	return pruned
}

func copyContextNode(node *types.ContextNode) *types.ContextNode {
	c := *node
	c.ChildrenIDs = append([]string(nil), node.ChildrenIDs...)
	return &c
}

// =============================================================================
// FLAT NODES (v2 data compatibility)
// =============================================================================

// AddNode inserts a flat v2 node. A node with the same name (case-insensitive)
// is merged instead: it absorbs the new node's edges and gains a reference.
func (k *Kernel) AddNode(node types.KernelNode) (string, error) {
	if strings.TrimSpace(node.Name) == "" {
		return "", types.NewValidationError("node name is empty", nil)
	}
	if err := k.lock.acquire("AddNode"); err != nil {
		return "", err
	}
	defer k.lock.release()

	for _, id := range sortedKeys(k.nodes) {
		existing := k.nodes[id]
		if strings.EqualFold(existing.Name, node.Name) {
			existing.Reference()
			for _, e := range node.Edges {
				existing.AddEdge(e)
			}
			return existing.ID, nil
		}
	}

	if node.ID == "" {
		node.ID = "node_" + uuid.NewString()[:8]
	}
	if node.CreatedAt.IsZero() {
		now := k.now().UTC()
		node.CreatedAt = now
		node.LastReferenced = now
	}
	if node.Weight == 0 {
		node.Weight = 0.5
	}
	k.nodes[node.ID] = &node
	return node.ID, nil
}

// GetNode returns a copy of a flat v2 node, or nil when absent.
func (k *Kernel) GetNode(id string) (*types.KernelNode, error) {
	if err := k.lock.acquire("GetNode"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	node, ok := k.nodes[id]
	if !ok {
		return nil, nil
	}
	c := *node
	c.Edges = append([]string(nil), node.Edges...)
	return &c, nil
}

// LinkNodes creates a bidirectional edge between two flat nodes. Unknown
// IDs are ignored.
func (k *Kernel) LinkNodes(a, b string) error {
	if err := k.lock.acquire("LinkNodes"); err != nil {
		return err
	}
	defer k.lock.release()
	na, okA := k.nodes[a]
	nb, okB := k.nodes[b]
	if !okA || !okB {
		return nil
	}
	na.AddEdge(b)
	nb.AddEdge(a)
	return nil
}

// sortedKeys returns map keys in ascending order so scans are deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
