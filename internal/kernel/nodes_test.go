package kernel

import (
	"fmt"
	"strings"
	"testing"

	"imprint/internal/types"
)

func addNodeOrFatal(t *testing.T, k *Kernel, n types.ContextNode) string {
	t.Helper()
	id, err := k.AddContextNode(n)
	if err != nil {
		t.Fatalf("AddContextNode(%q): %v", n.Name, err)
	}
	return id
}

// ============================================================================
// HIERARCHY
// ============================================================================

func TestContextNodeHierarchy(t *testing.T) {
	k, _, _ := newTestKernel(t)

	py := types.NewContextNode("lang_python", types.ContextLanguage, "Python")
	addNodeOrFatal(t, k, py)

	fastapi := types.NewContextNode("fw_fastapi", types.ContextFramework, "FastAPI")
	fastapi.ParentID = "lang_python"
	addNodeOrFatal(t, k, fastapi)

	parent, err := k.GetContextNode("lang_python")
	if err != nil || parent == nil {
		t.Fatalf("GetContextNode = (%v, %v)", parent, err)
	}
	if len(parent.ChildrenIDs) != 1 || parent.ChildrenIDs[0] != "fw_fastapi" {
		t.Errorf("parent children = %v, want [fw_fastapi]", parent.ChildrenIDs)
	}
	if len(parent.Embedding) == 0 {
		t.Error("node stored without an embedding")
	}

	path, err := k.ScopePathOf("fw_fastapi")
	if err != nil {
		t.Fatalf("ScopePathOf: %v", err)
	}
	if len(path) != 2 || path[0] != "Python" || path[1] != "FastAPI" {
		t.Errorf("scope path = %v, want [Python FastAPI]", path)
	}
	if path, _ := k.ScopePathOf("ctx_nope"); path != nil {
		t.Errorf("unknown node produced path %v", path)
	}

	mustMetric(t, k, MetricContextNodesCreated, 2)
}

func TestContextNodeReAddIsIdempotent(t *testing.T) {
	k, _, _ := newTestKernel(t)

	py := types.NewContextNode("lang_python", types.ContextLanguage, "Python")
	addNodeOrFatal(t, k, py)
	addNodeOrFatal(t, k, py)

	stats, _ := k.Stats()
	if stats.ContextNodes != 1 {
		t.Errorf("node count = %d, want 1", stats.ContextNodes)
	}
	mustMetric(t, k, MetricContextNodesCreated, 1)
}

func TestFindNodeByName(t *testing.T) {
	k, _, _ := newTestKernel(t)

	addNodeOrFatal(t, k, types.NewContextNode("lang_python", types.ContextLanguage, "Python"))

	found, err := k.FindNodeByName("python")
	if err != nil || found == nil || found.ID != "lang_python" {
		t.Fatalf("FindNodeByName(python) = (%v, %v), want lang_python", found, err)
	}
	missing, err := k.FindNodeByName("elixir")
	if err != nil || missing != nil {
		t.Errorf("FindNodeByName(elixir) = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestReferenceNode(t *testing.T) {
	k, _, _ := newTestKernel(t)

	addNodeOrFatal(t, k, types.NewContextNode("lang_go", types.ContextLanguage, "Go"))
	if err := k.ReferenceNode("lang_go"); err != nil {
		t.Fatalf("ReferenceNode: %v", err)
	}
	got, _ := k.GetContextNode("lang_go")
	if got.ReferenceCount != 1 {
		t.Errorf("reference count = %d, want 1", got.ReferenceCount)
	}

	err := k.ReferenceNode("ctx_nope")
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("missing node error kind = %v, want validation", types.KindOf(err))
	}
}

func TestAddContextNodeValidation(t *testing.T) {
	k, _, _ := newTestKernel(t)

	_, err := k.AddContextNode(types.ContextNode{})
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("empty name error kind = %v, want validation", types.KindOf(err))
	}

	n := types.NewContextNode("", types.ContextDomain, "Payments")
	n.Description = strings.Repeat("d", 5001)
	_, err = k.AddContextNode(n)
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("oversized description error kind = %v, want validation", types.KindOf(err))
	}
}

// ============================================================================
// PRUNING
// ============================================================================

func TestContextNodePruneEvictsUnreferenced(t *testing.T) {
	k, _, _ := newTestKernel(t)

	for i := 0; i < 11; i++ {
		n := types.NewContextNode(fmt.Sprintf("ctx_keep%02d", i), types.ContextDomain, fmt.Sprintf("Domain %d", i))
		n.ReferenceCount = 5
		addNodeOrFatal(t, k, n)
	}
	stale := types.NewContextNode("ctx_stale", types.ContextDomain, "Forgotten")
	addNodeOrFatal(t, k, stale)

	extra := types.NewContextNode("ctx_extra", types.ContextDomain, "Incoming")
	addNodeOrFatal(t, k, extra)

	if got, _ := k.GetContextNode("ctx_stale"); got != nil {
		t.Error("least referenced node survived the prune")
	}
	if got, _ := k.GetContextNode("ctx_extra"); got == nil {
		t.Error("new node missing after prune")
	}
	stats, _ := k.Stats()
	if stats.ContextNodes != 12 {
		t.Errorf("node count = %d, want 12", stats.ContextNodes)
	}
}

func TestContextNodePruneSkipsParents(t *testing.T) {
	k, _, _ := newTestKernel(t)

	// ctx_a00 sorts first for pruning but has a child, so it is protected.
	root := types.NewContextNode("ctx_a00", types.ContextDomain, "Root")
	addNodeOrFatal(t, k, root)
	child := types.NewContextNode("ctx_a01", types.ContextDomain, "Leaf")
	child.ParentID = "ctx_a00"
	child.ReferenceCount = 5
	addNodeOrFatal(t, k, child)
	for i := 2; i < 12; i++ {
		n := types.NewContextNode(fmt.Sprintf("ctx_b%02d", i), types.ContextDomain, fmt.Sprintf("Domain %d", i))
		n.ReferenceCount = 5
		addNodeOrFatal(t, k, n)
	}

	extra := types.NewContextNode("ctx_extra", types.ContextDomain, "Incoming")
	_, err := k.AddContextNode(extra)
	if types.KindOf(err) != types.KindResourceLimit {
		t.Fatalf("error kind = %v, want resource_limit when only a parent is prunable", types.KindOf(err))
	}
	if got, _ := k.GetContextNode("ctx_a00"); got == nil {
		t.Error("parent node was pruned")
	}
}

func TestContextNodePruneSkipsRuleTargets(t *testing.T) {
	k, _, _ := newTestKernel(t)

	target := types.NewContextNode("ctx_a00", types.ContextDomain, "Targeted")
	addNodeOrFatal(t, k, target)
	rule := types.NewScopedRule("Keep payment flows idempotent", []string{"Payments"}, "ctx_a00", types.RelationRequires)
	addRuleOrFatal(t, k, rule)

	for i := 1; i < 12; i++ {
		n := types.NewContextNode(fmt.Sprintf("ctx_b%02d", i), types.ContextDomain, fmt.Sprintf("Domain %d", i))
		n.ReferenceCount = 5
		addNodeOrFatal(t, k, n)
	}

	extra := types.NewContextNode("ctx_extra", types.ContextDomain, "Incoming")
	_, err := k.AddContextNode(extra)
	if types.KindOf(err) != types.KindResourceLimit {
		t.Fatalf("error kind = %v, want resource_limit when only a rule target is prunable", types.KindOf(err))
	}
	if got, _ := k.GetContextNode("ctx_a00"); got == nil {
		t.Error("rule target node was pruned")
	}
}

// ============================================================================
// LEGACY NODES
// ============================================================================

func TestLegacyNodeMergeByName(t *testing.T) {
	k, _, _ := newTestKernel(t)

	id1, err := k.AddNode(types.KernelNode{Name: "Docker", Context: "containers"})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	id2, err := k.AddNode(types.KernelNode{Name: "docker"})
	if err != nil {
		t.Fatalf("AddNode duplicate: %v", err)
	}
	if id2 != id1 {
		t.Errorf("case-insensitive duplicate created a new node: %s vs %s", id2, id1)
	}

	got, _ := k.GetNode(id1)
	if got == nil || got.ReferenceCount != 1 {
		t.Fatalf("merged node = %+v, want reference_count 1", got)
	}
}

func TestLinkNodes(t *testing.T) {
	k, _, _ := newTestKernel(t)

	id1, _ := k.AddNode(types.KernelNode{Name: "Docker"})
	id2, _ := k.AddNode(types.KernelNode{Name: "Kubernetes"})

	if err := k.LinkNodes(id1, id2); err != nil {
		t.Fatalf("LinkNodes: %v", err)
	}
	n1, _ := k.GetNode(id1)
	n2, _ := k.GetNode(id2)
	if len(n1.Edges) != 1 || n1.Edges[0] != id2 {
		t.Errorf("n1 edges = %v, want [%s]", n1.Edges, id2)
	}
	if len(n2.Edges) != 1 || n2.Edges[0] != id1 {
		t.Errorf("n2 edges = %v, want [%s]", n2.Edges, id1)
	}

	// Linking against a missing node is a silent no-op.
	if err := k.LinkNodes(id1, "node_nope"); err != nil {
		t.Fatalf("LinkNodes missing: %v", err)
	}
	n1, _ = k.GetNode(id1)
	if len(n1.Edges) != 1 {
		t.Errorf("edges after no-op link = %v", n1.Edges)
	}
}
