package compiler

import (
	"strings"

	"imprint/internal/types"
)

// =============================================================================
// SCOPE DETECTION
// =============================================================================

// scopeKeyword binds a lowercase trigger word to its display label. Tables
// are ordered slices because the first match in each class wins.
type scopeKeyword struct {
	keyword string
	label   string
}

var languageKeywords = []scopeKeyword{
	{"python", "Python"},
	{"javascript", "JavaScript"},
	{"typescript", "TypeScript"},
	{"java", "Java"},
	{"rust", "Rust"},
	{"go", "Go"},
	{"golang", "Go"},
	{"ruby", "Ruby"},
	{"php", "PHP"},
	{"swift", "Swift"},
	{"kotlin", "Kotlin"},
	{"c++", "C++"},
	{"cpp", "C++"},
	{"c#", "C#"},
	{"csharp", "C#"},
}

var frameworkKeywords = []scopeKeyword{
	{"fastapi", "FastAPI"},
	{"django", "Django"},
	{"flask", "Flask"},
	{"react", "React"},
	{"vue", "Vue"},
	{"angular", "Angular"},
	{"express", "Express"},
	{"nextjs", "Next.js"},
	{"next.js", "Next.js"},
	{"spring", "Spring"},
	{"rails", "Rails"},
}

var domainKeywords = []scopeKeyword{
	{"backend", "Backend"},
	{"frontend", "Frontend"},
	{"fullstack", "Fullstack"},
	{"api", "API"},
	{"database", "Database"},
	{"ml", "Machine Learning"},
	{"devops", "DevOps"},
	{"mobile", "Mobile"},
	{"web", "Web"},
}

func firstMatch(lower string, table []scopeKeyword) (scopeKeyword, bool) {
	for _, kw := range table {
		if strings.Contains(lower, kw.keyword) {
			return kw, true
		}
	}
	return scopeKeyword{}, false
}

// DetectScope derives a scope path and target node ID from signal content.
// The path collects at most one label per class, ordered language >
// framework > domain, plus the project from metadata when present. The
// target node follows specificity: a project beats a framework beats a
// language; a domain only fills in when nothing else matched. Content that
// triggers no table yields the global scope.
func (c *Compiler) DetectScope(content string, metadata map[string]any) ([]string, string) {
	lower := strings.ToLower(content)
	var path []string
	target := "global"

	if kw, ok := firstMatch(lower, languageKeywords); ok {
		path = append(path, kw.label)
		target = "lang_" + strings.ToLower(kw.label)
	}
	if kw, ok := firstMatch(lower, frameworkKeywords); ok {
		path = append(path, kw.label)
		target = "fw_" + strings.ReplaceAll(strings.ToLower(kw.label), ".", "")
	}
	if kw, ok := firstMatch(lower, domainKeywords); ok {
		path = append(path, kw.label)
		if target == "global" {
			target = "domain_" + strings.ToLower(kw.label)
		}
	}
	if project, ok := metadata["project"].(string); ok && project != "" {
		path = append(path, project)
		target = "project_" + strings.ReplaceAll(strings.ToLower(project), " ", "_")
	}

	if len(path) == 0 {
		return []string{"Global"}, "global"
	}
	return path, target
}

// ScopeKeywords exposes the trigger words per class so embedding
// applications can document what the detector reacts to.
func (c *Compiler) ScopeKeywords() map[string][]string {
	out := make(map[string][]string, 3)
	for class, table := range map[string][]scopeKeyword{
		"languages":  languageKeywords,
		"frameworks": frameworkKeywords,
		"domains":    domainKeywords,
	} {
		words := make([]string, 0, len(table))
		for _, kw := range table {
			words = append(words, kw.keyword)
		}
		out[class] = words
	}
	return out
}

// =============================================================================
// CONTEXT NODES
// =============================================================================

// nodeTypeForID infers the context type from the ID prefix the detector
// assigned.
func nodeTypeForID(id string) types.ContextType {
	switch {
	case strings.HasPrefix(id, "lang_"):
		return types.ContextLanguage
	case strings.HasPrefix(id, "fw_"):
		return types.ContextFramework
	case strings.HasPrefix(id, "domain_"):
		return types.ContextDomain
	case strings.HasPrefix(id, "project_"):
		return types.ContextProject
	}
	return types.ContextTechnology
}

// ensureContextNode makes sure the detected target exists in the context
// hierarchy. An existing node is referenced; a missing one is created with
// the scope path as its description. Returns whether a node was created and
// whether anything happened at all.
func (c *Compiler) ensureContextNode(scopePath []string, targetNode string) (created, ok bool) {
	if targetNode == "" || len(scopePath) == 0 {
		return false, false
	}
	existing, err := c.kernel.GetContextNode(targetNode)
	if err != nil {
		return false, false
	}
	if existing != nil {
		if err := c.kernel.ReferenceNode(targetNode); err != nil {
			return false, false
		}
		return false, true
	}
	node := types.NewContextNode(targetNode, nodeTypeForID(targetNode), scopePath[len(scopePath)-1])
	node.Description = "Context: " + strings.Join(scopePath, " > ")
	if _, err := c.kernel.AddContextNode(node); err != nil {
		return false, false
	}
	return true, true
}
