package config

import (
	"fmt"
	"regexp"
	"strings"
)

// templateExpr matches ${{ scope.NAME }} and ${{ scope.NAME || fallback }}.
var templateExpr = regexp.MustCompile(`\$\{\{\s*([^}]*?)\s*\}\}`)

type templateScope struct {
	label  string
	values map[string]string
}

// expandTemplates replaces ${{ env.NAME }} and ${{ vars.NAME }} expressions.
// A "|| fallback" suffix is used when the name is not set; the fallback may be
// quoted and may be empty.
func expandTemplates(input string, env, vars map[string]string) (string, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}
	scopes := map[string]templateScope{
		"env":  {label: "env", values: env},
		"vars": {label: "var", values: vars},
	}

	var firstErr error
	out := templateExpr.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		val, err := resolveTemplate(templateExpr.FindStringSubmatch(match)[1], scopes)
		if err != nil {
			firstErr = fmt.Errorf("template %q: %w", match, err)
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	if strings.Contains(out, "${{") {
		return "", fmt.Errorf("unresolved template in %q", input)
	}
	return out, nil
}

func resolveTemplate(expr string, scopes map[string]templateScope) (string, error) {
	ref, fallback, hasFallback := strings.Cut(expr, "||")
	ref = strings.TrimSpace(ref)

	scopeName, name, ok := strings.Cut(ref, ".")
	if !ok || name == "" {
		return "", fmt.Errorf("missing scope in %q", ref)
	}
	scope, known := scopes[scopeName]
	if !known {
		return "", fmt.Errorf("unknown template scope %q", scopeName)
	}
	if val, ok := scope.values[name]; ok {
		return val, nil
	}
	if hasFallback {
		return strings.Trim(strings.TrimSpace(fallback), `"'`), nil
	}
	return "", fmt.Errorf("%s %q not found", scope.label, name)
}

func expandAll(values []string, env, vars map[string]string, field string) error {
	for i := range values {
		out, err := expandTemplates(values[i], env, vars)
		if err != nil {
			return fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		values[i] = out
	}
	return nil
}
