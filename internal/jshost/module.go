package jshost

import (
	"fmt"
	"regexp"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// moduleSyntax matches a top-level import or export statement.
var moduleSyntax = regexp.MustCompile(`(?m)^\s*(import\s*[\w{*'"]|export\s)`)

func isModule(source string) bool {
	return moduleSyntax.MatchString(source)
}

// lowerModule rewrites a module-syntax script into an IIFE the VM can
// evaluate as a classic script. Classic scripts are returned unchanged so
// their top-level declarations stay global.
func lowerModule(source, scriptURL string) (string, error) {
	if !isModule(source) {
		return source, nil
	}
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Loader:     esbuild.LoaderJS,
		Format:     esbuild.FormatIIFE,
		Target:     esbuild.ES2020,
		Platform:   esbuild.PlatformBrowser,
		Sourcefile: scriptURL,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("%w: %s", ErrScriptEvaluation, strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}
