package index

import (
	"regexp"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// safeVars are environment variables that are non-sensitive and useful context.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "LANG": true, "TERM": true,
	"EDITOR": true, "PAGER": true, "HOSTNAME": true, "LOGNAME": true,
	"TMPDIR": true, "XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true,
	"XDG_RUNTIME_DIR": true, "DISPLAY": true, "SHLVL": true,
	"GOPATH": true, "GOROOT": true, "GOOS": true, "GOARCH": true,
	"COLUMNS": true, "LINES": true, "LC_ALL": true, "LC_CTYPE": true,
}

// specialParams are shell special parameters that are never redacted.
var specialParams = map[string]bool{
	"?": true, "!": true, "#": true, "@": true, "*": true,
	"-": true, "$": true, "_": true,
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
}

// shellVariants maps editor language identifiers to shell dialects.
var shellVariants = map[string]syntax.LangVariant{
	"sh":          syntax.LangPOSIX,
	"bash":        syntax.LangBash,
	"shell":       syntax.LangBash,
	"shellscript": syntax.LangBash,
	"zsh":         syntax.LangBash,
	"mksh":        syntax.LangMirBSDKorn,
	"bats":        syntax.LangBats,
}

// IsShell reports whether language names a shell dialect.
func IsShell(language string) bool {
	_, ok := shellVariants[strings.ToLower(language)]
	return ok
}

// RedactCode removes likely secrets from code before it is sent to a model.
// Shell code has sensitive variable expansions and assignment values
// replaced; every language gets pattern-based secret redaction.
func RedactCode(language, code string) string {
	if variant, ok := shellVariants[strings.ToLower(language)]; ok {
		code = redactShell(code, variant)
	}
	return RedactText(code)
}

type span struct {
	start, end int
	repl       string
}

// redactShell rewrites sensitive parameter expansions to REDACTED and
// sensitive assignment values to ***, leaving the rest of the source
// byte-for-byte intact. Code that does not parse falls back to regexes.
func redactShell(code string, variant syntax.LangVariant) string {
	parser := syntax.NewParser(syntax.Variant(variant), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(code), "")
	if err != nil {
		return regexRedactShell(code)
	}

	var spans []span
	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !safeVars[n.Param.Value] && !specialParams[n.Param.Value] {
				spans = append(spans, span{int(n.Param.Pos().Offset()), int(n.Param.End().Offset()), "REDACTED"})
			}
		case *syntax.Assign:
			if n.Name != nil && !safeVars[n.Name.Value] && n.Value != nil && len(n.Value.Parts) > 0 {
				spans = append(spans, span{int(n.Value.Pos().Offset()), int(n.Value.End().Offset()), "***"})
			}
		}
		return true
	})
	return applySpans(code, spans)
}

// applySpans replaces non-overlapping spans; a span nested inside an earlier
// one is dropped.
func applySpans(s string, spans []span) string {
	if len(spans) == 0 {
		return s
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var sb strings.Builder
	sb.Grow(len(s))
	pos := 0
	for _, sp := range spans {
		if sp.start < pos || sp.end > len(s) || sp.start > sp.end {
			continue
		}
		sb.WriteString(s[pos:sp.start])
		sb.WriteString(sp.repl)
		pos = sp.end
	}
	sb.WriteString(s[pos:])
	return sb.String()
}

var (
	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
)

// regexRedactShell is the fallback for shell code that fails to parse.
func regexRedactShell(code string) string {
	code = reBraceVar.ReplaceAllStringFunc(code, func(m string) string {
		name := reBraceVar.FindStringSubmatch(m)[1]
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "${REDACTED}"
	})
	code = reSimpleVar.ReplaceAllStringFunc(code, func(m string) string {
		name := reSimpleVar.FindStringSubmatch(m)[1]
		if name == "REDACTED" || safeVars[name] || specialParams[name] {
			return m
		}
		return "$REDACTED"
	})
	return reAssign.ReplaceAllStringFunc(code, func(m string) string {
		name := reAssign.FindStringSubmatch(m)[1]
		if safeVars[name] {
			return m
		}
		return name + "=***"
	})
}

var (
	// Known credential shapes.
	reTokens = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{20,}|gh[pousr]_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,}|AKIA[0-9A-Z]{16}|xox[abprs]-[A-Za-z0-9-]{10,}|AIza[0-9A-Za-z_-]{35})\b`)
	// key = "value" pairs whose key names a secret.
	reSecretPair = regexp.MustCompile(`(?i)\b([A-Za-z0-9_.-]*(?:api[_-]?key|secret|token|passw(?:or)?d|credential)[A-Za-z0-9_.-]*)(["']?\s*[:=]\s*["']?)([^\s"',;]{8,})`)
	rePrivateKey = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)
)

// RedactText masks credential-shaped substrings in free text or code of any
// language.
func RedactText(s string) string {
	s = rePrivateKey.ReplaceAllString(s, "[REDACTED PRIVATE KEY]")
	s = reTokens.ReplaceAllString(s, "[REDACTED]")
	return reSecretPair.ReplaceAllStringFunc(s, func(m string) string {
		parts := reSecretPair.FindStringSubmatch(m)
		if parts[3] == "***" || strings.HasPrefix(parts[3], "$") || parts[3] == "[REDACTED]" {
			return m
		}
		return parts[1] + parts[2] + "***"
	})
}
