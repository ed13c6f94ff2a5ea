package types

import (
	"fmt"
	"strings"
)

// Abstract type labels shared by contracts and bridges. Declared types in a
// contract and observed types reported by a bridge both use this vocabulary,
// so comparisons never depend on any one language's type system.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeBoolean = "boolean"
	TypeAny     = "any"
	TypeVoid    = "void"
)

// aliases maps common language-specific spellings onto the vocabulary
var aliases = map[string]string{
	"str":    TypeString,
	"text":   TypeString,
	"int":    TypeInteger,
	"long":   TypeInteger,
	"double": TypeFloat,
	"number": TypeFloat,
	"bool":   TypeBoolean,
	"none":   TypeVoid,
	"null":   TypeVoid,
	"unit":   TypeVoid,
	"object": TypeAny,
}

// NormalizeType canonicalizes a declared type label, including the element
// types of list<T> and map<K,V> forms. Unknown labels are an error so a
// contract with a typo fails at load rather than silently never matching.
func NormalizeType(label string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(label))
	if t == "" {
		return TypeVoid, nil
	}
	if inner, ok := generic(t, "list"); ok {
		el, err := NormalizeType(inner)
		if err != nil {
			return "", err
		}
		return "list<" + el + ">", nil
	}
	if inner, ok := generic(t, "map"); ok {
		kv := splitTop(inner)
		if len(kv) != 2 {
			return "", fmt.Errorf("map type needs two arguments: %q", label)
		}
		k, err := NormalizeType(kv[0])
		if err != nil {
			return "", err
		}
		v, err := NormalizeType(kv[1])
		if err != nil {
			return "", err
		}
		return "map<" + k + "," + v + ">", nil
	}
	if canon, ok := aliases[t]; ok {
		return canon, nil
	}
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeAny, TypeVoid:
		return t, nil
	}
	return "", fmt.Errorf("unknown type label %q", label)
}

// generic extracts the bracketed argument of name<...>
func generic(t, name string) (string, bool) {
	if strings.HasPrefix(t, name+"<") && strings.HasSuffix(t, ">") {
		return t[len(name)+1 : len(t)-1], true
	}
	return "", false
}

// splitTop splits on commas that are not nested inside angle brackets
func splitTop(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts
}

// NormalizeOperationName folds an operation name for cross-language
// comparison: case and separator conventions differ between a contract
// (snake_case) and, say, a reflected Go method (PascalCase).
func NormalizeOperationName(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}
