package core

import "strings"

// Reserved document field names. Every document carries these in addition
// to one field per object attribute and per (element, attribute) pair.
const (
	FieldID             = "id"
	FieldRepoID         = "repoid"
	FieldBuilderVersion = "builderversion"
	FieldCreatedAt      = "createdat"
	FieldModifiedAt     = "modifiedat"
	FieldIndexedAt      = "indexedat"

	objectAttributePrefix  = "objatt_"
	elementAttributePrefix = "elatt_"

	// ExactSuffix marks the exact-match/sortable variant of a field.
	ExactSuffix = "!"
)

// EscapeFieldName escapes the two characters that are structurally
// significant in composed field names: '_' separates the element name from
// the attribute name, and '/' is the repository handle separator. Escaping
// is its own inverse-safe: '\' is escaped first.
func EscapeFieldName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '\\', '_', '/':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UnescapeFieldName reverses EscapeFieldName.
func UnescapeFieldName(name string) string {
	var b strings.Builder
	escaped := false
	for _, r := range name {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}

// ObjectAttributeField composes the document field name for an object
// attribute.
func ObjectAttributeField(attribute string) string {
	return objectAttributePrefix + EscapeFieldName(attribute)
}

// ElementAttributeField composes the document field name for an attribute
// of a named element. Element and attribute names are escaped so that the
// separating '_' stays unambiguous.
func ElementAttributeField(element, attribute string) string {
	return elementAttributePrefix + EscapeFieldName(element) + "_" + EscapeFieldName(attribute)
}

// ExactField returns the exact-match/sortable variant of a field name.
func ExactField(field string) string {
	return field + ExactSuffix
}

// FieldAliases returns the stored field names a caller-requested logical
// name may refer to. Per-element fields match both their escaped stored
// name and the unescaped logical spelling callers naturally write.
func FieldAliases(requested string) []string {
	if !strings.HasPrefix(requested, elementAttributePrefix) {
		return []string{requested}
	}
	rest := strings.TrimPrefix(requested, elementAttributePrefix)
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		escaped := ElementAttributeField(rest[:i], rest[i+1:])
		if escaped != requested {
			return []string{requested, escaped}
		}
	}
	return []string{requested}
}
