package core

// IndexDocument is a flat multi-valued field map. Replacing a document by
// its id atomically supersedes the prior document for that id.
type IndexDocument map[string][]string

// NewIndexDocument creates a document pre-populated with the identity
// fields every document must carry.
func NewIndexDocument(objectID, repoID, builderVersion string) IndexDocument {
	doc := make(IndexDocument)
	doc.Set(FieldID, objectID)
	doc.Set(FieldRepoID, repoID)
	doc.Set(FieldBuilderVersion, builderVersion)
	return doc
}

// Set replaces the values of a field.
func (d IndexDocument) Set(field string, values ...string) {
	d[field] = values
}

// Add appends a value to a field.
func (d IndexDocument) Add(field, value string) {
	d[field] = append(d[field], value)
}

// First returns the first value of a field, or "" if absent.
func (d IndexDocument) First(field string) string {
	if vs := d[field]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// ID returns the object identifier the document was derived from.
func (d IndexDocument) ID() string { return d.First(FieldID) }
