package changeset

import "strings"

// Builder assembles a document tree before freezing it into an immutable
// Document. It exists so callers (and tests) never hand live maps to the
// diff engine.
type Builder struct {
	root map[string]interface{}
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{root: make(map[string]interface{})}
}

// BuilderFrom starts a builder from an existing document.
func BuilderFrom(d *Document) *Builder {
	return &Builder{root: deepCopyMap(d.root)}
}

// Set places a value at a slash-separated path, creating intermediate
// objects as needed. The value is deep-copied on Freeze, not here.
func (b *Builder) Set(path string, value interface{}) *Builder {
	keys := strings.Split(path, "/")
	cur := b.root
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[key] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
	return b
}

// Delete removes the value at a slash-separated path.
func (b *Builder) Delete(path string) *Builder {
	keys := strings.Split(path, "/")
	cur := b.root
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			return b
		}
		cur = next
	}
	delete(cur, keys[len(keys)-1])
	return b
}

// Freeze deep-copies the builder state into an immutable Document. The
// builder stays usable afterwards.
func (b *Builder) Freeze() *Document {
	return FromMap(b.root)
}
