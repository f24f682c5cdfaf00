package maintenance

// StorageEngine is the capability handle the diff engine consults for
// engine-specific knowledge, e.g. which index types are registered.
type StorageEngine interface {
	SupportsIndexType(indexType string) bool
}

type defaultEngine struct {
	indexTypes map[string]struct{}
}

// NewDefaultEngine returns a StorageEngine with the built-in index types.
func NewDefaultEngine() StorageEngine {
	types := []string{"primary", "hash", "skiplist", "persistent", "geo", "fulltext", "ttl", "inverted"}
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return &defaultEngine{indexTypes: m}
}

func (e *defaultEngine) SupportsIndexType(indexType string) bool {
	_, ok := e.indexTypes[indexType]
	return ok
}
