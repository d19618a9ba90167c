package builds

// MergeDocument deep-merges src into dst. Objects present on both sides are
// merged recursively; any other value in src replaces the one in dst.
func MergeDocument(dst, src map[string]any) {
	for key, value := range src {
		srcObject, srcIsObject := value.(map[string]any)
		dstObject, dstIsObject := dst[key].(map[string]any)
		if srcIsObject && dstIsObject {
			MergeDocument(dstObject, srcObject)
			continue
		}
		dst[key] = value
	}
}

// setPath assigns value at path, creating intermediate objects and replacing
// non-object intermediates.
func setPath(doc map[string]any, path []string, value any) {
	current := doc
	for _, part := range path[:len(path)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}
