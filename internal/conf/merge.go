package conf

// MergeDefaults namespaces and flattens maps under ns, for composing a
// DefaultConfig out of each package's own defaults (e.g. pool.Options'
// vs config.Config's).
func MergeDefaults[M ~map[string]V, V any](ns string, maps ...M) M {
	fullCap := 0
	for _, m := range maps {
		fullCap += len(m)
	}

	merged := make(M, fullCap)
	for _, m := range maps {
		for key, val := range m {
			merged[ns+"."+key] = val
		}
	}

	return merged
}
