package router

import "sort"

// DiffTargets compares two target name sets. Both results are sorted and
// free of duplicates; inputs may contain duplicates.
func DiffTargets(current, next []string) (added, removed []string) {
	cur := toSet(current)
	nxt := toSet(next)

	for name := range nxt {
		if _, ok := cur[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range cur {
		if _, ok := nxt[name]; !ok {
			removed = append(removed, name)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// HandlerNames returns the distinct handler names, enabled or not.
func HandlerNames(handlers []LiveDataHandler) []string {
	seen := make(map[string]struct{}, len(handlers))
	names := make([]string, 0, len(handlers))
	for _, h := range handlers {
		if h.Name == "" {
			continue
		}
		if _, ok := seen[h.Name]; ok {
			continue
		}
		seen[h.Name] = struct{}{}
		names = append(names, h.Name)
	}
	return names
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
