package filesync

import (
	"slices"
	"strings"
)

// Plan is the work needed to make a sink match a source.
type Plan struct {
	Mkdir  []Entry
	Send   []Entry
	Delete []string
}

// Empty reports whether the plan does nothing.
func (p Plan) Empty() bool {
	return len(p.Mkdir) == 0 && len(p.Send) == 0 && len(p.Delete) == 0
}

// Diff computes the plan that brings dst in line with src. Extra entries in
// dst are only deleted when del is set; nested paths under a deleted
// directory are folded into it.
func Diff(src, dst Manifest, del bool) Plan {
	var plan Plan
	have := dst.Index()
	for _, e := range src {
		cur, ok := have[e.Path]
		switch {
		case e.Dir && (!ok || !cur.Dir):
			plan.Mkdir = append(plan.Mkdir, e)
		case !e.Dir && (!ok || !e.sameContent(cur)):
			plan.Send = append(plan.Send, e)
		}
	}
	if !del || (len(src) == 1 && src[0].Path == RootPath) {
		return plan
	}

	want := src.Index()
	var gone []string
	for _, e := range dst {
		if _, ok := want[e.Path]; !ok {
			gone = append(gone, e.Path)
		}
	}
	slices.Sort(gone)
	for _, p := range gone {
		if n := len(plan.Delete); n > 0 && strings.HasPrefix(p, plan.Delete[n-1]+"/") {
			continue
		}
		plan.Delete = append(plan.Delete, p)
	}
	return plan
}
