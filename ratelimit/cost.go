package ratelimit

import (
	"strings"

	"github.com/goliatone/go-triage/core"
)

type RequestKind string

const (
	KindGet    RequestKind = "get"
	KindMutate RequestKind = "mutate"
	KindList   RequestKind = "list"
	KindBulk   RequestKind = "bulk"
	KindMeta   RequestKind = "meta"
)

// CostTable maps request kinds to quota units.
type CostTable map[RequestKind]int

func DefaultCostTable() CostTable {
	return CostTable{}.WithOverrides(core.DefaultRequestCosts())
}

// WithOverrides returns a copy with positive overrides applied.
func (t CostTable) WithOverrides(overrides map[string]int) CostTable {
	out := make(CostTable, len(t)+len(overrides))
	for kind, cost := range t {
		out[kind] = cost
	}
	for kind, cost := range overrides {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" || cost <= 0 {
			continue
		}
		out[RequestKind(kind)] = cost
	}
	return out
}

// Cost returns the units charged for kind. Unknown kinds cost as much as a get.
func (t CostTable) Cost(kind RequestKind) int {
	if cost, ok := t[kind]; ok && cost > 0 {
		return cost
	}
	if cost, ok := t[KindGet]; ok && cost > 0 {
		return cost
	}
	return DefaultCostTable()[KindGet]
}
