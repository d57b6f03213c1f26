package provisioner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// IndexInfo describes an index as it exists on the server. For text indexes
// Keys lists the indexed fields with the TextKey value, so it compares
// equal to the declaring IndexDecl.Keys.
type IndexInfo struct {
	Name   string     `json:"name"`
	Keys   []IndexKey `json:"keys"`
	Unique bool       `json:"unique,omitempty"`
}

// IsText reports whether the index is a full-text index.
func (i IndexInfo) IsText() bool {
	for _, k := range i.Keys {
		if k.Value == TextKey {
			return true
		}
	}
	return false
}

// Inventory is what exists on the target database, plus any drift from the
// plan.
type Inventory struct {
	TargetDB    string                 `json:"targetDb"`
	Principal   string                 `json:"principal"`
	Grants      []RoleGrant            `json:"grants"`
	Collections []string               `json:"collections"`
	Indexes     map[string][]IndexInfo `json:"indexes"`
	Drift       []string               `json:"drift,omitempty"`
}

// Clean reports whether the target matches the plan exactly.
func (inv *Inventory) Clean() bool { return len(inv.Drift) == 0 }

// Inspect reads the principal, collections and indexes of the target
// database and lists every difference from the plan. It never writes.
func (p *Provisioner) Inspect(ctx context.Context) (*Inventory, error) {
	sess, err := p.conn.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening admin session: %w", err)
	}
	defer sess.Close(context.WithoutCancel(ctx)) //nolint:errcheck

	pr := p.plan.Principal
	inv := &Inventory{
		TargetDB:  p.plan.TargetDB,
		Principal: pr.Name,
		Indexes:   make(map[string][]IndexInfo),
	}

	grants, err := sess.PrincipalGrants(ctx, pr.Name, pr.AuthDB)
	switch {
	case errors.Is(err, ErrPrincipalNotFound):
		inv.drift("principal %s does not exist", pr.Name)
	case err != nil:
		return nil, fmt.Errorf("reading grants of %s: %w", pr.Name, err)
	default:
		inv.Grants = grants
		if !SameGrants(grants, pr.Grants) {
			inv.drift("principal %s grants %s, want %s", pr.Name, formatGrants(grants), formatGrants(pr.Grants))
		}
	}

	names, err := sess.CollectionNames(ctx, p.plan.TargetDB)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	for _, n := range names {
		if !strings.HasPrefix(n, "system.") {
			inv.Collections = append(inv.Collections, n)
		}
	}
	slices.Sort(inv.Collections)

	for _, want := range p.plan.Collections {
		if !slices.Contains(inv.Collections, want) {
			inv.drift("collection %s is missing", want)
		}
	}
	for _, have := range inv.Collections {
		if !slices.Contains(p.plan.Collections, have) {
			inv.drift("collection %s is not declared", have)
		}
	}

	for _, coll := range inv.Collections {
		idx, err := sess.Indexes(ctx, p.plan.TargetDB, coll)
		if err != nil {
			return nil, fmt.Errorf("listing indexes of %s: %w", coll, err)
		}
		inv.Indexes[coll] = idx
	}
	p.indexDrift(inv)

	return inv, nil
}

func (p *Provisioner) indexDrift(inv *Inventory) {
	declared := make(map[string]bool)
	for _, want := range p.plan.Indexes {
		declared[want.String()] = true

		have, ok := findIndex(inv.Indexes[want.Collection], want.Name())
		if !ok {
			inv.drift("index %s is missing", want)
			continue
		}
		if !sameKeys(have.Keys, want.Keys) {
			inv.drift("index %s has keys %v, want %v", want, have.Keys, want.Keys)
		}
		if have.Unique != want.Unique {
			inv.drift("index %s unique=%t, want %t", want, have.Unique, want.Unique)
		}
	}

	for coll, list := range inv.Indexes {
		for _, have := range list {
			if have.Name == "_id_" {
				continue
			}
			if !declared[coll+"."+have.Name] {
				inv.drift("index %s.%s is not declared", coll, have.Name)
			}
		}
	}
	slices.Sort(inv.Drift)
}

func (inv *Inventory) drift(format string, args ...any) {
	inv.Drift = append(inv.Drift, fmt.Sprintf(format, args...))
}

func findIndex(list []IndexInfo, name string) (IndexInfo, bool) {
	for _, i := range list {
		if i.Name == name {
			return i, true
		}
	}
	return IndexInfo{}, false
}

// sameKeys compares key specs field by field. Numeric directions are
// compared by value so int32 and int from different decoders match.
func sameKeys(a, b []IndexKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Field != b[i].Field || fmt.Sprint(a[i].Value) != fmt.Sprint(b[i].Value) {
			return false
		}
	}
	return true
}
