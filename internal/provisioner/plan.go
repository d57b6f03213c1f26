package provisioner

import (
	"fmt"
	"slices"
	"strings"
)

// Built-in MongoDB roles granted to the application principal.
const (
	RoleReadWrite = "readWrite"
	RoleDBAdmin   = "dbAdmin"
)

// Collection names of the crawler store.
const (
	CollSources     = "sources"
	CollCrawledData = "crawled_data"
	CollCrawlLogs   = "crawl_logs"
)

// Key directions. TextKey marks a field as part of a full-text index.
const (
	Ascending  = 1
	Descending = -1
	TextKey    = "text"
)

// RoleGrant is a (role, database) pair.
type RoleGrant struct {
	Role string `json:"role" bson:"role"`
	DB   string `json:"db" bson:"db"`
}

func (g RoleGrant) String() string { return g.Role + "@" + g.DB }

// Principal is the application user.
type Principal struct {
	Name   string
	Secret string
	AuthDB string
	Grants []RoleGrant
}

// IndexKey is one field of an index key spec. Value is Ascending, Descending
// or TextKey.
type IndexKey struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// IndexDecl declares an index on a collection.
type IndexDecl struct {
	Collection string
	Keys       []IndexKey
	Unique     bool
}

// Name returns the server default name for the key spec, e.g.
// "source_id_1_timestamp_1" or "content_text_title_text".
func (d IndexDecl) Name() string {
	parts := make([]string, 0, 2*len(d.Keys))
	for _, k := range d.Keys {
		parts = append(parts, k.Field, fmt.Sprint(k.Value))
	}
	return strings.Join(parts, "_")
}

// IsText reports whether the index is a full-text index.
func (d IndexDecl) IsText() bool {
	for _, k := range d.Keys {
		if k.Value == TextKey {
			return true
		}
	}
	return false
}

// TextFields lists the fields covered by a text index, in key order.
func (d IndexDecl) TextFields() []string {
	var fields []string
	for _, k := range d.Keys {
		if k.Value == TextKey {
			fields = append(fields, k.Field)
		}
	}
	return fields
}

func (d IndexDecl) String() string { return d.Collection + "." + d.Name() }

// Plan is everything a bootstrap run ensures on one target database.
type Plan struct {
	TargetDB    string
	Principal   Principal
	Collections []string
	Indexes     []IndexDecl
}

// DefaultPlan returns the crawler storage plan for targetDB. The principal is
// always granted exactly readWrite and dbAdmin on targetDB.
func DefaultPlan(targetDB, name, secret, authDB string) Plan {
	return Plan{
		TargetDB: targetDB,
		Principal: Principal{
			Name:   name,
			Secret: secret,
			AuthDB: authDB,
			Grants: []RoleGrant{
				{Role: RoleReadWrite, DB: targetDB},
				{Role: RoleDBAdmin, DB: targetDB},
			},
		},
		Collections: []string{CollSources, CollCrawledData, CollCrawlLogs},
		Indexes: []IndexDecl{
			{
				Collection: CollCrawledData,
				Keys:       []IndexKey{{Field: "content", Value: TextKey}, {Field: "title", Value: TextKey}},
			},
			{
				Collection: CollCrawledData,
				Keys:       []IndexKey{{Field: "source_id", Value: Ascending}, {Field: "timestamp", Value: Ascending}},
			},
			{
				Collection: CollSources,
				Keys:       []IndexKey{{Field: "url", Value: Ascending}},
				Unique:     true,
			},
		},
	}
}

// SameGrants reports whether have and want contain the same grants,
// ignoring order.
func SameGrants(have, want []RoleGrant) bool {
	if len(have) != len(want) {
		return false
	}
	a := sortedGrants(have)
	b := sortedGrants(want)
	return slices.Equal(a, b)
}

func sortedGrants(gs []RoleGrant) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.String()
	}
	slices.Sort(out)
	return out
}

func formatGrants(gs []RoleGrant) string {
	return "[" + strings.Join(sortedGrants(gs), " ") + "]"
}
