package provisioner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect_AfterBootstrapIsClean(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	p := New(conn, testPlan())
	_, err := p.RunBootstrap(context.Background())
	require.NoError(t, err)

	inv, err := p.Inspect(context.Background())
	require.NoError(t, err)

	assert.True(t, inv.Clean(), "drift: %v", inv.Drift)
	assert.Equal(t, "web_crawler", inv.TargetDB)
	assert.Equal(t, "crawler_admin", inv.Principal)
	assert.Equal(t, []string{CollCrawlLogs, CollCrawledData, CollSources}, inv.Collections)
	assert.Len(t, inv.Grants, 2)

	// The url index is unique; the compound index keeps source_id before timestamp.
	url, ok := findIndex(inv.Indexes[CollSources], "url_1")
	require.True(t, ok)
	assert.True(t, url.Unique)

	compound, ok := findIndex(inv.Indexes[CollCrawledData], "source_id_1_timestamp_1")
	require.True(t, ok)
	require.Len(t, compound.Keys, 2)
	assert.Equal(t, "source_id", compound.Keys[0].Field)
	assert.Equal(t, "timestamp", compound.Keys[1].Field)

	text, ok := findIndex(inv.Indexes[CollCrawledData], "content_text_title_text")
	require.True(t, ok)
	assert.True(t, text.IsText())
	assert.False(t, compound.IsText())
}

func TestInspect_EmptyDatabase(t *testing.T) {
	t.Parallel()

	p := New(newFakeConnector(), testPlan())

	inv, err := p.Inspect(context.Background())
	require.NoError(t, err)

	assert.False(t, inv.Clean())
	assert.Equal(t, []string{
		"collection crawl_logs is missing",
		"collection crawled_data is missing",
		"collection sources is missing",
		"index crawled_data.content_text_title_text is missing",
		"index crawled_data.source_id_1_timestamp_1 is missing",
		"index sources.url_1 is missing",
		"principal crawler_admin does not exist",
	}, inv.Drift)
}

func TestInspect_Drift(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(s *fakeServer)
		wantDrift string
	}{
		{
			name: "grant mismatch",
			mutate: func(s *fakeServer) {
				u := s.users["crawler_admin"]
				u.grants = append(u.grants, RoleGrant{Role: "root", DB: "admin"})
				s.users["crawler_admin"] = u
			},
			wantDrift: "principal crawler_admin grants [dbAdmin@web_crawler readWrite@web_crawler root@admin], " +
				"want [dbAdmin@web_crawler readWrite@web_crawler]",
		},
		{
			name: "url index not unique",
			mutate: func(s *fakeServer) {
				list := s.indexes["web_crawler.sources"]
				for i := range list {
					if list[i].Name == "url_1" {
						list[i].Unique = false
					}
				}
			},
			wantDrift: "index sources.url_1 unique=false, want true",
		},
		{
			name: "compound keys reordered",
			mutate: func(s *fakeServer) {
				list := s.indexes["web_crawler.crawled_data"]
				for i := range list {
					if list[i].Name == "source_id_1_timestamp_1" {
						list[i].Keys = []IndexKey{{Field: "timestamp", Value: Ascending}, {Field: "source_id", Value: Ascending}}
					}
				}
			},
			wantDrift: "index crawled_data.source_id_1_timestamp_1 has keys",
		},
		{
			name: "undeclared index",
			mutate: func(s *fakeServer) {
				s.indexes["web_crawler.crawl_logs"] = append(s.indexes["web_crawler.crawl_logs"],
					IndexInfo{Name: "level_1", Keys: []IndexKey{{Field: "level", Value: Ascending}}})
			},
			wantDrift: "index crawl_logs.level_1 is not declared",
		},
		{
			name: "undeclared collection",
			mutate: func(s *fakeServer) {
				s.ensureCollection("web_crawler", "scratch")
			},
			wantDrift: "collection scratch is not declared",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			conn := newFakeConnector()
			p := New(conn, testPlan())
			_, err := p.RunBootstrap(context.Background())
			require.NoError(t, err)

			tc.mutate(conn.srv)

			inv, err := p.Inspect(context.Background())
			require.NoError(t, err)
			require.Len(t, inv.Drift, 1)
			assert.Contains(t, inv.Drift[0], tc.wantDrift)
		})
	}
}

func TestInspect_IgnoresSystemCollections(t *testing.T) {
	t.Parallel()

	conn := newFakeConnector()
	p := New(conn, testPlan())
	_, err := p.RunBootstrap(context.Background())
	require.NoError(t, err)
	conn.srv.colls["web_crawler"] = append(conn.srv.colls["web_crawler"], "system.views")

	inv, err := p.Inspect(context.Background())
	require.NoError(t, err)
	assert.True(t, inv.Clean(), "drift: %v", inv.Drift)
	assert.NotContains(t, inv.Collections, "system.views")
}

func TestInspect_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()

		conn := newFakeConnector()
		conn.openErr = errors.New("connection refused")

		_, err := New(conn, testPlan()).Inspect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "opening admin session")
	})

	t.Run("grants unreadable", func(t *testing.T) {
		t.Parallel()

		conn := newFakeConnector()
		conn.srv.grantsErr = errors.New("unauthorized")

		_, err := New(conn, testPlan()).Inspect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading grants of crawler_admin")
	})
}

func TestSameKeys_NumericTypes(t *testing.T) {
	t.Parallel()

	a := []IndexKey{{Field: "url", Value: int32(1)}}
	b := []IndexKey{{Field: "url", Value: 1}}
	assert.True(t, sameKeys(a, b))
	assert.False(t, sameKeys(a, []IndexKey{{Field: "url", Value: Descending}}))
	assert.False(t, sameKeys(a, nil))
}
