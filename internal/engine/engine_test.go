package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/vtagger/internal/dimension"
	"github.com/catherinevee/vtagger/pkg/models"
)

func dim(name string, index int, defaultValue string, statements ...dimension.Statement) *dimension.Dimension {
	return dimension.New(dimension.Content{
		VtagName:     name,
		Index:        index,
		DefaultValue: defaultValue,
		Statements:   statements,
	})
}

func stmt(match, value string) dimension.Statement {
	return dimension.Statement{MatchExpression: match, ValueExpression: value}
}

func TestResolve_DefaultWhenNoRules(t *testing.T) {
	d := dim("Empty", 1, "Unallocated")
	got := Resolve(d, map[string]string{"env": "prod"}, nil)
	assert.Equal(t, "Unallocated", got)
}

func TestResolve_TagExactCaseInsensitive(t *testing.T) {
	d := dim("Env", 1, "Unallocated", stmt("TAG['env'] == 'Prod'", "'Production'"))

	assert.Equal(t, "Production", Resolve(d, map[string]string{"env": "PROD"}, nil))
	assert.Equal(t, "Production", Resolve(d, map[string]string{"env": "prod"}, nil))
	assert.Equal(t, "Unallocated", Resolve(d, map[string]string{"env": "staging"}, nil))
}

func TestResolve_SourcePrecedence(t *testing.T) {
	// A DIM exact rule must beat a TAG contains rule even though the TAG rule
	// appears first in the statement list.
	d := dim("Mixed", 1, "Unallocated",
		stmt("TAG['name'] CONTAINS 'svc'", "'FromTagContains'"),
		stmt("DIMENSION['Team'] == 'core'", "'FromDimExact'"),
	)

	got := Resolve(d,
		map[string]string{"name": "payments-svc"},
		map[string]string{"Team": "Core"},
	)
	assert.Equal(t, "FromDimExact", got)
}

func TestResolve_ContainsInsertionOrder(t *testing.T) {
	d := dim("Svc", 1, "Unallocated",
		stmt("TAG['name'] CONTAINS 'web'", "'Web'"),
		stmt("TAG['name'] CONTAINS 'webapp'", "'WebApp'"),
	)
	// Both substrings match; the earlier statement wins.
	assert.Equal(t, "Web", Resolve(d, map[string]string{"name": "my-webapp"}, nil))
}

func TestResolve_IgnoresEmptyContextValues(t *testing.T) {
	d := dim("Env", 1, "Unallocated", stmt("TAG['env'] == ''", "'EmptyMatch'"))
	assert.Equal(t, "Unallocated", Resolve(d, map[string]string{"env": ""}, nil))
}

func TestResolve_DoesNotMutateContexts(t *testing.T) {
	d := dim("Env", 1, "Unallocated", stmt("TAG['env'] == 'prod'", "'Production'"))
	tagCtx := map[string]string{"env": "prod"}
	dimCtx := map[string]string{}

	Resolve(d, tagCtx, dimCtx)

	assert.Equal(t, map[string]string{"env": "prod"}, tagCtx)
	assert.Empty(t, dimCtx)
}

func TestMapResource_ScenarioA_TagExactWinsOverDimContains(t *testing.T) {
	e := New()
	e.Load([]*dimension.Dimension{
		dim("D1", 1, "Unallocated", stmt("TAG['env'] == 'prod'", "'Production'")),
		dim("D2", 2, "Unallocated", stmt("DIMENSION['D1'] CONTAINS 'prod'", "'Matched-D1'")),
	})

	mr := e.MapResource(models.Resource{
		ResourceID: "r-1",
		Fields:     map[string]string{"Tag: env": "prod"},
	}, nil)

	assert.Equal(t, "Production", mr.Dimensions["D1"])
	assert.Equal(t, "Matched-D1", mr.Dimensions["D2"])
	assert.True(t, mr.AnyMatched)
}

func TestMapResource_ScenarioB_ChainedEvaluation(t *testing.T) {
	e := New()
	e.Load([]*dimension.Dimension{
		dim("D1", 1, "Unallocated", stmt("TAG['team'] == 'platform'", "'PlatformTeam'")),
		dim("D2", 2, "Unallocated", stmt("DIMENSION['D1'] == 'PlatformTeam'", "'Infra'")),
	})

	matched := e.MapResource(models.Resource{
		Fields: map[string]string{"Tag: team": "platform"},
	}, nil)
	assert.Equal(t, "PlatformTeam", matched.Dimensions["D1"])
	assert.Equal(t, "Infra", matched.Dimensions["D2"])
	assert.True(t, matched.AnyMatched)

	unmatched := e.MapResource(models.Resource{
		Fields: map[string]string{"Tag: team": "sales"},
	}, nil)
	assert.Equal(t, "Unallocated", unmatched.Dimensions["D1"])
	assert.Equal(t, "Unallocated", unmatched.Dimensions["D2"])
	assert.False(t, unmatched.AnyMatched)
}

func TestMapResource_Deterministic(t *testing.T) {
	e := New()
	e.Load([]*dimension.Dimension{
		dim("D1", 1, "Unallocated",
			stmt("TAG['a'] CONTAINS 'x'", "'A'"),
			stmt("TAG['b'] CONTAINS 'x'", "'B'"),
		),
	})
	res := models.Resource{Fields: map[string]string{"Tag: a": "xx", "Tag: b": "xx"}}

	first := e.MapResource(res, nil)
	for i := 0; i < 50; i++ {
		again := e.MapResource(res, nil)
		require.Equal(t, first.Dimensions, again.Dimensions)
	}
}

func TestMapResource_ScenarioD_AccountPadding(t *testing.T) {
	e := New()
	e.Load(nil)

	mr := e.MapResource(models.Resource{
		ResourceID:    "r-1",
		LinkedAccount: "42",
	}, nil)

	assert.Equal(t, "000000000042", mr.LinkedAccount)
	assert.Equal(t, "000000000042", mr.PayerAccount, "payer falls back to linked account")
}

func TestPadAccountID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"42", "000000000042"},
		{"123456789012", "123456789012"},
		{"1234567890123", "1234567890123"},
		{"abc-123", "abc-123"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PadAccountID(tt.in), "input %q", tt.in)
	}
}

func TestRequiredTagKeys_SortedUnion(t *testing.T) {
	e := New()
	e.Load([]*dimension.Dimension{
		dim("D1", 1, "Unallocated", stmt("TAG['zeta'] == 'x'", "'A'")),
		dim("D2", 2, "Unallocated", stmt("TAG['alpha'] == 'x' || TAG['zeta'] == 'y'", "'B'")),
	})

	assert.Equal(t, []string{"alpha", "zeta"}, e.RequiredTagKeys())
}

func TestExtractTags_ChannelsAndPrecedence(t *testing.T) {
	res := models.Resource{
		CustomTags: []models.CustomTag{
			{Key: "env", Value: "prod"},
			{Key: "skip", Value: "no tag"},
		},
		Fields: map[string]string{
			"customTagValue_4": "platform",
			"customTagValue_5": "no tag",
			"Tag: env":         "staging", // slot already filled by customTags
			"Tag: region":      "us-east-1",
			"unrelated":        "ignored",
		},
	}
	columnIndex := map[string]string{
		"customTagValue_4": "team",
		"customTagValue_5": "owner",
	}

	tags := ExtractTags(res, columnIndex)

	assert.Equal(t, "prod", tags["env"], "earlier channel keeps the slot")
	assert.Equal(t, "platform", tags["team"])
	assert.Equal(t, "us-east-1", tags["region"])
	assert.NotContains(t, tags, "skip")
	assert.NotContains(t, tags, "owner", "no-tag sentinel treated as absent")
	assert.NotContains(t, tags, "unrelated")
}

func TestResolveTags(t *testing.T) {
	e := New()
	e.Load([]*dimension.Dimension{
		dim("D1", 1, "Unallocated", stmt("TAG['team'] == 'platform'", "'PlatformTeam'")),
		dim("D2", 2, "Unallocated", stmt("DIMENSION['D1'] == 'PlatformTeam'", "'Infra'")),
	})

	out := e.ResolveTags(map[string]string{"team": "platform"})
	assert.Equal(t, map[string]string{"D1": "PlatformTeam", "D2": "Infra"}, out)
}
