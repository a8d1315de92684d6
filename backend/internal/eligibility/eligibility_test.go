package eligibility_test

import (
	"errors"
	"testing"

	"github.com/nogproject/nogb2/backend/internal/eligibility"
	"github.com/nogproject/nogb2/backend/internal/items"
	"github.com/nogproject/nogb2/backend/internal/items/itemstest"
	"github.com/stretchr/testify/require"
)

func newPolicy() *eligibility.Policy {
	return eligibility.NewPolicy(&eligibility.Config{
		Authorizer: itemstest.GroupAuthorizer{Group: "Anonymous"},
	})
}

func TestPublicArchivedItemIsReplicatable(t *testing.T) {
	p := newPolicy()
	it := itemstest.NewPublicItem("11234/1-1")
	require.True(t, p.IsReplicatable(it))
	require.NoError(t, p.Check(it))
}

func TestEmbargoFieldBlocks(t *testing.T) {
	p := newPolicy()
	for _, v := range []string{"2030-01-01", "2001-01-01", "x"} {
		it := itemstest.NewPublicItem("11234/1-1")
		it.Meta[items.FieldEmbargoLift] = []string{v}
		require.False(t, p.IsReplicatable(it), v)
		require.Equal(t, eligibility.ErrEmbargoed, p.Check(it))
	}

	it := itemstest.NewPublicItem("11234/1-1")
	it.Meta[items.FieldEmbargoLift] = []string{""}
	require.True(t, p.IsReplicatable(it), "empty embargo value")
}

func TestFailedConditions(t *testing.T) {
	p := newPolicy()
	cases := []struct {
		name   string
		modify func(*itemstest.Item)
		want   error
	}{
		{"no rights", func(it *itemstest.Item) {
			delete(it.Meta, items.FieldRightsLabel)
		}, eligibility.ErrNotPublic},
		{"other rights", func(it *itemstest.Item) {
			it.Meta[items.FieldRightsLabel] = []string{"RES", "pub"}
		}, eligibility.ErrNotPublic},
		{"not archived", func(it *itemstest.Item) {
			it.Archived = false
		}, eligibility.ErrNotArchived},
		{"withdrawn", func(it *itemstest.Item) {
			it.Withdrawn = true
		}, eligibility.ErrWithdrawn},
		{"not readable", func(it *itemstest.Item) {
			it.ReadGroups = []string{"Staff"}
		}, eligibility.ErrNotReadable},
	}
	for _, c := range cases {
		it := itemstest.NewPublicItem("11234/1-1")
		c.modify(it)
		require.Equal(t, c.want, p.Check(it), c.name)
		require.False(t, p.IsReplicatable(it), c.name)
	}
}

func TestMarkerAmongOtherValues(t *testing.T) {
	p := newPolicy()
	it := itemstest.NewPublicItem("11234/1-1")
	it.Meta[items.FieldRightsLabel] = []string{"ACA", "PUB"}
	require.True(t, p.IsReplicatable(it))
}

func TestCustomFields(t *testing.T) {
	p := eligibility.NewPolicy(&eligibility.Config{
		RightsField:  "local.rights",
		PublicMarker: "open",
		EmbargoField: "local.embargo",
		Authorizer:   itemstest.GroupAuthorizer{Group: "Anonymous"},
	})
	it := itemstest.NewPublicItem("11234/1-1")
	require.False(t, p.IsReplicatable(it))
	it.Meta["local.rights"] = []string{"open"}
	it.Meta[items.FieldEmbargoLift] = []string{"2030-01-01"}
	require.True(t, p.IsReplicatable(it))
	it.Meta["local.embargo"] = []string{"2030-01-01"}
	require.False(t, p.IsReplicatable(it))
}

type panicItem struct {
	*itemstest.Item
}

func (panicItem) IsArchived() bool { panic("database gone") }

func TestFailClosed(t *testing.T) {
	p := newPolicy()
	err := p.Check(panicItem{itemstest.NewPublicItem("11234/1-1")})
	require.True(t, errors.Is(err, eligibility.ErrEvaluation))

	p = eligibility.NewPolicy(&eligibility.Config{
		Authorizer: itemstest.GroupAuthorizer{Err: errors.New("ldap down")},
	})
	require.False(t, p.IsReplicatable(itemstest.NewPublicItem("11234/1-1")))
	require.False(t, p.IsReplicatable(nil))
}

func TestRepeatable(t *testing.T) {
	p := newPolicy()
	it := itemstest.NewPublicItem("11234/1-1")
	first := p.IsReplicatable(it)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, p.IsReplicatable(it))
	}
}
