package itemsmgo_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nogproject/nogb2/backend/internal/eligibility"
	"github.com/nogproject/nogb2/backend/internal/items"
	"github.com/nogproject/nogb2/backend/internal/itemsmgo"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

// The tests require a scratch database, like
// `NOGB2_TEST_MONGO=mongodb://localhost:27017/nogb2test`.
func newStore(t *testing.T) *itemsmgo.Store {
	uri := os.Getenv("NOGB2_TEST_MONGO")
	if uri == "" {
		t.Skip("NOGB2_TEST_MONGO not set")
	}
	mgs, err := itemsmgo.Dial(uri, nil)
	require.NoError(t, err)
	ns := fmt.Sprintf("test%d", time.Now().UnixNano())
	t.Cleanup(func() {
		db := mgs.DB("")
		_ = db.C(ns + ".items").DropCollection()
		_ = db.C(ns + ".events").DropCollection()
		mgs.Close()
	})
	return itemsmgo.NewStore(mgs, ns)
}

func publicDoc(handle string) *itemsmgo.ItemDoc {
	return &itemsmgo.ItemDoc{
		Handle:     handle,
		Archived:   true,
		Collection: "11234/0",
		Metadata: []itemsmgo.MetadataDoc{
			{K: items.FieldRightsLabel, V: "PUB"},
			{K: items.FieldIdentifierURI, V: "http://hdl.handle.net/" + handle},
			{K: "dc.subject", V: "b"},
			{K: "dc.subject", V: "a"},
		},
		ReadGroups: []string{"Anonymous"},
	}
}

func TestItems(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.PutItem(publicDoc("11234/2")))
	require.NoError(t, s.PutItem(publicDoc("11234/1")))

	sess, err := s.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	it, err := sess.FindByHandle(ctx, "11234/1")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, it.Values("dc.subject"))
	require.Equal(t, []string{
		items.FieldIdentifierURI, items.FieldRightsLabel, "dc.subject",
	}, it.MetadataFields())

	policy := eligibility.NewPolicy(&eligibility.Config{
		Authorizer: itemsmgo.GroupAuthorizer{Group: "Anonymous"},
	})
	require.True(t, policy.IsReplicatable(it))

	_, err = sess.FindByHandle(ctx, "11234/404")
	require.Equal(t, items.ErrNotFound, err)

	var hs []string
	require.NoError(t, sess.ForEachItem(ctx, func(it items.Item) error {
		hs = append(hs, it.Handle())
		return nil
	}))
	require.Equal(t, []string{"11234/1", "11234/2"}, hs)

	require.False(t, sess.IgnoreAuthorization(true))
	require.True(t, sess.IgnoresAuthorization())
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var ids []ulid.ULID
	for _, h := range []string{"11234/1", "11234/2", "11234/3"} {
		ev, err := s.AppendEvent(h, items.EventCreated, true)
		require.NoError(t, err)
		ids = append(ids, ev.Id)
	}

	evs, err := s.EventsAfter(ctx, ulid.ULID{}, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, ids[0], evs[0].Id)
	require.Equal(t, "11234/2", evs[1].Handle)

	evs, err = s.EventsAfter(ctx, ids[1], 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "11234/3", evs[0].Handle)
	require.True(t, evs[0].Committed)
}

func TestGroupAuthorizerRejectsForeignItems(t *testing.T) {
	var a itemsmgo.GroupAuthorizer
	_, err := a.CanRead(nil)
	require.Error(t, err)
}
