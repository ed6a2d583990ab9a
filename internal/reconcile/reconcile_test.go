package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/pkg/config"
	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
	"portalchat/pkg/store"
)

func newEngine(t *testing.T) *realtime.Engine {
	t.Helper()
	db, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	eng := realtime.New(db)
	t.Cleanup(func() {
		eng.Close()
		_ = db.Close()
	})
	return eng
}

func seed(t *testing.T, eng *realtime.Engine) {
	t.Helper()
	dm := models.Conversation{ID: "dm", Type: models.ConversationPrivate, Title: models.PrivateRegistryTitle, Members: []string{"1", "2"}, CreatedAt: 1, UpdatedAt: 1}
	dup := models.Conversation{ID: "dup", Type: models.ConversationPrivate, Title: models.PrivateRegistryTitle, Members: []string{"2", "1"}, CreatedAt: 2, UpdatedAt: 2}
	grp := models.Conversation{ID: "grp", Type: models.ConversationGroup, Title: "Planning", Members: []string{"1", "2", "3"}, CreatedAt: 3, UpdatedAt: 3}
	require.NoError(t, eng.Update(context.Background(), realtime.Updates{
		models.ConversationPath("dm"):           dm,
		models.ConversationPath("dup"):          dup,
		models.ConversationPath("grp"):          grp,
		models.ConversationPath("bad"):          map[string]any{"id": "bad", "type": "private", "members": []string{"1"}},
		models.PrivatePairPath("1", "2"):        models.PairRecord{ID: "dm"},
		models.UserConversationPath("1", "dm"):  dm.Summary("Bob"),
		models.UserConversationPath("2", "dm"):  dm.Summary("Alice"),
		models.UserConversationPath("1", "grp"): grp.Summary("Planning"),
		models.ProfilePath("1"):                 models.Profile{Name: "Alice"},
	}))
}

func TestSweepReportsDrift(t *testing.T) {
	eng := newEngine(t)
	seed(t, eng)
	m := New(config.ReconcileConfig{}, eng)

	out, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	rep := out.(Report)

	assert.Equal(t, 4, rep.Conversations)
	assert.Equal(t, []string{"bad"}, rep.Invalid)
	assert.Equal(t, []string{"dup"}, rep.Orphaned)
	assert.ElementsMatch(t, []MissingEntry{
		{UserID: "1", ConversationID: "dup"},
		{UserID: "2", ConversationID: "dup"},
		{UserID: "2", ConversationID: "grp"},
		{UserID: "3", ConversationID: "grp"},
	}, rep.MissingEntries)
	assert.Zero(t, rep.Repaired)

	snap, err := eng.Get(context.Background(), models.UserConversationPath("3", "grp"))
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, rep.RunID, last.RunID)
}

func TestSweepRepairs(t *testing.T) {
	eng := newEngine(t)
	seed(t, eng)
	require.NoError(t, eng.Update(context.Background(), realtime.Updates{models.PrivatePairPath("1", "2"): nil}))
	m := New(config.ReconcileConfig{Repair: true}, eng)

	out, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	rep := out.(Report)
	assert.Equal(t, 4, rep.Repaired)
	assert.Equal(t, []string{"1_2"}, rep.MissingPairs)

	ctx := context.Background()
	title, err := eng.Get(ctx, models.UserConversationPath("3", "grp")+"/title")
	require.NoError(t, err)
	assert.Equal(t, "Planning", title.Value)

	// user 2's copy of the private conversation is titled with user 1's profile name
	title, err = eng.Get(ctx, models.UserConversationPath("2", "dup")+"/title")
	require.NoError(t, err)
	assert.Equal(t, "Alice", title.Value)

	pair, err := eng.Get(ctx, models.PrivatePairPath("1", "2")+"/id")
	require.NoError(t, err)
	assert.Equal(t, "dm", pair.Value)

	out, err = m.RunOnce(ctx)
	require.NoError(t, err)
	rep = out.(Report)
	assert.Empty(t, rep.MissingEntries)
	assert.Equal(t, []string{"dup"}, rep.Orphaned)
}

func TestStartDisabled(t *testing.T) {
	m := New(config.ReconcileConfig{Enabled: false}, newEngine(t))
	cancel, err := m.Start(context.Background())
	require.NoError(t, err)
	cancel()

	m = New(config.ReconcileConfig{Enabled: true, Cron: "not a cron"}, newEngine(t))
	_, err = m.Start(context.Background())
	assert.Error(t, err)
}
