package syncer_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/flags"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/syncer"
	"github.com/nhle/mailsync/internal/thread"
	"github.com/nhle/mailsync/tests/testutil"
)

var inbox = model.Folder{Path: "INBOX", Name: "INBOX", ID: remote.FolderID("INBOX")}

type setFlagsCall struct {
	folder       string
	uid          uint32
	values, mask flags.Set
}

// fakeSession is a scripted RemoteSession.
type fakeSession struct {
	mu sync.Mutex

	folders []model.Folder
	batches []remote.Batch

	setFlagsErr error
	moveErr     error
	deleteErr   error

	// moveDestUID is the COPYUID mapping reported for a successful move; 0
	// simulates a server without UIDPLUS.
	moveDestUID uint32

	// findUIDs answers FindUID, keyed "folder/messageID".
	findUIDs map[string]uint32

	setFlagsCalls []setFlagsCall
	moveCalls     []moveCall
	deleteCalls   []uint32
	findUIDCalls  []string

	events chan remote.Event
}

type moveCall struct {
	folder string
	uid    uint32
	target string
}

func (f *fakeSession) Connect(context.Context) error { return nil }

func (f *fakeSession) ListFolders(context.Context) ([]model.Folder, error) {
	return f.folders, nil
}

func (f *fakeSession) Fetch(ctx context.Context, folder string, opts remote.FetchOptions) (<-chan remote.Batch, error) {
	out := make(chan remote.Batch, len(f.batches))
	for _, b := range f.batches {
		out <- b
	}
	close(out)
	return out, nil
}

func (f *fakeSession) FetchBody(ctx context.Context, folder string, uid uint32) (*model.MessageBody, error) {
	return &model.MessageBody{Text: fmt.Sprintf("body of %d", uid)}, nil
}

func (f *fakeSession) SetFlags(ctx context.Context, folder string, uid uint32, values, mask flags.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setFlagsErr != nil {
		return f.setFlagsErr
	}
	f.setFlagsCalls = append(f.setFlagsCalls, setFlagsCall{folder, uid, values, mask})
	return nil
}

func (f *fakeSession) Move(ctx context.Context, folder string, uid uint32, target string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return 0, f.moveErr
	}
	f.moveCalls = append(f.moveCalls, moveCall{folder, uid, target})
	return f.moveDestUID, nil
}

func (f *fakeSession) FindUID(ctx context.Context, folder, messageID string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := folder + "/" + messageID
	f.findUIDCalls = append(f.findUIDCalls, key)
	return f.findUIDs[key], nil
}

func (f *fakeSession) Delete(ctx context.Context, folder string, uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleteCalls = append(f.deleteCalls, uid)
	return nil
}

func (f *fakeSession) Watch(ctx context.Context, folder string) (<-chan remote.Event, error) {
	if f.events == nil {
		f.events = make(chan remote.Event)
	}
	return f.events, nil
}

func env(id string, uid uint32, date time.Time) remote.Envelope {
	return remote.Envelope{
		MessageID: id,
		UID:       uid,
		Subject:   "subject " + id,
		From:      "alice@example.com",
		Date:      date,
	}
}

func newCoordinator(t *testing.T, session syncer.RemoteSession, cfg model.SyncConfig) (*syncer.Coordinator, *store.Handle) {
	t.Helper()
	h := testutil.NewTestHandle(t)
	c := syncer.NewCoordinator(h, session, thread.NewResolver(), cfg, zerolog.Nop())
	return c, h
}

func TestBackfillPersistsBatches(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	session := &fakeSession{
		folders: []model.Folder{inbox},
		batches: []remote.Batch{
			{Envelopes: []remote.Envelope{env("a@x", 1, base), env("b@x", 2, base.Add(time.Minute))}},
			{Envelopes: []remote.Envelope{env("c@x", 3, base.Add(2 * time.Minute))}},
		},
	}
	c, h := newCoordinator(t, session, model.SyncConfig{BatchSize: 2})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Backfill(ctx, inbox, syncer.BackfillOptions{}))

	n, err := h.CountMessages(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := h.GetMessage(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, "subject a@x", got.Subject)
	assert.Equal(t, inbox.ID, got.FolderID)
}

func TestBackfillCancelledBetweenBatchesIsDurable(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	session := &fakeSession{
		folders: []model.Folder{inbox},
		batches: []remote.Batch{
			{Envelopes: []remote.Envelope{env("a@x", 1, base)}},
			{Envelopes: []remote.Envelope{env("b@x", 2, base)}},
			{Envelopes: []remote.Envelope{env("c@x", 3, base)}},
		},
	}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	batches := 0
	err = c.Backfill(ctx, inbox, syncer.BackfillOptions{
		Progress: func(fetched int) {
			batches++
			if batches == 2 {
				cancel()
			}
		},
	})
	require.ErrorIs(t, err, context.Canceled)

	// Everything persisted before the cancellation survives.
	n, err := h.CountMessages(context.Background(), inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBackfillThreadsReplies(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reply := env("reply@x", 2, base.Add(time.Hour))
	reply.InReplyTo = "root@x"
	reply.References = []string{"root@x"}

	// The reply lands in an earlier batch than its parent, as a
	// newest-first backfill delivers it.
	session := &fakeSession{
		folders: []model.Folder{inbox},
		batches: []remote.Batch{
			{Envelopes: []remote.Envelope{reply}},
			{Envelopes: []remote.Envelope{env("root@x", 1, base)}},
		},
	}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Backfill(ctx, inbox, syncer.BackfillOptions{}))

	gotReply, err := h.GetMessage(ctx, "reply@x")
	require.NoError(t, err)
	gotRoot, err := h.GetMessage(ctx, "root@x")
	require.NoError(t, err)

	assert.Equal(t, "root@x", gotReply.ThreadID)
	assert.Equal(t, 1, gotReply.ThreadDepth)
	assert.Equal(t, "root@x", gotRoot.ThreadID)
	assert.Equal(t, 0, gotRoot.ThreadDepth)
}

func TestReconcileFlagsSuccess(t *testing.T) {
	session := &fakeSession{folders: []model.Folder{inbox}}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{{
		ID: "a@x", UID: 7, FolderID: inbox.ID, Date: time.Now(), ThreadID: "a@x",
	}}))
	_, err = h.PatchFlags(ctx, "a@x", flags.Seen, flags.Seen)
	require.NoError(t, err)

	require.NoError(t, c.Reconcile(ctx))

	require.Len(t, session.setFlagsCalls, 1)
	call := session.setFlagsCalls[0]
	assert.Equal(t, "INBOX", call.folder)
	assert.Equal(t, uint32(7), call.uid)
	assert.Equal(t, flags.Seen, call.values)
	assert.Equal(t, flags.Seen, call.mask)

	ops, err := h.ListPendingOps(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	got, err := h.GetMessage(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, flags.Seen, got.FlagsServer)
	assert.Equal(t, flags.Set(0), got.FlagsLocal.Overrides())
}

func TestReconcileTransientFailureRetries(t *testing.T) {
	session := &fakeSession{
		folders:     []model.Folder{inbox},
		setFlagsErr: &remote.NetworkError{Op: "store", Err: fmt.Errorf("connection reset")},
	}
	c, h := newCoordinator(t, session, model.SyncConfig{MaxAttempts: 3})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{{
		ID: "a@x", UID: 1, FolderID: inbox.ID, Date: time.Now(), ThreadID: "a@x",
	}}))
	_, err = h.PatchFlags(ctx, "a@x", flags.Seen, flags.Seen)
	require.NoError(t, err)

	require.NoError(t, c.Reconcile(ctx))

	ops, err := h.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1, "transient failure keeps the op queued")
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Contains(t, ops[0].LastError, "connection reset")
}

func TestReconcileTerminalFailureSurfacesAndDrops(t *testing.T) {
	session := &fakeSession{
		folders:     []model.Folder{inbox},
		setFlagsErr: &remote.ProtocolError{Op: "store", Err: fmt.Errorf("no such mailbox")},
	}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx := context.Background()

	var failed []model.PendingOp
	c.OnOpFailed(func(op model.PendingOp, err error) {
		failed = append(failed, op)
	})

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{{
		ID: "a@x", UID: 1, FolderID: inbox.ID, Date: time.Now(), ThreadID: "a@x",
	}}))
	_, err = h.PatchFlags(ctx, "a@x", flags.Seen, flags.Seen)
	require.NoError(t, err)

	require.NoError(t, c.Reconcile(ctx))

	ops, err := h.ListPendingOps(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops, "terminal failure drops the op")

	require.Len(t, failed, 1)
	assert.Equal(t, model.PendingFlags, failed[0].Kind)

	// The optimistic override is deliberately left in place.
	got, err := h.GetMessage(ctx, "a@x")
	require.NoError(t, err)
	assert.True(t, got.EffectiveFlags().Has(flags.Seen))
}

func TestReconcileDeleteSuccessRemovesRow(t *testing.T) {
	session := &fakeSession{folders: []model.Folder{inbox}}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{{
		ID: "a@x", UID: 4, FolderID: inbox.ID, Date: time.Now(), ThreadID: "a@x",
	}}))
	_, err = h.DeleteMessage(ctx, "a@x")
	require.NoError(t, err)

	require.NoError(t, c.Reconcile(ctx))

	assert.Equal(t, []uint32{4}, session.deleteCalls)

	_, err = h.GetMessage(ctx, "a@x")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ops, err := h.ListPendingOps(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestReconcileMoveSuccess(t *testing.T) {
	session := &fakeSession{folders: []model.Folder{inbox}}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{{
		ID: "a@x", UID: 2, FolderID: inbox.ID, Date: time.Now(), ThreadID: "a@x",
	}}))
	_, err = h.MoveMessage(ctx, "a@x", model.Folder{Path: "Archive", Name: "Archive", ID: 99})
	require.NoError(t, err)

	require.NoError(t, c.Reconcile(ctx))

	require.Len(t, session.moveCalls, 1)
	assert.Equal(t, moveCall{"INBOX", 2, "Archive"}, session.moveCalls[0])

	ops, err := h.ListPendingOps(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	got, err := h.GetMessage(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, uint64(99), got.FolderID)
}

var archive = model.Folder{Path: "Archive", Name: "Archive", ID: remote.FolderID("Archive")}

func TestReconcileMoveRemapsUID(t *testing.T) {
	session := &fakeSession{
		folders:     []model.Folder{inbox, archive},
		moveDestUID: 41,
	}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{{
		ID: "a@x", UID: 7, FolderID: inbox.ID, Date: time.Now(), ThreadID: "a@x",
	}}))
	_, err = h.MoveMessage(ctx, "a@x", archive)
	require.NoError(t, err)

	require.NoError(t, c.Reconcile(ctx))

	got, err := h.GetMessage(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, uint32(41), got.UID, "confirmed move records the destination UID")

	// A flag change after the move must address the destination mailbox and
	// UID, never the source-folder UID the row used to carry.
	_, err = h.PatchFlags(ctx, "a@x", flags.Seen, flags.Seen)
	require.NoError(t, err)
	require.NoError(t, c.Reconcile(ctx))

	require.Len(t, session.setFlagsCalls, 1)
	call := session.setFlagsCalls[0]
	assert.Equal(t, "Archive", call.folder)
	assert.Equal(t, uint32(41), call.uid)
}

func TestReconcileResolvesUIDWithoutCopyUID(t *testing.T) {
	session := &fakeSession{
		folders:  []model.Folder{inbox, archive},
		findUIDs: map[string]uint32{"Archive/a@x": 77},
	}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{{
		ID: "a@x", UID: 7, FolderID: inbox.ID, Date: time.Now(), ThreadID: "a@x",
	}}))
	_, err = h.MoveMessage(ctx, "a@x", archive)
	require.NoError(t, err)
	require.NoError(t, c.Reconcile(ctx))

	// No COPYUID mapping: the UID is unknown until re-resolved.
	got, err := h.GetMessage(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.UID)

	_, err = h.PatchFlags(ctx, "a@x", flags.Flagged, flags.Flagged)
	require.NoError(t, err)
	require.NoError(t, c.Reconcile(ctx))

	assert.Equal(t, []string{"Archive/a@x"}, session.findUIDCalls)
	require.Len(t, session.setFlagsCalls, 1)
	assert.Equal(t, "Archive", session.setFlagsCalls[0].folder)
	assert.Equal(t, uint32(77), session.setFlagsCalls[0].uid)

	// The resolved UID is persisted for the next op.
	got, err = h.GetMessage(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, uint32(77), got.UID)
}

func TestReconcileDefersFlagsBehindUnconfirmedMove(t *testing.T) {
	session := &fakeSession{
		folders: []model.Folder{inbox, archive},
		moveErr: &remote.NetworkError{Op: "move", Err: fmt.Errorf("connection reset")},
	}
	c, h := newCoordinator(t, session, model.SyncConfig{MaxAttempts: 5})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{{
		ID: "a@x", UID: 7, FolderID: inbox.ID, Date: time.Now(), ThreadID: "a@x",
	}}))
	_, err = h.MoveMessage(ctx, "a@x", archive)
	require.NoError(t, err)
	_, err = h.PatchFlags(ctx, "a@x", flags.Seen, flags.Seen)
	require.NoError(t, err)

	require.NoError(t, c.Reconcile(ctx))

	// The move failed transiently, so the flag op must not run yet: its
	// folder and UID cannot be trusted until the move lands.
	assert.Empty(t, session.setFlagsCalls)

	ops, err := h.ListPendingOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
}

func TestReconcileDropsOpForMissingMessage(t *testing.T) {
	session := &fakeSession{folders: []model.Folder{inbox}}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx := context.Background()

	_, err := c.SyncFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{{
		ID: "a@x", UID: 1, FolderID: inbox.ID, Date: time.Now(), ThreadID: "a@x",
	}}))
	_, err = h.PatchFlags(ctx, "a@x", flags.Seen, flags.Seen)
	require.NoError(t, err)

	// The message vanishes locally (for instance an expunge applied by the
	// watch). Its op is dropped with a warning, not retried forever.
	require.NoError(t, h.RemoveMessage(ctx, "a@x"))

	require.NoError(t, c.Reconcile(ctx))

	ops, err := h.ListPendingOps(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Empty(t, session.setFlagsCalls)
}

func TestSeedThreadsRestoresPlacement(t *testing.T) {
	session := &fakeSession{folders: []model.Folder{inbox}}
	c, h := newCoordinator(t, session, model.SyncConfig{})
	ctx := context.Background()

	// Rows persisted by a previous run, reference headers intact but the
	// resolver state gone.
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.UpsertMessages(ctx, []model.MessageSummary{
		{ID: "root@x", UID: 1, FolderID: inbox.ID, Date: base, ThreadID: "root@x"},
		{ID: "reply@x", UID: 2, FolderID: inbox.ID, Date: base.Add(time.Hour),
			ThreadID: "reply@x", InReplyTo: "root@x", References: []string{"root@x"}},
	}))

	require.NoError(t, c.SeedThreads(ctx))

	got, err := h.GetMessage(ctx, "reply@x")
	require.NoError(t, err)
	assert.Equal(t, "root@x", got.ThreadID)
	assert.Equal(t, 1, got.ThreadDepth)
}
