// Package syncer drives the cache toward the server and the server toward
// the user's pending intents. It owns the backfill, the watch-apply loop and
// the periodic reconciliation of pending operations.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/flags"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/thread"
)

// RemoteSession is the remote surface the coordinator drives. It is
// satisfied by *remote.Session; tests substitute a scripted fake.
type RemoteSession interface {
	Connect(ctx context.Context) error
	ListFolders(ctx context.Context) ([]model.Folder, error)
	Fetch(ctx context.Context, folder string, opts remote.FetchOptions) (<-chan remote.Batch, error)
	FetchBody(ctx context.Context, folder string, uid uint32) (*model.MessageBody, error)
	SetFlags(ctx context.Context, folder string, uid uint32, values, mask flags.Set) error
	Move(ctx context.Context, folder string, uid uint32, target string) (uint32, error)
	Delete(ctx context.Context, folder string, uid uint32) error
	FindUID(ctx context.Context, folder, messageID string) (uint32, error)
	Watch(ctx context.Context, folder string) (<-chan remote.Event, error)
}

// Coordinator wires the remote session, the cache handle and the thread
// resolver together.
type Coordinator struct {
	handle   *store.Handle
	session  RemoteSession
	resolver *thread.Resolver
	cfg      model.SyncConfig
	log      zerolog.Logger

	mu      sync.Mutex
	folders map[uint64]model.Folder

	// onOpFailed fires when a pending operation fails terminally; the
	// optimistic local state is left in place for the consumer to surface.
	onOpFailed func(op model.PendingOp, err error)

	// onNewMessage fires for messages discovered by the watch loop, as a
	// notification hook point.
	onNewMessage func(m model.MessageSummary)
}

// NewCoordinator creates a coordinator. Callbacks are optional and must be
// set before Run.
func NewCoordinator(handle *store.Handle, session RemoteSession, resolver *thread.Resolver, cfg model.SyncConfig, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		handle:   handle,
		session:  session,
		resolver: resolver,
		cfg:      cfg,
		log:      log.With().Str("component", "syncer").Logger(),
		folders:  make(map[uint64]model.Folder),
	}
}

// OnOpFailed registers the terminal-failure callback.
func (c *Coordinator) OnOpFailed(fn func(op model.PendingOp, err error)) {
	c.onOpFailed = fn
}

// OnNewMessage registers the new-message callback.
func (c *Coordinator) OnNewMessage(fn func(m model.MessageSummary)) {
	c.onNewMessage = fn
}

// SyncFolders refreshes the folder list from the server and persists it.
func (c *Coordinator) SyncFolders(ctx context.Context) ([]model.Folder, error) {
	folders, err := c.session.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.handle.SaveFolders(ctx, folders); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, f := range folders {
		c.folders[f.ID] = f
	}
	c.mu.Unlock()

	return folders, nil
}

// SeedThreads replays cached reference headers through the resolver so
// thread placement survives restarts without refetching anything.
func (c *Coordinator) SeedThreads(ctx context.Context) error {
	seeds, err := c.handle.ListThreadSeeds(ctx)
	if err != nil {
		return err
	}

	var updates []model.ThreadAssignment
	for _, m := range seeds {
		primary, reassigned := c.resolver.Resolve(m.ID, m.InReplyTo, m.References)
		if primary.ThreadID != m.ThreadID || primary.Depth != m.ThreadDepth || primary.OrderKey != m.OrderKey {
			updates = append(updates, primary)
		}
		updates = append(updates, reassigned...)
	}

	if len(updates) == 0 {
		return nil
	}
	return c.handle.UpdateThreading(ctx, updates)
}

// BackfillOptions controls one backfill pass.
type BackfillOptions struct {
	// Full ignores the configured page cap and walks the whole folder.
	Full bool

	// Progress, if set, is called after each persisted batch with the
	// running total of fetched envelopes.
	Progress func(fetched int)
}

// Backfill streams the folder's envelopes into the cache, newest first.
// Each batch is durable once persisted; cancellation between batches keeps
// everything already stored.
func (c *Coordinator) Backfill(ctx context.Context, folder model.Folder, opts BackfillOptions) error {
	fetchOpts := remote.FetchOptions{BatchSize: c.cfg.BatchSize}
	if !opts.Full {
		pages := c.cfg.BackfillPages
		if pages <= 0 {
			pages = 10
		}
		batch := c.cfg.BatchSize
		if batch <= 0 {
			batch = 200
		}
		fetchOpts.MaxMessages = pages * batch
	}

	batches, err := c.session.Fetch(ctx, folder.Path, fetchOpts)
	if err != nil {
		return err
	}

	fetched := 0
	for batch := range batches {
		if batch.Err != nil {
			return fmt.Errorf("backfill %s: %w", folder.Path, batch.Err)
		}

		if err := c.ingest(ctx, folder, batch.Envelopes); err != nil {
			return err
		}

		fetched += len(batch.Envelopes)
		if opts.Progress != nil {
			opts.Progress(fetched)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	c.log.Info().Str("folder", folder.Path).Int("fetched", fetched).
		Msg("backfill complete")
	return nil
}

// ingest threads and persists one batch of envelopes.
func (c *Coordinator) ingest(ctx context.Context, folder model.Folder, envs []remote.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	summaries := make([]model.MessageSummary, 0, len(envs))
	var rethreaded []model.ThreadAssignment
	for i := range envs {
		summary, updates := c.toSummary(folder, &envs[i])
		summaries = append(summaries, summary)
		rethreaded = append(rethreaded, updates...)
	}

	if err := c.handle.UpsertMessages(ctx, summaries); err != nil {
		return err
	}
	if len(rethreaded) > 0 {
		if err := c.handle.UpdateThreading(ctx, rethreaded); err != nil {
			return err
		}
	}
	return nil
}

// toSummary converts an envelope into a cache row, resolving its thread
// placement. The resolver owns identity: it hands back the normalized (or
// synthesized) message id the row is stored under.
func (c *Coordinator) toSummary(folder model.Folder, env *remote.Envelope) (model.MessageSummary, []model.ThreadAssignment) {
	primary, reassigned := c.resolver.Resolve(env.MessageID, env.InReplyTo, env.References)

	return model.MessageSummary{
		ID:             primary.MessageID,
		UID:            env.UID,
		FolderID:       folder.ID,
		Subject:        env.Subject,
		From:           env.From,
		Participants:   env.Participants,
		Date:           env.Date,
		Size:           env.Size,
		HasAttachments: env.HasAttachments,
		FlagsServer:    env.Flags,
		ThreadID:       primary.ThreadID,
		ThreadDepth:    primary.Depth,
		OrderKey:       primary.OrderKey,
		InReplyTo:      env.InReplyTo,
		References:     env.References,
	}, reassigned
}

// FetchBody returns a message body, from cache when present, otherwise
// fetched, parsed and cached.
func (c *Coordinator) FetchBody(ctx context.Context, messageID string) (*model.MessageBody, error) {
	if body, err := c.handle.GetBody(ctx, messageID); err == nil && body != nil {
		return body, nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	m, err := c.handle.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	folder, ok := c.folderByID(m.FolderID)
	if !ok {
		return nil, fmt.Errorf("unknown folder id %d for message %s", m.FolderID, messageID)
	}

	body, err := c.session.FetchBody(ctx, folder.Path, m.UID)
	if err != nil {
		return nil, err
	}
	body.MessageID = m.ID

	if err := c.handle.SaveBody(ctx, *body); err != nil {
		return nil, err
	}
	return body, nil
}

// Run supervises the watch-apply loop and the periodic reconcile loop until
// ctx is cancelled or one of them fails hard.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.watchLoop(ctx, "INBOX")
	})
	g.Go(func() error {
		return c.reconcileLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) watchLoop(ctx context.Context, folderPath string) error {
	events, err := c.session.Watch(ctx, folderPath)
	if err != nil {
		return err
	}
	for ev := range events {
		if err := c.applyEvent(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Str("folder", ev.Folder).Uint32("uid", ev.UID).
				Msg("failed to apply watch event")
		}
	}
	return ctx.Err()
}

// applyEvent folds one server-side change into the cache.
func (c *Coordinator) applyEvent(ctx context.Context, ev remote.Event) error {
	folderID := remote.FolderID(ev.Folder)

	switch ev.Kind {
	case remote.EventNewMessage:
		folder, ok := c.folderByID(folderID)
		if !ok {
			folder = model.Folder{Path: ev.Folder, Name: ev.Folder, ID: folderID}
		}
		summary, rethreaded := c.toSummary(folder, ev.Envelope)
		if err := c.handle.UpsertMessages(ctx, []model.MessageSummary{summary}); err != nil {
			return err
		}
		if len(rethreaded) > 0 {
			if err := c.handle.UpdateThreading(ctx, rethreaded); err != nil {
				return err
			}
		}
		if c.onNewMessage != nil {
			c.onNewMessage(summary)
		}
		return nil

	case remote.EventFlagsChanged:
		m, err := c.handle.GetMessageByUID(ctx, folderID, ev.UID)
		if errors.Is(err, store.ErrNotFound) {
			c.log.Warn().Str("folder", ev.Folder).Uint32("uid", ev.UID).
				Msg("flag change for unknown message dropped")
			return nil
		}
		if err != nil {
			return err
		}
		// Override-aware: a confirmation already applied for in-flight
		// local intent is not undone by this report.
		return c.handle.ApplyConfirmedFlags(ctx, m.ID, ev.Flags)

	case remote.EventExpunged:
		m, err := c.handle.GetMessageByUID(ctx, folderID, ev.UID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return c.handle.RemoveMessage(ctx, m.ID)
	}

	return nil
}

func (c *Coordinator) reconcileLoop(ctx context.Context) error {
	interval := time.Duration(c.cfg.ReconcileIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Error().Err(err).Msg("reconcile pass failed")
			}
		}
	}
}

// Reconcile pushes every pending operation at the server once. Transient
// failures stay queued with a bumped attempt count; terminal failures are
// dropped and surfaced through the failure callback, leaving the optimistic
// local state for the consumer to resolve.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	ops, err := c.handle.ListPendingOps(ctx)
	if err != nil {
		return err
	}

	// An op issued while a move of the same message is still unconfirmed
	// would pair its folder with a source-folder UID, which on the server
	// can address a different message entirely. Such ops wait for a pass in
	// which the move has confirmed.
	movePending := make(map[string]bool)
	for _, op := range ops {
		if op.Kind == model.PendingMove {
			movePending[op.MessageID] = true
		}
	}

	for _, op := range ops {
		if op.Kind != model.PendingMove && movePending[op.MessageID] {
			c.log.Debug().Str("op", op.ID).Str("message", op.MessageID).
				Msg("pending op deferred behind unconfirmed move")
			continue
		}

		confirmed, err := c.reconcileOp(ctx, op)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Str("op", op.ID).Msg("reconcile bookkeeping failed")
		}
		if op.Kind == model.PendingMove && confirmed {
			delete(movePending, op.MessageID)
		}
	}
	return nil
}

func (c *Coordinator) reconcileOp(ctx context.Context, op model.PendingOp) (bool, error) {
	m, err := c.handle.GetMessage(ctx, op.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		c.log.Warn().Str("op", op.ID).Str("message", op.MessageID).
			Msg("pending op for missing message dropped")
		return false, c.handle.DeletePendingOp(ctx, op.ID)
	}
	if err != nil {
		return false, err
	}

	// A move op addresses the message where it sat when the move was
	// enqueued; everything else addresses it where the row says it lives
	// now, so a confirmed move's remapped folder and UID are picked up
	// here rather than replayed from a stale snapshot.
	folderID, uid := op.FolderID, op.UID
	if op.Kind != model.PendingMove {
		folderID, uid = m.FolderID, m.UID
	}

	folder, ok := c.folderByID(folderID)
	if !ok {
		c.log.Warn().Str("op", op.ID).Uint64("folder_id", folderID).
			Msg("pending op for unknown folder dropped")
		return false, c.handle.DeletePendingOp(ctx, op.ID)
	}

	var opErr error
	if uid == 0 {
		found, ferr := c.session.FindUID(ctx, folder.Path, op.MessageID)
		switch {
		case ferr != nil:
			opErr = ferr
		case found == 0:
			c.log.Warn().Str("op", op.ID).Str("message", op.MessageID).
				Str("folder", folder.Path).
				Msg("pending op dropped: message not found on server")
			return false, c.handle.DeletePendingOp(ctx, op.ID)
		default:
			uid = found
			if err := c.handle.SetMessageUID(ctx, op.MessageID, uid); err != nil {
				return false, err
			}
		}
	}

	var destUID uint32
	if opErr == nil {
		switch op.Kind {
		case model.PendingFlags:
			opErr = c.session.SetFlags(ctx, folder.Path, uid, op.TargetFlags, op.TargetMask)
		case model.PendingMove:
			destUID, opErr = c.session.Move(ctx, folder.Path, uid, op.TargetFolder)
		case model.PendingDelete:
			opErr = c.session.Delete(ctx, folder.Path, uid)
		default:
			c.log.Warn().Str("op", op.ID).Str("kind", string(op.Kind)).
				Msg("unknown pending op kind dropped")
			return false, c.handle.DeletePendingOp(ctx, op.ID)
		}
	}

	if opErr == nil {
		return true, c.confirmOp(ctx, op, m, destUID)
	}

	if remote.IsNetworkError(opErr) && op.Attempts+1 < c.maxAttempts() {
		return false, c.handle.BumpPendingOp(ctx, op.ID, opErr.Error())
	}

	// Terminal: auth or protocol rejection, or retries exhausted.
	c.log.Error().Err(opErr).Str("op", op.ID).Str("message", op.MessageID).
		Int("attempts", op.Attempts+1).Msg("pending op failed terminally")
	if err := c.handle.DeletePendingOp(ctx, op.ID); err != nil {
		return false, err
	}
	if c.onOpFailed != nil {
		c.onOpFailed(op, opErr)
	}
	return false, nil
}

// confirmOp folds a successful remote operation back into the cache.
func (c *Coordinator) confirmOp(ctx context.Context, op model.PendingOp, m *model.MessageSummary, destUID uint32) error {
	switch op.Kind {
	case model.PendingFlags:
		// The server applied exactly what we asked; compute the new server
		// truth and let the confirmed-flags path clear matching overrides
		// and retire the op.
		confirmed := (m.FlagsServer &^ op.TargetMask) | (op.TargetFlags & op.TargetMask)
		return c.handle.ApplyConfirmedFlags(ctx, op.MessageID, confirmed)

	case model.PendingMove:
		// The source-folder UID is dead after a move; record the destination
		// UID (zero when the server reported no COPYUID mapping, in which
		// case later ops re-resolve it by Message-ID).
		if err := c.handle.SetMessageUID(ctx, op.MessageID, destUID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return c.handle.DeletePendingOp(ctx, op.ID)

	case model.PendingDelete:
		if err := c.handle.RemoveMessage(ctx, op.MessageID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return c.handle.DeletePendingOp(ctx, op.ID)
	}
	return nil
}

func (c *Coordinator) maxAttempts() int {
	if c.cfg.MaxAttempts > 0 {
		return c.cfg.MaxAttempts
	}
	return 5
}

func (c *Coordinator) folderByID(id uint64) (model.Folder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.folders[id]
	return f, ok
}
