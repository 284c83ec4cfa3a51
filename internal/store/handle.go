package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nhle/mailsync/internal/flags"
	"github.com/nhle/mailsync/internal/model"
)

// ErrClosed is returned for commands submitted after the handle shut down.
var ErrClosed = errors.New("cache handle closed")

// StoreError marks a local persistence failure. It is fatal only for the
// command that hit it; the handle keeps serving subsequent commands.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %v", e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err (or any error in its chain) is a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// command is one unit of serialized store work.
type command struct {
	run   func(ctx context.Context, s *SQLiteStore) (interface{}, error)
	reply chan cmdResult
}

type cmdResult struct {
	value interface{}
	err   error
}

// Handle is the single point of entry to the cache. One goroutine owns the
// store and drains a command channel, so all reads and writes are totally
// ordered in submission order no matter how many goroutines call in; no
// locking is needed inside the store itself.
//
// Accepted commands run to completion even if the submitting caller gives up
// waiting: a canceled caller must not abort a serialized write midway.
type Handle struct {
	store *SQLiteStore

	cmds chan command
	quit chan struct{}
	once sync.Once
	done chan struct{}
}

// NewHandle wraps a store and starts the command loop.
func NewHandle(s *SQLiteStore) *Handle {
	h := &Handle{
		store: s,
		cmds:  make(chan command, 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go h.loop()
	return h
}

// Close stops the command loop after the commands already accepted have run,
// then closes the underlying store.
func (h *Handle) Close() error {
	h.once.Do(func() { close(h.quit) })
	<-h.done
	return h.store.Close()
}

func (h *Handle) loop() {
	defer close(h.done)
	for {
		select {
		case cmd := <-h.cmds:
			h.exec(cmd)
		case <-h.quit:
			// Drain what was accepted before shutdown.
			for {
				select {
				case cmd := <-h.cmds:
					h.exec(cmd)
				default:
					return
				}
			}
		}
	}
}

func (h *Handle) exec(cmd command) {
	v, err := cmd.run(context.Background(), h.store)
	if err != nil && !errors.Is(err, ErrNotFound) {
		err = &StoreError{Err: err}
	}
	// Reply channels are buffered; a caller that stopped waiting does not
	// block the loop.
	cmd.reply <- cmdResult{value: v, err: err}
}

// submit queues one command and waits for its result. ctx bounds only the
// caller's wait, not the command's execution.
func (h *Handle) submit(
	ctx context.Context,
	run func(ctx context.Context, s *SQLiteStore) (interface{}, error),
) (interface{}, error) {
	cmd := command{run: run, reply: make(chan cmdResult, 1)}

	select {
	case h.cmds <- cmd:
	case <-h.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		// The loop is gone. The command may still have been executed during
		// the shutdown drain, in which case its reply is already buffered; a
		// command that slipped into the channel after the drain was not.
		select {
		case res := <-cmd.reply:
			return res.value, res.err
		default:
			return nil, ErrClosed
		}
	}
}

// === Typed command surface ===

func (h *Handle) SaveFolders(ctx context.Context, folders []model.Folder) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.SaveFolders(ctx, folders)
	})
	return err
}

func (h *Handle) ListFolders(ctx context.Context) ([]model.Folder, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.ListFolders(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Folder), nil
}

func (h *Handle) UpsertMessages(ctx context.Context, batch []model.MessageSummary) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.UpsertMessages(ctx, batch)
	})
	return err
}

func (h *Handle) ListPage(
	ctx context.Context,
	folderID uint64,
	offset, limit int,
	sort SortOrder,
) ([]model.MessageSummary, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.ListPage(ctx, folderID, offset, limit, sort)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.MessageSummary), nil
}

func (h *Handle) Search(ctx context.Context, query string, limit int) ([]model.MessageSummary, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.Search(ctx, query, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.MessageSummary), nil
}

func (h *Handle) GetMessage(ctx context.Context, messageID string) (*model.MessageSummary, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.GetMessage(ctx, messageID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.MessageSummary), nil
}

func (h *Handle) GetMessageByUID(ctx context.Context, folderID uint64, uid uint32) (*model.MessageSummary, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.GetMessageByUID(ctx, folderID, uid)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.MessageSummary), nil
}

func (h *Handle) CountMessages(ctx context.Context, folderID uint64) (int, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.CountMessages(ctx, folderID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (h *Handle) RemoveMessage(ctx context.Context, messageID string) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.RemoveMessage(ctx, messageID)
	})
	return err
}

func (h *Handle) SetMessageUID(ctx context.Context, messageID string, uid uint32) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.SetMessageUID(ctx, messageID, uid)
	})
	return err
}

func (h *Handle) UpdateThreading(ctx context.Context, updates []model.ThreadAssignment) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.UpdateThreading(ctx, updates)
	})
	return err
}

func (h *Handle) ListThreadSeeds(ctx context.Context) ([]model.MessageSummary, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.ListThreadSeeds(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.MessageSummary), nil
}

func (h *Handle) PatchFlags(ctx context.Context, messageID string, values, mask flags.Set) (*model.PendingOp, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.PatchFlags(ctx, messageID, values, mask)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PendingOp), nil
}

func (h *Handle) ApplyConfirmedFlags(ctx context.Context, messageID string, server flags.Set) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.ApplyConfirmedFlags(ctx, messageID, server)
	})
	return err
}

func (h *Handle) RevertPendingOp(ctx context.Context, messageID string) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.RevertPendingOp(ctx, messageID)
	})
	return err
}

func (h *Handle) MoveMessage(ctx context.Context, messageID string, target model.Folder) (*model.PendingOp, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.MoveMessage(ctx, messageID, target)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PendingOp), nil
}

func (h *Handle) DeleteMessage(ctx context.Context, messageID string) (*model.PendingOp, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.DeleteMessage(ctx, messageID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PendingOp), nil
}

func (h *Handle) SaveBody(ctx context.Context, body model.MessageBody) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.SaveBody(ctx, body)
	})
	return err
}

func (h *Handle) GetBody(ctx context.Context, messageID string) (*model.MessageBody, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.GetBody(ctx, messageID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.MessageBody), nil
}

func (h *Handle) EvictBody(ctx context.Context, messageID string) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.EvictBody(ctx, messageID)
	})
	return err
}

func (h *Handle) ListPendingOps(ctx context.Context) ([]model.PendingOp, error) {
	v, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return s.ListPendingOps(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.PendingOp), nil
}

func (h *Handle) DeletePendingOp(ctx context.Context, id string) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.DeletePendingOp(ctx, id)
	})
	return err
}

func (h *Handle) BumpPendingOp(ctx context.Context, id string, lastError string) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.BumpPendingOp(ctx, id, lastError)
	})
	return err
}

func (h *Handle) RebuildSearchIndex(ctx context.Context) error {
	_, err := h.submit(ctx, func(ctx context.Context, s *SQLiteStore) (interface{}, error) {
		return nil, s.RebuildSearchIndex(ctx)
	})
	return err
}
