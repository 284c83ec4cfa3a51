package remote

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/flags"
	"github.com/nhle/mailsync/internal/model"
)

// EventKind discriminates watch events.
type EventKind int

const (
	EventNewMessage EventKind = iota
	EventFlagsChanged
	EventExpunged
)

// Event is one server-side change observed while watching a folder.
type Event struct {
	Kind   EventKind
	Folder string
	UID    uint32

	// Envelope is set for EventNewMessage.
	Envelope *Envelope

	// Flags is the new server flag set for EventFlagsChanged.
	Flags flags.Set
}

const (
	// idlePeriod restarts IDLE well inside the RFC 2177 29-minute limit;
	// plenty of servers drop idlers far sooner.
	idlePeriod = 20 * time.Minute

	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 60 * time.Second
)

// Watch opens a dedicated connection and runs an IDLE loop on the folder,
// emitting events until ctx is cancelled. Connection drops reconnect with
// capped backoff; an authentication failure ends the watch, since retrying
// bad credentials only locks the account. The events channel is closed when
// the watch ends.
func (s *Session) Watch(ctx context.Context, folder string) (<-chan Event, error) {
	events := make(chan Event, 32)
	go s.watchLoop(ctx, folder, events)
	return events, nil
}

func (s *Session) watchLoop(ctx context.Context, folder string, events chan<- Event) {
	defer close(events)

	retry := &watchRetry{}
	for {
		err := s.watchOnce(ctx, folder, events, retry.reset)
		if ctx.Err() != nil {
			return
		}
		if IsAuthError(err) {
			s.log.Error().Err(err).Str("folder", folder).
				Msg("watch stopped: credentials rejected")
			s.setStatus(model.StatusOffline)
			return
		}

		s.setStatus(model.StatusReconnecting)
		delay := retry.next()
		s.log.Warn().Err(err).Str("folder", folder).Dur("retry_in", delay).
			Msg("watch connection lost")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// watchRetry tracks consecutive failed reconnects. The counter goes back to
// zero once a session reaches its IDLE loop, so a drop after hours of
// stability retries from the short end of the ramp, not the 60s cap.
type watchRetry struct {
	attempt int
}

func (r *watchRetry) next() time.Duration {
	d := watchBackoff(r.attempt)
	r.attempt++
	return d
}

func (r *watchRetry) reset() {
	r.attempt = 0
}

// watchBackoff returns the delay before reconnect attempt n, exponential
// from 250ms capped at 60s with 20% jitter so a flapping server does not see
// synchronized retries.
func watchBackoff(attempt int) time.Duration {
	d := watchBackoffMin << uint(attempt)
	if d <= 0 || d > watchBackoffMax {
		d = watchBackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d - d/10 + jitter
}

// seqEvent is a raw unilateral notification keyed by sequence number. The
// order of arrival matters: each expunge renumbers everything above it.
type seqEvent struct {
	expunge bool
	seqNum  uint32
	flags   flags.Set
}

// watchState accumulates unilateral data between IDLE rounds and holds the
// sequence-number to UID mapping for the selected mailbox.
type watchState struct {
	mu      sync.Mutex
	uids    []imap.UID // index seqNum-1
	exists  uint32
	pending []seqEvent

	kick chan struct{}
}

func (st *watchState) add(ev seqEvent) {
	st.mu.Lock()
	st.pending = append(st.pending, ev)
	st.mu.Unlock()
	st.knock()
}

func (st *watchState) setExists(n uint32) {
	st.mu.Lock()
	st.exists = n
	st.mu.Unlock()
	st.knock()
}

func (st *watchState) knock() {
	select {
	case st.kick <- struct{}{}:
	default:
	}
}

func (st *watchState) take() ([]seqEvent, uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	pending := st.pending
	st.pending = nil
	return pending, st.exists
}

func (s *Session) watchOnce(ctx context.Context, folder string, events chan<- Event, ready func()) error {
	st := &watchState{kick: make(chan struct{}, 1)}

	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(seqNum uint32) {
				st.add(seqEvent{expunge: true, seqNum: seqNum})
			},
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					st.setExists(*data.NumMessages)
				}
			},
			Fetch: func(msg *imapclient.FetchMessageData) {
				buf, err := msg.Collect()
				if err != nil {
					return
				}
				st.add(seqEvent{seqNum: buf.SeqNum, flags: flags.FromIMAP(buf.Flags)})
			},
		},
	}

	client, err := s.dialWith(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		return client.Login(s.cfg.Username, s.password).Wait()
	}); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return &NetworkError{Op: "watch login", Err: err}
		}
		return &AuthError{Err: err}
	}

	var sel *imap.SelectData
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		var err error
		sel, err = client.Select(folder, nil).Wait()
		return err
	}); err != nil {
		return classifyConn("watch select "+folder, err)
	}

	if err := s.seedSeqMap(ctx, client, folder, st, sel.NumMessages); err != nil {
		return err
	}

	s.setStatus(model.StatusConnected)
	s.log.Info().Str("folder", folder).Uint32("messages", sel.NumMessages).
		Msg("watching folder")
	ready()

	for {
		idleCmd, err := client.Idle()
		if err != nil {
			return classifyConn("idle", err)
		}

		timer := time.NewTimer(idlePeriod)
		select {
		case <-ctx.Done():
			_ = idleCmd.Close()
			_ = idleCmd.Wait()
			return ctx.Err()
		case <-timer.C:
		case <-st.kick:
		}
		timer.Stop()

		if err := idleCmd.Close(); err != nil {
			return classifyConn("idle close", err)
		}
		if err := idleCmd.Wait(); err != nil {
			return classifyConn("idle", err)
		}

		if err := s.flushWatchEvents(ctx, client, folder, st, events); err != nil {
			return err
		}
	}
}

// seedSeqMap loads the current sequence-number to UID mapping. Unilateral
// data only carries sequence numbers, so the map must exist before the first
// IDLE.
func (s *Session) seedSeqMap(ctx context.Context, client *imapclient.Client, folder string, st *watchState, numMessages uint32) error {
	st.exists = numMessages
	if numMessages == 0 {
		return nil
	}

	type pair struct {
		seq uint32
		uid imap.UID
	}
	var pairs []pair
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		seqSet := imap.SeqSet{imap.SeqRange{Start: 1, Stop: 0}}
		fetchCmd := client.Fetch(seqSet, &imap.FetchOptions{UID: true})
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				continue
			}
			pairs = append(pairs, pair{buf.SeqNum, buf.UID})
		}
		return fetchCmd.Close()
	}); err != nil {
		return classifyConn("watch seed "+folder, err)
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].seq < pairs[j].seq })
	st.uids = make([]imap.UID, 0, len(pairs))
	for _, p := range pairs {
		st.uids = append(st.uids, p.uid)
	}
	return nil
}

// flushWatchEvents translates buffered sequence-number notifications into
// UID events, replaying them in arrival order because every expunge shifts
// the numbering of the messages above it.
func (s *Session) flushWatchEvents(ctx context.Context, client *imapclient.Client, folder string, st *watchState, events chan<- Event) error {
	pending, exists := st.take()

	for _, ev := range pending {
		idx := int(ev.seqNum) - 1
		if idx < 0 || idx >= len(st.uids) {
			// A notification for a message we never mapped, most likely a
			// fetch for mail that arrived and expunged within one round.
			s.log.Debug().Uint32("seq", ev.seqNum).Str("folder", folder).
				Msg("dropping unmapped sequence notification")
			continue
		}
		uid := st.uids[idx]

		if ev.expunge {
			st.uids = append(st.uids[:idx], st.uids[idx+1:]...)
			if !emit(ctx, events, Event{Kind: EventExpunged, Folder: folder, UID: uint32(uid)}) {
				return ctx.Err()
			}
			continue
		}

		if !emit(ctx, events, Event{Kind: EventFlagsChanged, Folder: folder, UID: uint32(uid), Flags: ev.flags}) {
			return ctx.Err()
		}
	}

	// Anything beyond the mapped range is new mail.
	if int(exists) > len(st.uids) {
		envs, err := s.fetchNewBySeq(ctx, client, folder, uint32(len(st.uids))+1)
		if err != nil {
			return err
		}
		for i := range envs {
			st.uids = append(st.uids, imap.UID(envs[i].UID))
			if !emit(ctx, events, Event{Kind: EventNewMessage, Folder: folder, UID: envs[i].UID, Envelope: &envs[i]}) {
				return ctx.Err()
			}
		}
	}
	return nil
}

// fetchNewBySeq fetches envelopes from the given sequence number to the end
// of the mailbox, in mailbox order.
func (s *Session) fetchNewBySeq(ctx context.Context, client *imapclient.Client, folder string, fromSeq uint32) ([]Envelope, error) {
	type seqEnv struct {
		seq uint32
		env Envelope
	}
	var out []seqEnv
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		seqSet := imap.SeqSet{imap.SeqRange{Start: fromSeq, Stop: 0}}
		fetchCmd := client.Fetch(seqSet, &imap.FetchOptions{
			Envelope:      true,
			Flags:         true,
			UID:           true,
			RFC822Size:    true,
			BodyStructure: &imap.FetchItemBodyStructure{},
			BodySection:   []*imap.FetchItemBodySection{refsSection},
		})
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				continue
			}
			out = append(out, seqEnv{buf.SeqNum, envelopeFromBuffer(buf)})
		}
		return fetchCmd.Close()
	}); err != nil {
		return nil, classifyConn("watch fetch "+folder, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	envs := make([]Envelope, 0, len(out))
	for _, se := range out {
		envs = append(envs, se.env)
	}
	return envs, nil
}

func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// classifyConn is classify for dedicated connections, which are disposable
// and never invalidate the primary one.
func classifyConn(op string, err error) error {
	if isTransportErr(err) {
		return &NetworkError{Op: op, Err: err}
	}
	return &ProtocolError{Op: op, Err: err}
}
