// Package remote speaks IMAP to the mail server. It exposes a Session with
// explicit connection state, a batched envelope fetch, literal flag/move/
// delete operations and an IDLE-based watch, and classifies every failure
// into the auth/network/protocol taxonomy so callers can decide what is
// retryable.
package remote

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
)

// Session manages the connection to one account. The primary connection
// serves fetches and mutations; Watch opens its own dedicated connection so
// IDLE never blocks a fetch.
type Session struct {
	cfg      model.AccountConfig
	password string
	log      zerolog.Logger

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
	status   model.ConnStatus
	subs     []chan model.ConnStatus
}

// NewSession creates a session for the given account. No I/O happens until
// Connect.
func NewSession(cfg model.AccountConfig, password string, log zerolog.Logger) *Session {
	return &Session{
		cfg:      cfg,
		password: password,
		log:      log.With().Str("component", "remote").Logger(),
		status:   model.StatusOffline,
	}
}

// Status returns the current connectivity state.
func (s *Session) Status() model.ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StatusChanges returns a channel receiving every status transition. Slow
// receivers miss updates rather than blocking the session.
func (s *Session) StatusChanges() <-chan model.ConnStatus {
	ch := make(chan model.ConnStatus, 8)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Session) setStatus(st model.ConnStatus) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	subs := s.subs
	s.mu.Unlock()

	s.publishStatus(st, subs)
}

// setStatusFrom transitions only when the session is still in the expected
// state, so a restore does not clobber a transition that happened meanwhile.
func (s *Session) setStatusFrom(from, to model.ConnStatus) {
	s.mu.Lock()
	if s.status != from {
		s.mu.Unlock()
		return
	}
	s.status = to
	subs := s.subs
	s.mu.Unlock()

	s.publishStatus(to, subs)
}

func (s *Session) publishStatus(st model.ConnStatus, subs []chan model.ConnStatus) {
	s.log.Debug().Stringer("status", st).Msg("connection status changed")
	for _, ch := range subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// Connect dials and authenticates the primary connection. Dial and TLS
// failures come back as NetworkError; a rejected LOGIN as AuthError, which
// callers must not retry without new credentials.
func (s *Session) Connect(ctx context.Context) error {
	s.setStatus(model.StatusConnecting)

	client, err := s.dial(ctx)
	if err != nil {
		s.setStatus(model.StatusOffline)
		return err
	}

	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		return client.Login(s.cfg.Username, s.password).Wait()
	}); err != nil {
		s.setStatus(model.StatusOffline)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return &NetworkError{Op: "login", Err: err}
		}
		_ = client.Logout().Wait()
		return &AuthError{Err: err}
	}

	s.mu.Lock()
	s.client = client
	s.selected = ""
	s.mu.Unlock()

	s.setStatus(model.StatusConnected)
	return nil
}

// Close logs out the primary connection. Watch connections stop when their
// context is cancelled.
func (s *Session) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.selected = ""
	s.mu.Unlock()

	s.setStatus(model.StatusOffline)
	if client == nil {
		return nil
	}
	return client.Logout().Wait()
}

func (s *Session) dial(ctx context.Context) (*imapclient.Client, error) {
	return s.dialWith(ctx, nil)
}

// dialWith establishes a TCP+TLS connection with a bounded timeout. The
// underlying dial has no context support, so it runs in a goroutine and a
// late success is closed out.
func (s *Session) dialWith(ctx context.Context, opts *imapclient.Options) (*imapclient.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)

	timeout := time.Duration(s.cfg.ConnectTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type dialResult struct {
		client *imapclient.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		var client *imapclient.Client
		var err error
		if s.cfg.TLS {
			client, err = imapclient.DialTLS(addr, opts)
		} else {
			client, err = imapclient.DialStartTLS(addr, opts)
		}
		done <- dialResult{client, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &NetworkError{Op: "dial " + addr, Err: r.err}
		}
		return r.client, nil
	case <-dctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, &NetworkError{Op: "dial " + addr, Err: dctx.Err()}
	}
}

func (s *Session) commandTimeout() time.Duration {
	if s.cfg.CommandTimeoutSec > 0 {
		return time.Duration(s.cfg.CommandTimeoutSec) * time.Second
	}
	return 60 * time.Second
}

// bounded runs one blocking command round trip with a deadline. The client
// library offers no per-command timeout, so a round trip that overruns gets
// its connection closed out from under it, which unblocks the reader; the
// returned context.DeadlineExceeded classifies as a network failure.
func bounded(ctx context.Context, conn io.Closer, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return ctx.Err()
	case <-timer.C:
		_ = conn.Close()
		<-done
		return context.DeadlineExceeded
	}
}

// conn returns the primary connection, connecting first if needed.
func (s *Session) conn(ctx context.Context) (*imapclient.Client, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		return client, nil
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, nil
}

// selectFolder ensures the given mailbox is selected on the primary
// connection, skipping the round trip when it already is.
func (s *Session) selectFolder(ctx context.Context, folder string) (*imapclient.Client, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	already := s.selected == folder
	s.mu.Unlock()
	if already {
		return client, nil
	}

	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		_, err := client.Select(folder, nil).Wait()
		return err
	}); err != nil {
		return nil, s.classify("select "+folder, err)
	}

	s.mu.Lock()
	s.selected = folder
	s.mu.Unlock()
	return client, nil
}

// dropConn discards the primary connection after a network-level failure so
// the next call reconnects.
func (s *Session) dropConn() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.selected = ""
	s.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
	s.setStatus(model.StatusOffline)
}

// classify sorts a command failure into the error taxonomy. Transport-level
// failures invalidate the connection; anything the server answered is a
// protocol refusal and will fail the same way on retry.
func (s *Session) classify(op string, err error) error {
	if isTransportErr(err) {
		s.dropConn()
		return &NetworkError{Op: op, Err: err}
	}
	return &ProtocolError{Op: op, Err: err}
}

func isTransportErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed")
}

// ListFolders lists all mailboxes with their message counts. Folder ids are
// an FNV-1a hash of the full path so they are stable across restarts without
// coordination with the cache. INBOX sorts first.
func (s *Session) ListFolders(ctx context.Context) ([]model.Folder, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var data []*imap.ListData
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		var err error
		data, err = client.List("", "*", &imap.ListOptions{
			ReturnStatus: &imap.StatusOptions{
				NumMessages: true,
				NumUnseen:   true,
			},
		}).Collect()
		return err
	}); err != nil {
		return nil, s.classify("list", err)
	}

	folders := make([]model.Folder, 0, len(data))
	for _, d := range data {
		if hasAttr(d.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		f := model.Folder{
			Path: d.Mailbox,
			Name: displayName(d.Mailbox, d.Delim),
			ID:   FolderID(d.Mailbox),
		}
		if d.Status != nil {
			if d.Status.NumMessages != nil {
				f.TotalCount = *d.Status.NumMessages
			}
			if d.Status.NumUnseen != nil {
				f.UnreadCount = *d.Status.NumUnseen
			}
		}
		folders = append(folders, f)
	}

	sort.Slice(folders, func(i, j int) bool {
		pi, pj := folders[i].Path, folders[j].Path
		if (pi == "INBOX") != (pj == "INBOX") {
			return pi == "INBOX"
		}
		return pi < pj
	})

	return folders, nil
}

// FolderID returns the stable identifier for a mailbox path.
func FolderID(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}

func displayName(path string, delim rune) string {
	if delim == 0 {
		return path
	}
	if i := strings.LastIndex(path, string(delim)); i >= 0 {
		return path[i+1:]
	}
	return path
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}
