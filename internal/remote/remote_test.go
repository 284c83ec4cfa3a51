package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
)

func TestParseReferences(t *testing.T) {
	raw := []byte("References: <a@x>\r\n <b@x>   <c@x>\r\n\r\n")
	refs := parseReferences(raw)
	assert.Equal(t, []string{"a@x", "b@x", "c@x"}, refs)
}

func TestParseReferencesEmpty(t *testing.T) {
	assert.Nil(t, parseReferences([]byte("\r\n")))
	assert.Nil(t, parseReferences(nil))
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "a@x", normalizeMessageID("<a@x>"))
	assert.Equal(t, "a@x", normalizeMessageID("  <a@x>  "))
	assert.Equal(t, "a@x", normalizeMessageID("a@x"))
	assert.Equal(t, "", normalizeMessageID(""))
}

func TestFolderIDStable(t *testing.T) {
	a := FolderID("INBOX")
	b := FolderID("INBOX")
	c := FolderID("Archive")

	assert.Equal(t, a, b, "folder ids must be deterministic")
	assert.NotEqual(t, a, c)
	assert.NotZero(t, a)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Receipts", displayName("Work/2026/Receipts", '/'))
	assert.Equal(t, "INBOX", displayName("INBOX", '/'))
	assert.Equal(t, "INBOX", displayName("INBOX", 0))
	assert.Equal(t, "Sent", displayName("INBOX.Sent", '.'))
}

func TestWatchBackoffCaps(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := watchBackoff(attempt)
		assert.GreaterOrEqual(t, d, watchBackoffMin/2, "attempt %d too small", attempt)
		assert.LessOrEqual(t, d, watchBackoffMax+watchBackoffMax/5, "attempt %d exceeds cap", attempt)
		if attempt > 0 && attempt < 6 {
			assert.Greater(t, d, prev/4, "backoff should grow roughly exponentially")
		}
		prev = d
	}
}

// blockingConn stays mute until closed, like a server that stops answering
// after the TLS handshake.
type blockingConn struct {
	closed chan struct{}
}

func newBlockingConn() *blockingConn {
	return &blockingConn{closed: make(chan struct{})}
}

func (c *blockingConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func TestBoundedReturnsPromptly(t *testing.T) {
	conn := newBlockingConn()
	want := errors.New("command failed")

	err := bounded(context.Background(), conn, time.Minute, func() error { return want })
	assert.ErrorIs(t, err, want)

	err = bounded(context.Background(), conn, time.Minute, func() error { return nil })
	assert.NoError(t, err)
}

func TestBoundedTimesOutMuteServer(t *testing.T) {
	conn := newBlockingConn()

	// The command only unblocks when the connection is torn down underneath
	// it, which is exactly what bounded must do on timeout.
	err := bounded(context.Background(), conn, 20*time.Millisecond, func() error {
		<-conn.closed
		return io.ErrClosedPipe
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var ne interface{ Timeout() bool }
	require.ErrorAs(t, err, &ne, "timeout must classify as a network failure")
	assert.True(t, ne.Timeout())
}

func TestBoundedHonorsCancellation(t *testing.T) {
	conn := newBlockingConn()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bounded(ctx, conn, time.Minute, func() error {
		<-conn.closed
		return io.ErrClosedPipe
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWatchRetryResetsAfterHealthySession(t *testing.T) {
	r := &watchRetry{}
	for i := 0; i < 10; i++ {
		r.next()
	}
	long := r.next()
	assert.GreaterOrEqual(t, long, watchBackoffMax/2, "deep into the ramp the delay should be near the cap")

	r.reset()
	short := r.next()
	assert.LessOrEqual(t, short, watchBackoffMin+watchBackoffMin/5, "after reset the delay restarts at the short end")
}

func TestSetStatusFrom(t *testing.T) {
	s := NewSession(model.AccountConfig{}, "", zerolog.Nop())
	sub := s.StatusChanges()

	s.setStatus(model.StatusSyncing)
	s.setStatusFrom(model.StatusSyncing, model.StatusConnected)
	assert.Equal(t, model.StatusConnected, s.Status())

	// A transition that raced in between must not be clobbered.
	s.setStatus(model.StatusOffline)
	s.setStatusFrom(model.StatusSyncing, model.StatusConnected)
	assert.Equal(t, model.StatusOffline, s.Status())

	var seen []model.ConnStatus
	for len(sub) > 0 {
		seen = append(seen, <-sub)
	}
	assert.Equal(t, []model.ConnStatus{model.StatusSyncing, model.StatusConnected, model.StatusOffline}, seen)
}

func TestSupportsUIDExpunge(t *testing.T) {
	assert.True(t, supportsUIDExpunge(imap.CapSet{imap.CapUIDPlus: {}}))
	assert.True(t, supportsUIDExpunge(imap.CapSet{imap.CapIMAP4rev2: {}}))
	assert.False(t, supportsUIDExpunge(imap.CapSet{imap.CapIMAP4rev1: {}}))
	assert.False(t, supportsUIDExpunge(nil))
}

func TestDestUID(t *testing.T) {
	assert.Zero(t, destUID(nil))
	assert.Zero(t, destUID(&imapclient.MoveData{}))

	one := &imapclient.MoveData{DestUIDs: imap.UIDSetNum(41)}
	assert.Equal(t, uint32(41), destUID(one))

	// A multi-message COPYUID cannot be attributed to a single move.
	many := &imapclient.MoveData{DestUIDs: imap.UIDSetNum(41, 42)}
	assert.Zero(t, destUID(many))
}

func TestErrorTaxonomy(t *testing.T) {
	authErr := &AuthError{Err: fmt.Errorf("LOGIN failed")}
	netErr := &NetworkError{Op: "dial", Err: io.EOF}
	protoErr := &ProtocolError{Op: "select", Err: fmt.Errorf("no such mailbox")}

	assert.True(t, IsAuthError(authErr))
	assert.False(t, IsAuthError(netErr))

	assert.True(t, IsNetworkError(netErr))
	assert.False(t, IsNetworkError(protoErr))

	assert.True(t, IsProtocolError(protoErr))
	assert.False(t, IsProtocolError(authErr))

	// Wrapping preserves classification.
	wrapped := fmt.Errorf("reconnect: %w", netErr)
	assert.True(t, IsNetworkError(wrapped))

	assert.ErrorIs(t, netErr, io.EOF)
	assert.Contains(t, protoErr.Error(), "select")
}

func TestIsTransportErr(t *testing.T) {
	assert.True(t, isTransportErr(io.EOF))
	assert.True(t, isTransportErr(io.ErrUnexpectedEOF))
	assert.True(t, isTransportErr(fmt.Errorf("read tcp: connection reset by peer")))
	assert.False(t, isTransportErr(fmt.Errorf("NO [TRYCREATE] mailbox missing")))
}

func TestParseMIMEBodyMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"To: bob@example.com",
		"Subject: hello",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="frontier"`,
		"",
		"--frontier",
		"Content-Type: text/plain",
		"",
		"plain body",
		"--frontier",
		"Content-Type: text/html",
		"",
		"<p>html body</p>",
		"--frontier",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="report.pdf"`,
		"",
		"%PDF-1.4 fake",
		"--frontier--",
		"",
	}, "\r\n")

	text, html, attachments := parseMIMEBody([]byte(raw))
	assert.Contains(t, text, "plain body")
	assert.Contains(t, html, "html body")
	require.Len(t, attachments, 1)
	assert.Equal(t, "report.pdf", attachments[0].Filename)
	assert.Equal(t, "application/pdf", attachments[0].MIMEType)
	assert.NotZero(t, attachments[0].Size)
}

func TestParseMIMEBodyFallsBackToPlainText(t *testing.T) {
	text, html, attachments := parseMIMEBody([]byte("not a mime message at all"))
	assert.Equal(t, "not a mime message at all", text)
	assert.Empty(t, html)
	assert.Empty(t, attachments)
}
