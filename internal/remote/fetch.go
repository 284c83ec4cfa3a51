package remote

import (
	"bufio"
	"bytes"
	"context"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/flags"
	"github.com/nhle/mailsync/internal/model"
)

// Envelope is the header-level data fetched per message.
type Envelope struct {
	MessageID string
	UID       uint32

	Subject      string
	From         string
	Participants []string
	Date         time.Time
	Size         int64

	HasAttachments bool

	Flags flags.Set

	InReplyTo  string
	References []string
}

// FetchOptions controls a batched envelope fetch.
type FetchOptions struct {
	// BatchSize is envelopes per server round trip; 0 uses the default.
	BatchSize int

	// MaxMessages caps the total stream; 0 streams the whole folder.
	MaxMessages int
}

const defaultBatchSize = 200

// Batch is one chunk of the envelope stream. A non-nil Err terminates the
// stream; the channel is closed after it.
type Batch struct {
	Envelopes []Envelope
	Err       error
}

// refsSection fetches only the References header; the envelope carries
// everything else we need.
var refsSection = &imap.FetchItemBodySection{
	Specifier:    imap.PartSpecifierHeader,
	HeaderFields: []string{"References"},
	Peek:         true,
}

// Fetch streams the folder's envelopes newest-first in UID batches. The
// stream is restartable from the top at any time; callers dedupe through the
// cache upsert rather than tracking positions here.
func (s *Session) Fetch(ctx context.Context, folder string, opts FetchOptions) (<-chan Batch, error) {
	client, err := s.selectFolder(ctx, folder)
	if err != nil {
		return nil, err
	}

	var searchData *imap.SearchData
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		var err error
		searchData, err = client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		return err
	}); err != nil {
		return nil, s.classify("search "+folder, err)
	}
	uids := searchData.AllUIDs()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if opts.MaxMessages > 0 && len(uids) > opts.MaxMessages {
		uids = uids[len(uids)-opts.MaxMessages:]
	}

	out := make(chan Batch, 1)
	s.setStatus(model.StatusSyncing)
	go func() {
		defer close(out)
		defer s.setStatusFrom(model.StatusSyncing, model.StatusConnected)

		// AllUIDs returns ascending order; walk from the tail so recent
		// mail lands in the cache first.
		for end := len(uids); end > 0; end -= batchSize {
			start := end - batchSize
			if start < 0 {
				start = 0
			}

			envs, err := s.fetchEnvelopes(ctx, client, folder, uids[start:end])
			if err != nil {
				out <- Batch{Err: err}
				return
			}

			select {
			case out <- Batch{Envelopes: envs}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *Session) fetchEnvelopes(ctx context.Context, client *imapclient.Client, folder string, uids []imap.UID) ([]Envelope, error) {
	var envs []Envelope
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
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
			envs = append(envs, envelopeFromBuffer(buf))
		}
		return fetchCmd.Close()
	}); err != nil {
		return nil, s.classify("fetch "+folder, err)
	}
	return envs, nil
}

// FetchBody fetches and parses the full body of one message. The body is
// fetched with peek so reading mail locally never flips \Seen behind the
// user's back.
func (s *Session) FetchBody(ctx context.Context, folder string, uid uint32) (*model.MessageBody, error) {
	client, err := s.selectFolder(ctx, folder)
	if err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	var buf *imapclient.FetchMessageBuffer
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		fetchCmd := client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
			Envelope:    true,
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{bodySection},
		})
		msg := fetchCmd.Next()
		if msg != nil {
			b, err := msg.Collect()
			if err != nil {
				_ = fetchCmd.Close()
				return err
			}
			buf = b
		}
		return fetchCmd.Close()
	}); err != nil {
		return nil, s.classify("fetch body", err)
	}
	if buf == nil {
		return nil, &ProtocolError{Op: "fetch body", Err: errUIDNotFound(uid)}
	}

	body := &model.MessageBody{}
	if buf.Envelope != nil {
		body.MessageID = normalizeMessageID(buf.Envelope.MessageID)
	}
	if raw := buf.FindBodySection(bodySection); raw != nil {
		body.Text, body.HTML, body.Attachments = parseMIMEBody(raw)
	}
	return body, nil
}

// SetFlags applies the masked flag values to one message, issuing a store
// per direction. Both stores are silent; confirmation comes back through the
// reconcile path, not unsolicited fetches.
func (s *Session) SetFlags(ctx context.Context, folder string, uid uint32, values, mask flags.Set) error {
	client, err := s.selectFolder(ctx, folder)
	if err != nil {
		return err
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))

	if add := values & mask; add != 0 {
		if err := bounded(ctx, client, s.commandTimeout(), func() error {
			return client.Store(uidSet, &imap.StoreFlags{
				Op:     imap.StoreFlagsAdd,
				Silent: true,
				Flags:  add.ToIMAP(),
			}, nil).Close()
		}); err != nil {
			return s.classify("store +flags", err)
		}
	}
	if del := mask &^ values; del != 0 {
		if err := bounded(ctx, client, s.commandTimeout(), func() error {
			return client.Store(uidSet, &imap.StoreFlags{
				Op:     imap.StoreFlagsDel,
				Silent: true,
				Flags:  del.ToIMAP(),
			}, nil).Close()
		}); err != nil {
			return s.classify("store -flags", err)
		}
	}
	return nil
}

// Move moves one message to the target mailbox and returns its UID there,
// taken from the COPYUID response. Servers without UIDPLUS report no mapping;
// the returned UID is then 0 and the caller must re-resolve it before
// addressing the message again. The target is taken literally; no fallback
// folders are tried.
func (s *Session) Move(ctx context.Context, folder string, uid uint32, target string) (uint32, error) {
	client, err := s.selectFolder(ctx, folder)
	if err != nil {
		return 0, err
	}

	var data *imapclient.MoveData
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		var err error
		data, err = client.Move(imap.UIDSetNum(imap.UID(uid)), target).Wait()
		return err
	}); err != nil {
		return 0, s.classify("move to "+target, err)
	}

	return destUID(data), nil
}

// destUID extracts the single destination UID from a COPYUID mapping, or 0
// when the server reported none.
func destUID(data *imapclient.MoveData) uint32 {
	if data == nil {
		return 0
	}
	uids, ok := data.DestUIDs.(imap.UIDSet)
	if !ok {
		return 0
	}
	nums, ok := uids.Nums()
	if !ok || len(nums) != 1 {
		return 0
	}
	return uint32(nums[0])
}

// FindUID locates a message in a folder by its Message-ID header. Returns 0
// when the folder holds no such message.
func (s *Session) FindUID(ctx context.Context, folder, messageID string) (uint32, error) {
	client, err := s.selectFolder(ctx, folder)
	if err != nil {
		return 0, err
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-Id", Value: "<" + messageID + ">"},
		},
	}
	var data *imap.SearchData
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		var err error
		data, err = client.UIDSearch(criteria, nil).Wait()
		return err
	}); err != nil {
		return 0, s.classify("search message-id", err)
	}

	uids := data.AllUIDs()
	if len(uids) == 0 {
		return 0, nil
	}
	return uint32(uids[len(uids)-1]), nil
}

// Delete flags one message \Deleted and expunges it. With UIDPLUS only the
// target UID is expunged; otherwise the expunge is mailbox-wide and may sweep
// up messages other clients flagged.
func (s *Session) Delete(ctx context.Context, folder string, uid uint32) error {
	client, err := s.selectFolder(ctx, folder)
	if err != nil {
		return err
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))
	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		return client.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil).Close()
	}); err != nil {
		return s.classify("store \\Deleted", err)
	}

	if err := bounded(ctx, client, s.commandTimeout(), func() error {
		if supportsUIDExpunge(client.Caps()) {
			return client.UIDExpunge(uidSet).Close()
		}
		return client.Expunge().Close()
	}); err != nil {
		return s.classify("expunge", err)
	}
	return nil
}

func supportsUIDExpunge(caps imap.CapSet) bool {
	return caps.Has(imap.CapUIDPlus) || caps.Has(imap.CapIMAP4rev2)
}

func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID:   uint32(buf.UID),
		Size:  buf.RFC822Size,
		Flags: flags.FromIMAP(buf.Flags),
	}

	if buf.Envelope != nil {
		env.MessageID = normalizeMessageID(buf.Envelope.MessageID)
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date
		if len(buf.Envelope.InReplyTo) > 0 {
			env.InReplyTo = normalizeMessageID(buf.Envelope.InReplyTo[0])
		}

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				env.From = from.Name
			} else {
				env.From = from.Addr()
			}
		}
		for _, a := range buf.Envelope.From {
			env.Participants = appendUnique(env.Participants, a.Addr())
		}
		for _, a := range buf.Envelope.To {
			env.Participants = appendUnique(env.Participants, a.Addr())
		}
		for _, a := range buf.Envelope.Cc {
			env.Participants = appendUnique(env.Participants, a.Addr())
		}
	}

	if buf.BodyStructure != nil {
		env.HasAttachments = hasAttachments(buf.BodyStructure)
	}

	if raw := buf.FindBodySection(refsSection); raw != nil {
		env.References = parseReferences(raw)
	}

	return env
}

func hasAttachments(bs imap.BodyStructure) bool {
	found := false
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		if disp := part.Disposition(); disp != nil && strings.EqualFold(disp.Value, "attachment") {
			found = true
			return false
		}
		return true
	})
	return found
}

// parseReferences extracts message ids from a raw References header block.
func parseReferences(raw []byte) []string {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	header, err := tp.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return nil
	}

	var refs []string
	for _, token := range strings.Fields(header.Get("References")) {
		if id := normalizeMessageID(token); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

// normalizeMessageID strips the angle brackets message id headers carry on
// the wire.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

func appendUnique(list []string, addr string) []string {
	if addr == "" {
		return list
	}
	for _, existing := range list {
		if existing == addr {
			return list
		}
	}
	return append(list, addr)
}
