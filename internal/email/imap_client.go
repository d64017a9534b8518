package email

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/pkg/types"
)

const (
	// commandTimeout bounds every non-IDLE command
	commandTimeout = 2 * time.Minute
	// idlePollInterval is used when the server has no IDLE capability
	idlePollInterval = time.Minute
	updateBuffer     = 64
)

func init() {
	imap.CharsetReader = charset.Reader
}

// messageIDSection fetches only the Message-ID header without setting \Seen
var messageIDSection = &imap.BodySectionName{
	BodyPartName: imap.BodyPartName{
		Specifier: imap.HeaderSpecifier,
		Fields:    []string{"Message-ID"},
	},
	Peek: true,
}

// rawSection fetches the whole message without setting \Seen
var rawSection = &imap.BodySectionName{Peek: true}

// IMAPDialer connects and authenticates IMAP sessions for one account
type IMAPDialer struct {
	config *config.AccountConfig
	logger *logrus.Logger
}

// NewIMAPDialer creates a dialer (does not connect immediately)
func NewIMAPDialer(cfg *config.AccountConfig, logger *logrus.Logger) *IMAPDialer {
	return &IMAPDialer{config: cfg, logger: logger}
}

// ctxDialer adapts a context-aware net.Dialer to go-imap's Dialer interface
type ctxDialer struct {
	ctx    context.Context
	dialer *net.Dialer
}

func (d ctxDialer) Dial(network, addr string) (net.Conn, error) {
	return d.dialer.DialContext(d.ctx, network, addr)
}

// Dial establishes a connection to the IMAP server and logs in
func (d *IMAPDialer) Dial(ctx context.Context, watch bool) (Session, error) {
	log := d.logger.WithFields(logrus.Fields{
		"account": d.config.Name,
		"host":    d.config.IMAPHost,
	})

	dialer := ctxDialer{ctx: ctx, dialer: &net.Dialer{Timeout: d.config.DialTimeout}}
	addr := d.config.Address()

	var (
		cl  *client.Client
		err error
	)
	if d.config.UseTLS {
		cl, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{
			ServerName: d.config.IMAPHost,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		cl, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	cl.ErrorLog = log
	cl.Timeout = commandTimeout

	s := &imapSession{
		client: cl,
		logger: log,
		signal: make(chan struct{}, 1),
	}
	if watch {
		updates := make(chan client.Update, updateBuffer)
		cl.Updates = updates
		go s.forwardUpdates(updates)
	}

	stop := context.AfterFunc(ctx, func() { cl.Terminate() }) //nolint:errcheck
	err = cl.Login(d.config.IMAPUsername, d.config.IMAPPassword)
	stop()
	if err != nil {
		log.WithError(err).Error("Failed to login to IMAP server")
		cl.Terminate() //nolint:errcheck
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	log.Debug("Connected to IMAP server")
	return s, nil
}

// imapSession implements Session over one go-imap client connection
type imapSession struct {
	client *client.Client
	logger *logrus.Entry

	mu      sync.Mutex
	pending []Update
	signal  chan struct{}

	closeOnce sync.Once
	closed    bool
}

// forwardUpdates drains go-imap's update channel into the pending queue so the
// reader goroutine never blocks on us
func (s *imapSession) forwardUpdates(updates <-chan client.Update) {
	for {
		select {
		case u := <-updates:
			if upd, ok := convertUpdate(u); ok {
				s.enqueue(upd)
			}
		case <-s.client.LoggedOut():
			return
		}
	}
}

func convertUpdate(u client.Update) (Update, bool) {
	switch u := u.(type) {
	case *client.MailboxUpdate:
		return Update{Kind: UpdateExists, Messages: u.Mailbox.Messages}, true
	case *client.MessageUpdate:
		return Update{
			Kind:   UpdateFlags,
			SeqNum: u.Message.SeqNum,
			UID:    u.Message.Uid,
			Flags:  u.Message.Flags,
		}, true
	case *client.ExpungeUpdate:
		return Update{Kind: UpdateExpunge, SeqNum: u.SeqNum}, true
	default:
		return Update{}, false
	}
}

func (s *imapSession) enqueue(u Update) {
	s.mu.Lock()
	s.pending = append(s.pending, u)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// DrainUpdates returns and clears queued push notifications
func (s *imapSession) DrainUpdates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *imapSession) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Alive reports whether the connection is still usable
func (s *imapSession) Alive() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-s.client.LoggedOut():
		return false
	default:
	}
	return s.client.State() != imap.LogoutState
}

// run executes one command, terminating the connection if ctx ends first
func (s *imapSession) run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Alive() {
		return ErrSessionClosed
	}

	stop := context.AfterFunc(ctx, func() { s.client.Terminate() }) //nolint:errcheck
	err := fn()
	stop()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// ListMailboxes lists all mailboxes/folders
func (s *imapSession) ListMailboxes(ctx context.Context) ([]MailboxInfo, error) {
	var folders []MailboxInfo
	err := s.run(ctx, func() error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- s.client.List("", "*", mailboxes)
		}()

		for m := range mailboxes {
			folders = append(folders, MailboxInfo{
				Name:       m.Name,
				Delimiter:  m.Delimiter,
				Attributes: m.Attributes,
			})
		}
		return <-done
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// Select opens a folder in the given mode
func (s *imapSession) Select(ctx context.Context, name string, mode Mode) (*MailboxStatus, error) {
	var mbox *imap.MailboxStatus
	err := s.run(ctx, func() error {
		var err error
		mbox, err = s.client.Select(name, mode == ReadOnly)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", name, err)
	}
	return &MailboxStatus{
		Name:        mbox.Name,
		ReadOnly:    mbox.ReadOnly,
		Messages:    mbox.Messages,
		UIDNext:     mbox.UidNext,
		UIDValidity: mbox.UidValidity,
	}, nil
}

// Unselect closes the selected folder without expunging. Servers without UNSELECT
// get CLOSE for read-only selections; a read-write selection is left open because
// CLOSE would expunge it, and the next SELECT replaces it anyway.
func (s *imapSession) Unselect(ctx context.Context) error {
	mbox := s.client.Mailbox()
	if mbox == nil {
		return nil
	}
	err := s.run(ctx, func() error {
		err := s.client.Unselect()
		if errors.Is(err, client.ErrExtensionUnsupported) {
			if mbox.ReadOnly {
				return s.client.Close()
			}
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to close folder: %w", err)
	}
	return nil
}

// Rename renames a folder on the server
func (s *imapSession) Rename(ctx context.Context, from, to string) error {
	err := s.run(ctx, func() error {
		return s.client.Rename(from, to)
	})
	if err != nil {
		return fmt.Errorf("failed to rename folder %s: %w", from, err)
	}
	return nil
}

func (s *imapSession) requireSelected() error {
	if s.client.Mailbox() == nil {
		return ErrNoFolderSelected
	}
	return nil
}

// SearchUIDs returns the UIDs >= from in ascending order
func (s *imapSession) SearchUIDs(ctx context.Context, from uint32) ([]uint32, error) {
	if err := s.requireSelected(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	if from > 1 {
		set := new(imap.SeqSet)
		set.AddRange(from, 0)
		criteria.Uid = set
	}

	var uids []uint32
	err := s.run(ctx, func() error {
		var err error
		uids, err = s.client.UidSearch(criteria)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	// "n:*" always matches the highest UID, even when it is below n
	out := uids[:0]
	for _, uid := range uids {
		if uid >= from {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// uidFetch runs a UID FETCH and calls fn for every returned message
func (s *imapSession) uidFetch(ctx context.Context, uids []uint32, items []imap.FetchItem, fn func(*imap.Message)) error {
	if err := s.requireSelected(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	set := new(imap.SeqSet)
	set.AddNum(uids...)

	return s.run(ctx, func() error {
		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- s.client.UidFetch(set, items, messages)
		}()

		for msg := range messages {
			fn(msg)
		}
		return <-done
	})
}

// FetchEnvelopes fetches the metadata needed to upsert messages
func (s *imapSession) FetchEnvelopes(ctx context.Context, uids []uint32) ([]types.Envelope, error) {
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchUid,
		imap.FetchBodyStructure,
		messageIDSection.FetchItem(),
	}

	var envelopes []types.Envelope
	err := s.uidFetch(ctx, uids, items, func(msg *imap.Message) {
		if msg.Envelope == nil {
			s.logger.WithField("uid", msg.Uid).Warn("Message without envelope")
			return
		}
		envelopes = append(envelopes, s.parseEnvelope(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch envelopes: %w", err)
	}
	return envelopes, nil
}

// parseEnvelope converts an IMAP message into our Envelope type
func (s *imapSession) parseEnvelope(msg *imap.Message) types.Envelope {
	env := types.Envelope{
		UID:       msg.Uid,
		MessageID: strings.TrimSpace(msg.Envelope.MessageId),
		Subject:   msg.Envelope.Subject,
		Date:      msg.Envelope.Date,
		Flags:     msg.Flags,
		From:      convertAddresses(msg.Envelope.From),
		To:        convertAddresses(msg.Envelope.To),
		Cc:        convertAddresses(msg.Envelope.Cc),
		Bcc:       convertAddresses(msg.Envelope.Bcc),
	}
	if env.Date.IsZero() {
		env.Date = msg.InternalDate
	}

	// The header value is authoritative; some servers mangle the envelope copy
	if literal := msg.GetBody(messageIDSection); literal != nil {
		header, err := textproto.ReadHeader(bufio.NewReader(literal))
		if err != nil {
			s.logger.WithError(err).WithField("uid", msg.Uid).Debug("Failed to parse Message-ID header")
		} else if id := strings.TrimSpace(header.Get("Message-Id")); id != "" {
			env.MessageID = id
		}
	}
	return env
}

func convertAddresses(in []*imap.Address) []types.Address {
	out := make([]types.Address, 0, len(in))
	for _, a := range in {
		if a == nil || a.MailboxName == "" {
			continue
		}
		out = append(out, types.Address{
			PersonalName: a.PersonalName,
			Address:      a.Address(),
		})
	}
	return out
}

// FetchFlags fetches only the flags of the given UIDs
func (s *imapSession) FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]string, error) {
	flags := make(map[uint32][]string, len(uids))
	err := s.uidFetch(ctx, uids, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, func(msg *imap.Message) {
		flags[msg.Uid] = msg.Flags
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}
	return flags, nil
}

// FetchRaw fetches the full message bytes with BODY.PEEK[]
func (s *imapSession) FetchRaw(ctx context.Context, uid uint32) ([]byte, []string, error) {
	var (
		raw     []byte
		flags   []string
		found   bool
		readErr error
	)
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, rawSection.FetchItem()}
	err := s.uidFetch(ctx, []uint32{uid}, items, func(msg *imap.Message) {
		if msg.Uid != uid {
			return
		}
		found = true
		flags = msg.Flags
		if literal := msg.GetBody(rawSection); literal != nil {
			raw, readErr = io.ReadAll(literal)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if !found || raw == nil {
		return nil, nil, fmt.Errorf("uid %d: %w", uid, ErrMessageNotFound)
	}
	if readErr != nil {
		return nil, nil, fmt.Errorf("failed to read message %d: %w", uid, readErr)
	}
	return raw, flags, nil
}

// ResolveUID maps a sequence number in the selected folder to its UID
func (s *imapSession) ResolveUID(ctx context.Context, seqNum uint32) (uint32, error) {
	if err := s.requireSelected(); err != nil {
		return 0, err
	}

	set := new(imap.SeqSet)
	set.AddNum(seqNum)

	var uid uint32
	err := s.run(ctx, func() error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- s.client.Fetch(set, []imap.FetchItem{imap.FetchUid}, messages)
		}()
		for msg := range messages {
			uid = msg.Uid
		}
		return <-done
	})
	if err != nil {
		return 0, fmt.Errorf("failed to resolve sequence number %d: %w", seqNum, err)
	}
	if uid == 0 {
		return 0, fmt.Errorf("sequence number %d: %w", seqNum, ErrMessageNotFound)
	}
	return uid, nil
}

// FindUIDByMessageID searches the selected folder by Message-ID header and returns the
// highest matching UID
func (s *imapSession) FindUIDByMessageID(ctx context.Context, messageID string) (uint32, error) {
	if err := s.requireSelected(); err != nil {
		return 0, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", messageID)

	var uids []uint32
	err := s.run(ctx, func() error {
		var err error
		uids, err = s.client.UidSearch(criteria)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to search by Message-ID: %w", err)
	}

	var best uint32
	for _, uid := range uids {
		if uid > best {
			best = uid
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("message-id %s: %w", messageID, ErrMessageNotFound)
	}
	return best, nil
}

// StoreFlags adds or removes flags on one message silently
func (s *imapSession) StoreFlags(ctx context.Context, uid uint32, add bool, flags ...string) error {
	if err := s.requireSelected(); err != nil {
		return err
	}

	op := imap.FlagsOp(imap.RemoveFlags)
	if add {
		op = imap.AddFlags
	}
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}

	set := new(imap.SeqSet)
	set.AddNum(uid)

	err := s.run(ctx, func() error {
		return s.client.UidStore(set, imap.FormatFlagsOp(op, true), values, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to store flags on %d: %w", uid, err)
	}
	return nil
}

// Move moves one message to dest. go-imap falls back to COPY + \Deleted + EXPUNGE
// when the server lacks MOVE.
func (s *imapSession) Move(ctx context.Context, uid uint32, dest string) error {
	if err := s.requireSelected(); err != nil {
		return err
	}

	set := new(imap.SeqSet)
	set.AddNum(uid)

	err := s.run(ctx, func() error {
		return s.client.UidMove(set, dest)
	})
	if err != nil {
		return fmt.Errorf("failed to move message %d to %s: %w", uid, dest, err)
	}
	return nil
}

// Noop polls the server, which also flushes pending unsolicited responses
func (s *imapSession) Noop(ctx context.Context) error {
	err := s.run(ctx, func() error {
		return s.client.Noop()
	})
	if err != nil {
		return fmt.Errorf("failed to poll server: %w", err)
	}
	return nil
}

// Idle blocks in IDLE until an update is queued, timeout elapses, or ctx ends
func (s *imapSession) Idle(ctx context.Context, timeout time.Duration) error {
	if err := s.requireSelected(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Alive() {
		return ErrSessionClosed
	}

	// A stale signal for updates that were already drained would end IDLE at once
	if !s.hasPending() {
		select {
		case <-s.signal:
		default:
		}
	}
	if s.hasPending() {
		return nil
	}

	// The per-command deadline would otherwise cut the IDLE short
	s.client.Timeout = 0
	defer func() { s.client.Timeout = commandTimeout }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.client.Idle(stop, &client.IdleOptions{PollInterval: idlePollInterval})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("idle failed: %w", err)
		}
		return nil
	case <-s.signal:
	case <-timer.C:
	case <-ctx.Done():
	}

	close(stop)

	var err error
	select {
	case err = <-done:
	case <-time.After(commandTimeout):
		s.client.Terminate() //nolint:errcheck
		err = <-done
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("idle failed: %w", err)
	}
	return nil
}

// Close logs out, dropping the connection if the server does not answer
func (s *imapSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		select {
		case <-s.client.LoggedOut():
			return
		default:
		}
		if logoutErr := s.client.Logout(); logoutErr != nil && !errors.Is(logoutErr, client.ErrAlreadyLoggedOut) {
			s.client.Terminate() //nolint:errcheck
			err = fmt.Errorf("failed to logout: %w", logoutErr)
		}
	})
	return err
}
