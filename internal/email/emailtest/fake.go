// Package emailtest provides an in-memory mail server implementing email.Session for tests.
package emailtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/pkg/types"
)

// ErrDialRefused is returned by a Server configured to fail dials
var ErrDialRefused = errors.New("emailtest: dial refused")

// Message is one message stored on the fake server
type Message struct {
	Envelope types.Envelope
	Raw      []byte
}

type folder struct {
	messages    map[uint32]*Message
	nextUID     uint32
	uidValidity uint32
}

// Server is an in-memory mail server. All methods are safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	folders  map[string]*folder
	sessions []*Session

	failDials    int
	fetchSetSeen bool
	validity     uint32
	fetchHook    func(uid uint32)

	Dials      atomic.Int64
	RawFetches atomic.Int64
	// EnvelopeFetches counts UIDs requested through FetchEnvelopes
	EnvelopeFetches atomic.Int64
}

// NewServer creates a server with the given folders
func NewServer(paths ...string) *Server {
	s := &Server{folders: make(map[string]*folder)}
	for _, p := range paths {
		s.AddFolder(p)
	}
	return s
}

// AddFolder creates an empty folder
func (s *Server) AddFolder(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[path]; !ok {
		s.folders[path] = s.newFolderLocked()
	}
}

func (s *Server) newFolderLocked() *folder {
	s.validity++
	return &folder{messages: make(map[uint32]*Message), nextUID: 1, uidValidity: s.validity}
}

// RecreateFolder replaces a folder with an empty one under a new UIDVALIDITY,
// like a delete followed by a create of the same name
func (s *Server) RecreateFolder(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[path] = s.newFolderLocked()
}

// UIDValidity returns the current UIDVALIDITY of a folder
func (s *Server) UIDValidity(path string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[path]; ok {
		return f.uidValidity
	}
	return 0
}

// RenameFolder renames a folder and its children
func (s *Server) RenameFolder(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renameLocked(from, to)
}

func (s *Server) renameLocked(from, to string) error {
	f, ok := s.folders[from]
	if !ok {
		return fmt.Errorf("NO no such folder %s", from)
	}
	if _, exists := s.folders[to]; exists {
		return fmt.Errorf("NO folder %s exists", to)
	}
	delete(s.folders, from)
	s.folders[to] = f
	for path, child := range s.folders {
		if strings.HasPrefix(path, from+"/") {
			delete(s.folders, path)
			s.folders[to+strings.TrimPrefix(path, from)] = child
		}
	}
	return nil
}

// DeleteFolder removes a folder and its messages
func (s *Server) DeleteFolder(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders, path)
}

// FailDials makes the next n dials fail
func (s *Server) FailDials(n int) {
	s.mu.Lock()
	s.failDials = n
	s.mu.Unlock()
}

// SetFetchHook installs fn to run at the start of every raw fetch, outside the
// server lock, so tests can hold a fetch in flight
func (s *Server) SetFetchHook(fn func(uid uint32)) {
	s.mu.Lock()
	s.fetchHook = fn
	s.mu.Unlock()
}

// SetSeenOnFetch makes raw fetches set \Seen, like servers that ignore PEEK
func (s *Server) SetSeenOnFetch(v bool) {
	s.mu.Lock()
	s.fetchSetSeen = v
	s.mu.Unlock()
}

// Deliver appends a message to a folder, assigns its UID and notifies watchers
func (s *Server) Deliver(path string, msg Message) uint32 {
	s.mu.Lock()
	f := s.folders[path]
	uid := f.nextUID
	f.nextUID++
	m := msg
	m.Envelope.UID = uid
	m.Envelope.Flags = append([]string(nil), msg.Envelope.Flags...)
	f.messages[uid] = &m
	count := uint32(len(f.messages))
	watchers := s.watchersLocked(path)
	s.mu.Unlock()

	for _, w := range watchers {
		w.push(email.Update{Kind: email.UpdateExists, Messages: count})
	}
	return uid
}

// Expunge removes a message from a folder without notifying watchers
func (s *Server) Expunge(path string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders[path].messages, uid)
}

// SetFlags replaces the flags of a message and notifies watchers
func (s *Server) SetFlags(path string, uid uint32, flags ...string) {
	s.mu.Lock()
	f := s.folders[path]
	f.messages[uid].Envelope.Flags = append([]string(nil), flags...)
	seq := f.seqOf(uid)
	watchers := s.watchersLocked(path)
	s.mu.Unlock()

	for _, w := range watchers {
		w.push(email.Update{Kind: email.UpdateFlags, SeqNum: seq, UID: uid, Flags: flags})
	}
}

// Flags returns the current flags of a message
func (s *Server) Flags(path string, uid uint32) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.folders[path].messages[uid]
	if !ok {
		return nil
	}
	return append([]string(nil), m.Envelope.Flags...)
}

// UIDs returns the UIDs of a folder in ascending order
func (s *Server) UIDs(path string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folders[path].sortedUIDs()
}

// Folders returns all folder paths
func (s *Server) Folders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.folders))
	for p := range s.folders {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s *Server) watchersLocked(path string) []*Session {
	var out []*Session
	for _, sess := range s.sessions {
		if sess.watch && sess.selected == path && !sess.closed.Load() {
			out = append(out, sess)
		}
	}
	return out
}

func (f *folder) sortedUIDs() []uint32 {
	uids := make([]uint32, 0, len(f.messages))
	for uid := range f.messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (f *folder) seqOf(uid uint32) uint32 {
	for i, u := range f.sortedUIDs() {
		if u == uid {
			return uint32(i + 1)
		}
	}
	return 0
}

// Dial implements email.Dialer
func (s *Server) Dial(ctx context.Context, watch bool) (email.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.Dials.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDials > 0 {
		s.failDials--
		return nil, ErrDialRefused
	}
	sess := &Session{server: s, watch: watch, signal: make(chan struct{}, 1)}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

// Sessions returns every session dialed so far
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Session(nil), s.sessions...)
}

// Session is one fake protocol session
type Session struct {
	server *Server
	watch  bool

	// selected and mode are guarded by server.mu
	selected string
	mode     email.Mode

	pendingMu sync.Mutex
	pending   []email.Update
	signal    chan struct{}

	closed atomic.Bool
	broken atomic.Bool

	Selects   atomic.Int64
	Unselects atomic.Int64
}

// Break makes every further command fail as if the connection dropped
func (s *Session) Break() {
	s.broken.Store(true)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Selected returns the currently selected folder, if any
func (s *Session) Selected() string {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	return s.selected
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	return s.closed.Load()
}

func (s *Session) push(u email.Update) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, u)
	s.pendingMu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() || s.broken.Load() {
		return email.ErrSessionClosed
	}
	return nil
}

// selectedFolder returns the selected folder; called with server.mu held
func (s *Session) selectedFolder() (*folder, error) {
	if s.selected == "" {
		return nil, email.ErrNoFolderSelected
	}
	f, ok := s.server.folders[s.selected]
	if !ok {
		return nil, fmt.Errorf("folder %s vanished", s.selected)
	}
	return f, nil
}

func (s *Session) ListMailboxes(ctx context.Context) ([]email.MailboxInfo, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var out []email.MailboxInfo
	for _, p := range s.server.Folders() {
		out = append(out, email.MailboxInfo{Name: p, Delimiter: "/"})
	}
	return out, nil
}

func (s *Session) Select(ctx context.Context, name string, mode email.Mode) (*email.MailboxStatus, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, ok := s.server.folders[name]
	if !ok {
		return nil, fmt.Errorf("NO no such folder %s", name)
	}
	s.selected = name
	s.mode = mode
	s.Selects.Add(1)
	return &email.MailboxStatus{
		Name:        name,
		ReadOnly:    mode == email.ReadOnly,
		Messages:    uint32(len(f.messages)),
		UIDNext:     f.nextUID,
		UIDValidity: f.uidValidity,
	}, nil
}

func (s *Session) Unselect(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.server.mu.Lock()
	s.selected = ""
	s.server.mu.Unlock()
	s.Unselects.Add(1)
	return nil
}

func (s *Session) Rename(ctx context.Context, from, to string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.server.RenameFolder(from, to)
}

func (s *Session) SearchUIDs(ctx context.Context, from uint32) ([]uint32, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, err := s.selectedFolder()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, uid := range f.sortedUIDs() {
		if uid >= from {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (s *Session) FetchEnvelopes(ctx context.Context, uids []uint32) ([]types.Envelope, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.server.EnvelopeFetches.Add(int64(len(uids)))
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, err := s.selectedFolder()
	if err != nil {
		return nil, err
	}
	var out []types.Envelope
	for _, uid := range uids {
		if m, ok := f.messages[uid]; ok {
			env := m.Envelope
			env.Flags = append([]string(nil), m.Envelope.Flags...)
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *Session) FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, err := s.selectedFolder()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32][]string, len(uids))
	for _, uid := range uids {
		if m, ok := f.messages[uid]; ok {
			out[uid] = append([]string(nil), m.Envelope.Flags...)
		}
	}
	return out, nil
}

func (s *Session) FetchRaw(ctx context.Context, uid uint32) ([]byte, []string, error) {
	if err := s.check(ctx); err != nil {
		return nil, nil, err
	}
	s.server.RawFetches.Add(1)
	s.server.mu.Lock()
	hook := s.server.fetchHook
	s.server.mu.Unlock()
	if hook != nil {
		hook(uid)
	}

	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, err := s.selectedFolder()
	if err != nil {
		return nil, nil, err
	}
	m, ok := f.messages[uid]
	if !ok {
		return nil, nil, fmt.Errorf("uid %d: %w", uid, email.ErrMessageNotFound)
	}
	flags := append([]string(nil), m.Envelope.Flags...)
	if s.server.fetchSetSeen && !email.HasFlag(m.Envelope.Flags, email.SeenFlag) {
		m.Envelope.Flags = append(m.Envelope.Flags, email.SeenFlag)
	}
	return append([]byte(nil), m.Raw...), flags, nil
}

func (s *Session) ResolveUID(ctx context.Context, seqNum uint32) (uint32, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, err := s.selectedFolder()
	if err != nil {
		return 0, err
	}
	uids := f.sortedUIDs()
	if seqNum == 0 || int(seqNum) > len(uids) {
		return 0, fmt.Errorf("sequence number %d: %w", seqNum, email.ErrMessageNotFound)
	}
	return uids[seqNum-1], nil
}

func (s *Session) FindUIDByMessageID(ctx context.Context, messageID string) (uint32, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, err := s.selectedFolder()
	if err != nil {
		return 0, err
	}
	var best uint32
	for uid, m := range f.messages {
		if m.Envelope.MessageID == messageID && uid > best {
			best = uid
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("message-id %s: %w", messageID, email.ErrMessageNotFound)
	}
	return best, nil
}

func (s *Session) StoreFlags(ctx context.Context, uid uint32, add bool, flags ...string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, err := s.selectedFolder()
	if err != nil {
		return err
	}
	m, ok := f.messages[uid]
	if !ok {
		return fmt.Errorf("uid %d: %w", uid, email.ErrMessageNotFound)
	}
	for _, flag := range flags {
		has := email.HasFlag(m.Envelope.Flags, flag)
		switch {
		case add && !has:
			m.Envelope.Flags = append(m.Envelope.Flags, flag)
		case !add && has:
			kept := m.Envelope.Flags[:0]
			for _, existing := range m.Envelope.Flags {
				if !strings.EqualFold(existing, flag) {
					kept = append(kept, existing)
				}
			}
			m.Envelope.Flags = kept
		}
	}
	return nil
}

func (s *Session) Move(ctx context.Context, uid uint32, dest string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	f, err := s.selectedFolder()
	if err != nil {
		return err
	}
	target, ok := s.server.folders[dest]
	if !ok {
		return fmt.Errorf("NO no such folder %s", dest)
	}
	m, ok := f.messages[uid]
	if !ok {
		return fmt.Errorf("uid %d: %w", uid, email.ErrMessageNotFound)
	}
	delete(f.messages, uid)
	newUID := target.nextUID
	target.nextUID++
	m.Envelope.UID = newUID
	target.messages[newUID] = m
	return nil
}

func (s *Session) Idle(ctx context.Context, timeout time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.pendingMu.Lock()
	n := len(s.pending)
	s.pendingMu.Unlock()
	if n > 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.signal:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.check(ctx)
}

func (s *Session) DrainUpdates() []email.Update {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *Session) Noop(ctx context.Context) error {
	return s.check(ctx)
}

func (s *Session) Alive() bool {
	return !s.closed.Load() && !s.broken.Load()
}

func (s *Session) Close() error {
	s.closed.Store(true)
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}
