package imapsync

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/oauth"
	"github.com/nhle/mailsync/internal/store"
)

// TLSDialer opens real IMAP sessions over TLS per the account's
// connection parameters. Timeout bounds the dial, the TLS handshake,
// and every subsequent command on the session; zero means unbounded.
type TLSDialer struct {
	Timeout time.Duration
}

// Dial connects, secures, and authenticates a session. Dial failures
// wrap model.ErrConnectionFailed; rejected logins wrap
// model.ErrAuthenticationFailed.
func (d TLSDialer) Dial(ctx context.Context, params model.ConnectionParams) (Session, error) {
	addr := fmt.Sprintf("%s:%d", params.IMAPHost, params.IMAPPort)

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	tlsConfig := &tls.Config{ServerName: params.IMAPHost}

	var conn net.Conn
	var client *imapclient.Client
	var err error

	if params.IMAPTLSMode == model.TLSModeStartTLS {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err == nil {
			if d.Timeout > 0 {
				conn.SetDeadline(time.Now().Add(d.Timeout))
			}
			client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
			if err == nil {
				conn.SetDeadline(time.Time{})
			}
		}
	} else {
		conn, err = (&tls.Dialer{Config: tlsConfig}).DialContext(ctx, "tcp", addr)
		if err == nil {
			client = imapclient.New(conn, nil)
		}
	}
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, fmt.Errorf("connecting to IMAP %s: %v: %w", addr, err, model.ErrConnectionFailed)
	}

	sess := &imapSession{client: client, conn: conn, timeout: d.Timeout}

	switch params.AuthMode {
	case model.AuthModeOAuth2:
		done := sess.armDeadline()
		err = client.Authenticate(oauth.NewXOAuth2(params.Address, params.AccessToken))
		done()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("XOAUTH2 for %s: %v: %w", params.Address, err, model.ErrAuthenticationFailed)
		}
	default:
		done := sess.armDeadline()
		err = client.Login(params.Address, params.Password).Wait()
		done()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("login for %s: %v: %w", params.Address, err, model.ErrAuthenticationFailed)
		}
	}

	return sess, nil
}

// imapSession wraps go-imap v2 as a Session. Each command runs under a
// connection deadline so a stalled server cannot wedge a sync worker.
type imapSession struct {
	client  *imapclient.Client
	conn    net.Conn
	timeout time.Duration
}

// armDeadline sets the connection deadline for one command; the
// returned func clears it again.
func (s *imapSession) armDeadline() func() {
	if s.timeout <= 0 {
		return func() {}
	}
	s.conn.SetDeadline(time.Now().Add(s.timeout))
	return func() { s.conn.SetDeadline(time.Time{}) }
}

func (s *imapSession) ListFolders(ctx context.Context) ([]store.FolderListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.armDeadline()()

	boxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}

	var listing []store.FolderListing
	for _, box := range boxes {
		if hasAttr(box.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		listing = append(listing, store.FolderListing{
			Path:       box.Mailbox,
			ParentPath: parentPath(box.Mailbox, box.Delim),
		})
	}

	return listing, nil
}

func (s *imapSession) SelectFolder(ctx context.Context, path string) (FolderStatus, error) {
	if err := ctx.Err(); err != nil {
		return FolderStatus{}, err
	}
	defer s.armDeadline()()

	data, err := s.client.Select(path, nil).Wait()
	if err != nil {
		return FolderStatus{}, fmt.Errorf("selecting %s: %w", path, err)
	}

	return FolderStatus{
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
		NumMessages: data.NumMessages,
	}, nil
}

func (s *imapSession) UIDsAbove(ctx context.Context, marker uint32) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(marker + 1), Stop: 0}}},
	}
	return s.search(ctx, criteria)
}

func (s *imapSession) AllUIDs(ctx context.Context) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: 1, Stop: 0}}},
	}
	return s.search(ctx, criteria)
}

func (s *imapSession) search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.armDeadline()()

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching UIDs: %w", err)
	}

	raw := data.AllUIDs()
	uids := make([]uint32, 0, len(raw))
	for _, uid := range raw {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *imapSession) FetchEnvelopes(ctx context.Context, uids []uint32) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}
	defer s.armDeadline()()

	fetchOpts := &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	}

	fetchCmd := s.client.Fetch(uidSet(uids), fetchOpts)
	defer fetchCmd.Close()

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		envelopes = append(envelopes, envelopeFromBuffer(buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return envelopes, fmt.Errorf("fetching envelopes: %w", err)
	}
	return envelopes, nil
}

func (s *imapSession) FetchFlags(ctx context.Context, uids []uint32) ([]FlagState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}
	defer s.armDeadline()()

	fetchCmd := s.client.Fetch(uidSet(uids), &imap.FetchOptions{Flags: true, UID: true})
	defer fetchCmd.Close()

	var states []FlagState
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		states = append(states, FlagState{
			UID:   uint32(buf.UID),
			Flags: flagsFromIMAP(buf.Flags),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return states, fmt.Errorf("fetching flags: %w", err)
	}
	return states, nil
}

func (s *imapSession) FetchBody(ctx context.Context, uid uint32) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	defer s.armDeadline()()

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet([]uint32{uid}), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return "", "", fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return "", "", fmt.Errorf("collecting message data: %w", err)
	}

	var text, html string
	if raw := buf.FindBodySection(bodySection); raw != nil {
		text, html = parseMIMEBody(raw)
	}

	if err := fetchCmd.Close(); err != nil {
		return text, html, fmt.Errorf("closing fetch: %w", err)
	}
	return text, html, nil
}

func (s *imapSession) StoreFlags(ctx context.Context, uid uint32, flags store.Flags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.armDeadline()()

	storeCmd := s.client.Store(uidSet([]uint32{uid}), &imap.StoreFlags{
		Op:     imap.StoreFlagsSet,
		Silent: true,
		Flags:  flagsToIMAP(flags),
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("storing flags for UID %d: %w", uid, err)
	}
	return nil
}

func (s *imapSession) Close() error {
	defer s.armDeadline()()
	return s.client.Logout().Wait()
}

func uidSet(uids []uint32) imap.UIDSet {
	converted := make([]imap.UID, len(uids))
	for i, uid := range uids {
		converted[i] = imap.UID(uid)
	}
	return imap.UIDSetNum(converted...)
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, attr := range attrs {
		if attr == want {
			return true
		}
	}
	return false
}

func parentPath(path string, delim rune) string {
	if delim == 0 {
		return ""
	}
	idx := strings.LastIndex(path, string(delim))
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID:   uint32(buf.UID),
		Flags: flagsFromIMAP(buf.Flags),
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				env.Sender = from.Name
			} else {
				env.Sender = from.Addr()
			}
		}

		var to []string
		for _, addr := range buf.Envelope.To {
			to = append(to, addr.Addr())
		}
		env.Recipients = strings.Join(to, ", ")
	}

	return env
}

func flagsFromIMAP(flags []imap.Flag) store.Flags {
	var f store.Flags
	for _, flag := range flags {
		switch flag {
		case imap.FlagSeen:
			f.Seen = true
		case imap.FlagFlagged:
			f.Flagged = true
		case imap.FlagDeleted:
			f.Deleted = true
		case imap.FlagAnswered:
			f.Answered = true
		}
	}
	return f
}

func flagsToIMAP(f store.Flags) []imap.Flag {
	var flags []imap.Flag
	if f.Seen {
		flags = append(flags, imap.FlagSeen)
	}
	if f.Flagged {
		flags = append(flags, imap.FlagFlagged)
	}
	if f.Deleted {
		flags = append(flags, imap.FlagDeleted)
	}
	if f.Answered {
		flags = append(flags, imap.FlagAnswered)
	}
	return flags
}

// parseMIMEBody parses a raw RFC 2822 message using go-message and
// extracts the text/plain and text/html bodies.
func parseMIMEBody(raw []byte) (textBody string, htmlBody string) {
	reader := bytes.NewReader(raw)

	mr, err := mail.CreateReader(reader)
	if err != nil {
		// If parsing fails, treat the whole thing as plain text.
		return string(raw), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		if h, ok := part.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(body)
			}
		}
	}

	return textBody, htmlBody
}
