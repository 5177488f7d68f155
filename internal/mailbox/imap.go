package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"
)

const (
	defaultIMAPMailbox   = "INBOX"
	defaultIMAPBatchSize = 50
	imapDialTimeout      = 30 * time.Second
)

type IMAPOptions struct {
	Address  string
	Username string
	Password string
	// Security is "tls" (default), "starttls" or "insecure".
	Security  string
	Mailbox   string
	BatchSize int
	Logger    *zap.Logger
}

// imapMessage is one fetched message with its envelope and a decoded body.
type imapMessage struct {
	UID       uint32
	MessageID string
	Content   intellimail.Content
}

type imapSession interface {
	// Select opens the mailbox read-only and returns its UIDVALIDITY.
	Select(mailbox string) (uint32, error)
	// UIDsAfter lists UIDs strictly greater than after, ascending.
	UIDsAfter(after uint32) ([]uint32, error)
	Fetch(uids []uint32) ([]imapMessage, error)
	Close() error
}

type imapDialer func(ctx context.Context) (imapSession, error)

// IMAPSource lists a single IMAP folder. Cursors have the form
// "<uidvalidity>:<lastuid>".
type IMAPSource struct {
	mailbox   string
	batchSize int
	dial      imapDialer
	logger    *zap.Logger
}

func NewIMAPSource(opts IMAPOptions) (*IMAPSource, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, fmt.Errorf("%w: imap address is required", intellimail.ErrInvalidInput)
	}
	switch opts.Security {
	case "", "tls", "starttls", "insecure":
	default:
		return nil, fmt.Errorf("%w: unknown imap security mode %q", intellimail.ErrInvalidInput, opts.Security)
	}
	return newIMAPSource(clientDialer(opts), opts), nil
}

func newIMAPSource(dial imapDialer, opts IMAPOptions) *IMAPSource {
	mailbox := strings.TrimSpace(opts.Mailbox)
	if mailbox == "" {
		mailbox = defaultIMAPMailbox
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultIMAPBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IMAPSource{
		mailbox:   mailbox,
		batchSize: batchSize,
		dial:      dial,
		logger:    logger.With(zap.String("component", "imap"), zap.String("mailbox", mailbox)),
	}
}

func (s *IMAPSource) ListNewMessages(ctx context.Context, ownerID, cursor string) (intellimail.MessageBatch, error) {
	validity, lastUID, err := parseUIDRef(cursor)
	if err != nil && cursor != "" {
		s.logger.Warn("discarding malformed cursor", zap.String("owner_id", ownerID), zap.String("cursor", cursor))
		validity, lastUID = 0, 0
	}
	session, err := s.dial(ctx)
	if err != nil {
		return intellimail.MessageBatch{}, err
	}
	defer session.Close()

	current, err := session.Select(s.mailbox)
	if err != nil {
		return intellimail.MessageBatch{}, intellimail.Transient(fmt.Errorf("selecting %s: %w", s.mailbox, err))
	}
	if current != validity {
		if validity != 0 {
			s.logger.Info("uidvalidity changed, restarting listing",
				zap.String("owner_id", ownerID),
				zap.Uint32("previous", validity),
				zap.Uint32("current", current),
			)
		}
		lastUID = 0
	}

	uids, err := session.UIDsAfter(lastUID)
	if err != nil {
		return intellimail.MessageBatch{}, intellimail.Transient(fmt.Errorf("searching %s: %w", s.mailbox, err))
	}
	done := len(uids) <= s.batchSize
	if !done {
		uids = uids[:s.batchSize]
	}
	batch := intellimail.MessageBatch{Next: formatUIDRef(current, lastUID), Done: done}
	if len(uids) == 0 {
		return batch, nil
	}

	fetched, err := session.Fetch(uids)
	if err != nil {
		return intellimail.MessageBatch{}, intellimail.Transient(fmt.Errorf("fetching %d messages: %w", len(uids), err))
	}
	now := time.Now().UTC()
	for _, m := range fetched {
		ref := formatUIDRef(current, m.UID)
		id := strings.Trim(m.MessageID, "<> ")
		if id == "" {
			id = "imap-" + strings.ReplaceAll(ref, ":", "-")
		}
		batch.Messages = append(batch.Messages, intellimail.Message{
			ID:          id,
			OwnerID:     ownerID,
			ContentHash: intellimail.HashContent(m.Content),
			FetchedAt:   now,
			RawRef:      ref,
		})
	}
	batch.Next = formatUIDRef(current, uids[len(uids)-1])
	return batch, nil
}

func (s *IMAPSource) FetchContent(ctx context.Context, msg intellimail.Message) (intellimail.Content, error) {
	validity, uid, err := parseUIDRef(msg.RawRef)
	if err != nil || uid == 0 {
		return intellimail.Content{}, intellimail.Permanent(fmt.Errorf("message %s has no imap reference", msg.ID))
	}
	session, err := s.dial(ctx)
	if err != nil {
		return intellimail.Content{}, err
	}
	defer session.Close()

	current, err := session.Select(s.mailbox)
	if err != nil {
		return intellimail.Content{}, intellimail.Transient(fmt.Errorf("selecting %s: %w", s.mailbox, err))
	}
	if current != validity {
		return intellimail.Content{}, intellimail.Permanent(fmt.Errorf("message %s: uidvalidity changed from %d to %d", msg.ID, validity, current))
	}
	fetched, err := session.Fetch([]uint32{uid})
	if err != nil {
		return intellimail.Content{}, intellimail.Transient(fmt.Errorf("fetching uid %d: %w", uid, err))
	}
	for _, m := range fetched {
		if m.UID == uid {
			return m.Content, nil
		}
	}
	return intellimail.Content{}, intellimail.Permanent(fmt.Errorf("message %s (uid %d) no longer exists", msg.ID, uid))
}

func formatUIDRef(validity, uid uint32) string {
	return strconv.FormatUint(uint64(validity), 10) + ":" + strconv.FormatUint(uint64(uid), 10)
}

func parseUIDRef(raw string) (validity, uid uint32, err error) {
	head, tail, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed uid reference %q", raw)
	}
	v, err := strconv.ParseUint(head, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed uidvalidity in %q: %w", raw, err)
	}
	u, err := strconv.ParseUint(tail, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed uid in %q: %w", raw, err)
	}
	return uint32(v), uint32(u), nil
}

func clientDialer(opts IMAPOptions) imapDialer {
	return func(ctx context.Context) (imapSession, error) {
		clientOpts := &imapclient.Options{}
		if host, _, ok := strings.Cut(opts.Address, ":"); ok {
			clientOpts.TLSConfig = &tls.Config{ServerName: host}
		}
		results := make(chan dialResult, 1)
		go func() {
			var c *imapclient.Client
			var err error
			switch opts.Security {
			case "starttls":
				c, err = imapclient.DialStartTLS(opts.Address, clientOpts)
			case "insecure":
				c, err = imapclient.DialInsecure(opts.Address, clientOpts)
			default:
				c, err = imapclient.DialTLS(opts.Address, clientOpts)
			}
			results <- dialResult{client: c, err: err}
		}()

		timer := time.NewTimer(imapDialTimeout)
		defer timer.Stop()
		var res dialResult
		select {
		case res = <-results:
		case <-ctx.Done():
			go closeLate(results)
			return nil, ctx.Err()
		case <-timer.C:
			go closeLate(results)
			return nil, intellimail.Transient(fmt.Errorf("dialing imap %s: timed out", opts.Address))
		}
		if res.err != nil {
			return nil, intellimail.Transient(fmt.Errorf("dialing imap %s: %w", opts.Address, res.err))
		}
		if err := res.client.Login(opts.Username, opts.Password).Wait(); err != nil {
			_ = res.client.Close()
			return nil, intellimail.Permanent(fmt.Errorf("imap login for %s: %w", opts.Username, err))
		}
		session := &clientSession{client: res.client, stop: make(chan struct{})}
		go session.closeOnCancel(ctx)
		return session, nil
	}
}

type dialResult struct {
	client *imapclient.Client
	err    error
}

// closeLate closes a connection that finished dialing after its caller gave up.
func closeLate(results <-chan dialResult) {
	res := <-results
	if res.err == nil && res.client != nil {
		_ = res.client.Close()
	}
}

// clientSession adapts imapclient to imapSession. Commands carry no context,
// so cancellation closes the connection and fails whatever is in flight.
type clientSession struct {
	client *imapclient.Client
	stop   chan struct{}
}

func (s *clientSession) closeOnCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = s.client.Close()
	case <-s.stop:
	}
}

func (s *clientSession) Select(mailbox string) (uint32, error) {
	data, err := s.client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, err
	}
	return data.UIDValidity, nil
}

func (s *clientSession) UIDsAfter(after uint32) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(after + 1), Stop: 0}}},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	var out []uint32
	// "n:*" always matches the highest UID, even when it is below n.
	for _, uid := range data.AllUIDs() {
		if uint32(uid) > after {
			out = append(out, uint32(uid))
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *clientSession) Fetch(uids []uint32) ([]imapMessage, error) {
	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}
	body := &imap.FetchItemBodySection{Peek: true}
	cmd := s.client.Fetch(imap.UIDSetNum(set...), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{body},
	})
	var out []imapMessage
	for {
		data := cmd.Next()
		if data == nil {
			break
		}
		buf, err := data.Collect()
		if err != nil {
			_ = cmd.Close()
			return nil, err
		}
		out = append(out, messageFromBuffer(buf, buf.FindBodySection(body)))
	}
	if err := cmd.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *clientSession) Close() error {
	close(s.stop)
	if err := s.client.Logout().Wait(); err != nil {
		return errors.Join(err, s.client.Close())
	}
	return s.client.Close()
}

func messageFromBuffer(buf *imapclient.FetchMessageBuffer, raw []byte) imapMessage {
	m := imapMessage{UID: uint32(buf.UID)}
	if env := buf.Envelope; env != nil {
		m.MessageID = env.MessageID
		m.Content.Subject = env.Subject
		m.Content.ReceivedAt = env.Date.UTC()
		if len(env.From) > 0 {
			m.Content.From = env.From[0].Addr()
		}
	}
	m.Content.Body = extractText(raw)
	return m
}

var (
	htmlTag     = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]*>`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	htmlReplace = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ")
)

// extractText returns the text/plain part of an RFC 5322 message, falling
// back to the HTML part with tags stripped.
func extractText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	defer mr.Close()

	var plain, html string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && plain == "":
			plain = string(data)
		case strings.HasPrefix(contentType, "text/html") && html == "":
			html = string(data)
		}
	}
	if plain != "" {
		return strings.TrimSpace(plain)
	}
	return stripHTML(html)
}

func stripHTML(html string) string {
	if html == "" {
		return ""
	}
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>"} {
		html = strings.ReplaceAll(html, tag, "\n")
	}
	text := htmlReplace.Replace(htmlTag.ReplaceAllString(html, ""))
	return strings.TrimSpace(blankLines.ReplaceAllString(text, "\n\n"))
}
