package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultGmailUser      = "me"
	defaultGmailLabel     = "INBOX"
	defaultGmailBatchSize = 50
	defaultGmailBootstrap = "newer_than:7d"
	gmailCursorPrefix     = "h:"
)

type GmailOptions struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	UserID       string
	Label        string
	// BootstrapQuery selects the messages listed when no cursor exists yet.
	BootstrapQuery string
	BatchSize      int
	Logger         *zap.Logger
	// ClientOptions replace the OAuth2 transport, mainly for tests.
	ClientOptions []option.ClientOption
}

// GmailSource lists new inbox messages from the Gmail history API. Cursors
// are "h:<historyId>" or "h:<historyId>:<pageToken>" while paging.
type GmailSource struct {
	srv       *gmail.Service
	user      string
	label     string
	bootstrap string
	batchSize int64
	logger    *zap.Logger
}

func NewGmailSource(ctx context.Context, opts GmailOptions) (*GmailSource, error) {
	clientOpts := opts.ClientOptions
	if len(clientOpts) == 0 {
		if opts.RefreshToken == "" && opts.AccessToken == "" {
			return nil, fmt.Errorf("%w: gmail requires an access or refresh token", intellimail.ErrInvalidInput)
		}
		token := &oauth2.Token{AccessToken: opts.AccessToken, RefreshToken: opts.RefreshToken, TokenType: "Bearer"}
		if opts.RefreshToken != "" {
			token.Expiry = time.Now()
		}
		config := &oauth2.Config{ClientID: opts.ClientID, ClientSecret: opts.ClientSecret, Endpoint: google.Endpoint}
		clientOpts = []option.ClientOption{option.WithTokenSource(config.TokenSource(ctx, token))}
	}
	srv, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	s := &GmailSource{
		srv:       srv,
		user:      valueOr(opts.UserID, defaultGmailUser),
		label:     valueOr(opts.Label, defaultGmailLabel),
		bootstrap: valueOr(opts.BootstrapQuery, defaultGmailBootstrap),
		batchSize: defaultGmailBatchSize,
		logger:    zap.NewNop(),
	}
	if opts.BatchSize > 0 {
		s.batchSize = int64(opts.BatchSize)
	}
	if opts.Logger != nil {
		s.logger = opts.Logger
	}
	s.logger = s.logger.With(zap.String("component", "gmail"))
	return s, nil
}

func (s *GmailSource) ListNewMessages(ctx context.Context, ownerID, cursor string) (intellimail.MessageBatch, error) {
	historyID, pageToken, ok := parseGmailCursor(cursor)
	if !ok {
		if cursor != "" {
			s.logger.Warn("discarding malformed cursor", zap.String("owner_id", ownerID), zap.String("cursor", cursor))
		}
		return s.bootstrapBatch(ctx, ownerID)
	}

	call := s.srv.Users.History.List(s.user).
		StartHistoryId(historyID).
		HistoryTypes("messageAdded").
		LabelId(s.label).
		MaxResults(s.batchSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		if isGoogleStatus(err, http.StatusNotFound) {
			s.logger.Info("history id expired, restarting from profile",
				zap.String("owner_id", ownerID),
				zap.Uint64("history_id", historyID),
			)
			return s.bootstrapBatch(ctx, ownerID)
		}
		return intellimail.MessageBatch{}, classifyGoogleError(fmt.Sprintf("listing history after %d", historyID), err)
	}

	now := time.Now().UTC()
	seen := map[string]bool{}
	batch := intellimail.MessageBatch{}
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] || !hasLabel(added.Message.LabelIds, s.label) {
				continue
			}
			seen[added.Message.Id] = true
			batch.Messages = append(batch.Messages, gmailMessage(ownerID, added.Message, now))
		}
	}
	if resp.NextPageToken != "" {
		batch.Next = formatGmailCursor(historyID, resp.NextPageToken)
		return batch, nil
	}
	next := resp.HistoryId
	if next == 0 {
		next = historyID
	}
	batch.Next = formatGmailCursor(next, "")
	batch.Done = true
	return batch, nil
}

// bootstrapBatch anchors the cursor at the current profile history id and
// lists one page of recent messages under the label.
func (s *GmailSource) bootstrapBatch(ctx context.Context, ownerID string) (intellimail.MessageBatch, error) {
	profile, err := s.srv.Users.GetProfile(s.user).Context(ctx).Do()
	if err != nil {
		return intellimail.MessageBatch{}, classifyGoogleError("reading gmail profile", err)
	}
	resp, err := s.srv.Users.Messages.List(s.user).
		LabelIds(s.label).
		Q(s.bootstrap).
		MaxResults(s.batchSize).
		Context(ctx).
		Do()
	if err != nil {
		return intellimail.MessageBatch{}, classifyGoogleError("listing recent messages", err)
	}
	now := time.Now().UTC()
	batch := intellimail.MessageBatch{Next: formatGmailCursor(profile.HistoryId, ""), Done: true}
	for _, m := range resp.Messages {
		batch.Messages = append(batch.Messages, gmailMessage(ownerID, m, now))
	}
	return batch, nil
}

func (s *GmailSource) FetchContent(ctx context.Context, msg intellimail.Message) (intellimail.Content, error) {
	id := valueOr(msg.RawRef, msg.ID)
	m, err := s.srv.Users.Messages.Get(s.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		if isGoogleStatus(err, http.StatusNotFound) {
			return intellimail.Content{}, intellimail.Permanent(fmt.Errorf("gmail message %s no longer exists", id))
		}
		return intellimail.Content{}, classifyGoogleError("fetching message "+id, err)
	}
	content := intellimail.Content{}
	if m.InternalDate > 0 {
		content.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload != nil {
		content.Subject = header(m.Payload.Headers, "Subject")
		content.From = header(m.Payload.Headers, "From")
		content.Body = gmailBody(m.Payload)
	}
	return content, nil
}

func gmailMessage(ownerID string, m *gmail.Message, now time.Time) intellimail.Message {
	return intellimail.Message{
		ID:        m.Id,
		ThreadID:  m.ThreadId,
		OwnerID:   ownerID,
		FetchedAt: now,
		RawRef:    m.Id,
	}
}

func formatGmailCursor(historyID uint64, pageToken string) string {
	cursor := gmailCursorPrefix + strconv.FormatUint(historyID, 10)
	if pageToken != "" {
		cursor += ":" + pageToken
	}
	return cursor
}

func parseGmailCursor(cursor string) (historyID uint64, pageToken string, ok bool) {
	rest, found := strings.CutPrefix(cursor, gmailCursorPrefix)
	if !found {
		return 0, "", false
	}
	raw, pageToken, _ := strings.Cut(rest, ":")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, "", false
	}
	return id, pageToken, true
}

// gmailBody prefers text/plain parts and falls back to stripped HTML.
func gmailBody(payload *gmail.MessagePart) string {
	var plain, html string
	var walk func(part *gmail.MessagePart)
	walk = func(part *gmail.MessagePart) {
		if part == nil {
			return
		}
		if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
			if data, err := decodeGmailData(part.Body.Data); err == nil {
				switch {
				case strings.HasPrefix(part.MimeType, "text/plain") && plain == "":
					plain = data
				case strings.HasPrefix(part.MimeType, "text/html") && html == "":
					html = data
				}
			}
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(payload)
	if plain != "" {
		return strings.TrimSpace(plain)
	}
	return stripHTML(html)
}

func decodeGmailData(data string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
	}
	return string(decoded), err
}

func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func hasLabel(labels []string, label string) bool {
	if len(labels) == 0 {
		return true
	}
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func isGoogleStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

func classifyGoogleError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return intellimail.Transient(wrapped)
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests, gerr.Code >= http.StatusInternalServerError:
		return intellimail.Transient(wrapped)
	case gerr.Code == http.StatusForbidden && rateLimited(gerr):
		return intellimail.Transient(wrapped)
	default:
		return intellimail.Permanent(wrapped)
	}
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(strings.ToLower(item.Reason), "ratelimitexceeded") {
			return true
		}
	}
	return false
}

func valueOr(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
