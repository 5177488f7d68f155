package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
)

const defaultStaticBatchSize = 25

type StaticMessage struct {
	OwnerID    string    `json:"ownerId"`
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId,omitempty"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Static serves messages held in memory. The cursor is the number of
// messages already listed for the owner.
type Static struct {
	mu        sync.RWMutex
	batchSize int
	order     map[string][]string
	messages  map[string]StaticMessage
}

func NewStatic(batchSize int) *Static {
	if batchSize <= 0 {
		batchSize = defaultStaticBatchSize
	}
	return &Static{
		batchSize: batchSize,
		order:     map[string][]string{},
		messages:  map[string]StaticMessage{},
	}
}

// LoadStatic reads a JSON array of StaticMessage from path.
func LoadStatic(path string, batchSize int) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed []StaticMessage
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	s := NewStatic(batchSize)
	for _, m := range seed {
		if err := s.Add(m); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return s, nil
}

// Add appends a message. Adding an id that already exists replaces its
// content without moving it.
func (s *Static) Add(m StaticMessage) error {
	if m.OwnerID == "" || m.ID == "" {
		return fmt.Errorf("%w: static message needs owner and id", intellimail.ErrInvalidInput)
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := staticKey(m.OwnerID, m.ID)
	if _, ok := s.messages[key]; !ok {
		s.order[m.OwnerID] = append(s.order[m.OwnerID], m.ID)
	}
	s.messages[key] = m
	return nil
}

func (s *Static) ListNewMessages(_ context.Context, ownerID, cursor string) (intellimail.MessageBatch, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return intellimail.MessageBatch{}, intellimail.Permanent(fmt.Errorf("malformed static cursor %q", cursor))
		}
		offset = n
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[ownerID]
	if offset > len(ids) {
		offset = len(ids)
	}
	end := min(offset+s.batchSize, len(ids))
	now := time.Now().UTC()
	batch := intellimail.MessageBatch{Next: strconv.Itoa(end), Done: end == len(ids)}
	for _, id := range ids[offset:end] {
		m := s.messages[staticKey(ownerID, id)]
		batch.Messages = append(batch.Messages, intellimail.Message{
			ID:          m.ID,
			ThreadID:    m.ThreadID,
			OwnerID:     ownerID,
			ContentHash: intellimail.HashContent(m.content()),
			FetchedAt:   now,
		})
	}
	return batch, nil
}

func (s *Static) FetchContent(_ context.Context, msg intellimail.Message) (intellimail.Content, error) {
	s.mu.RLock()
	m, ok := s.messages[staticKey(msg.OwnerID, msg.ID)]
	s.mu.RUnlock()
	if !ok {
		return intellimail.Content{}, intellimail.Permanent(fmt.Errorf("static message %s not found", msg.ID))
	}
	return m.content(), nil
}

func (m StaticMessage) content() intellimail.Content {
	return intellimail.Content{Subject: m.Subject, From: m.From, Body: m.Body, ReceivedAt: m.ReceivedAt}
}

func staticKey(ownerID, id string) string {
	return ownerID + "\x00" + id
}
