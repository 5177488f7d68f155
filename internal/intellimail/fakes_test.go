package intellimail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// scriptedCapability answers each stage with a canned payload. Errors queued
// for a stage are returned first, one per call.
type scriptedCapability struct {
	mu       sync.Mutex
	payloads map[Stage]string
	errs     map[Stage][]error
	calls    map[Stage]int
}

func newScriptedCapability() *scriptedCapability {
	return &scriptedCapability{
		payloads: map[Stage]string{
			StageSummarize:   `{"summary":"Quarterly numbers are due Friday."}`,
			StageSentiment:   `{"score":0.8}`,
			StageEntities:    `{"entities":[{"text":"Acme Corp","label":"ORG"}],"topics":["finance","reporting"]}`,
			StageCategorize:  `{"categories":["Finance","Action Required"]}`,
			StageImportance:  `{"score":0.9}`,
			StageActionItems: `{"action_items":["Send the report"]}`,
		},
		errs:  map[Stage][]error{},
		calls: map[Stage]int{},
	}
}

func (c *scriptedCapability) fail(stage Stage, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[stage] = append(c.errs[stage], errs...)
}

func (c *scriptedCapability) set(stage Stage, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads[stage] = payload
}

func (c *scriptedCapability) Invoke(ctx context.Context, req StageRequest) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[req.Stage]++
	if queued := c.errs[req.Stage]; len(queued) > 0 {
		c.errs[req.Stage] = queued[1:]
		return nil, queued[0]
	}
	payload, ok := c.payloads[req.Stage]
	if !ok {
		return nil, fmt.Errorf("no payload for %s", req.Stage)
	}
	return json.RawMessage(payload), nil
}

func (c *scriptedCapability) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

func (c *scriptedCapability) callsFor(stage Stage) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[stage]
}

// fakeMailbox serves fixed pages keyed by cursor and content keyed by
// message id.
type fakeMailbox struct {
	mu       sync.Mutex
	pages    map[string]MessageBatch
	contents map[string]Content
	fetchErr map[string][]error
	listErr  []error
	lists    int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		pages:    map[string]MessageBatch{},
		contents: map[string]Content{},
		fetchErr: map[string][]error{},
	}
}

func (m *fakeMailbox) add(ownerID, messageID string, content Content) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents[messageID] = content
	return Message{ID: messageID, OwnerID: ownerID, ContentHash: HashContent(content)}
}

func (m *fakeMailbox) page(cursor string, batch MessageBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[cursor] = batch
}

func (m *fakeMailbox) ListNewMessages(_ context.Context, _ string, cursor string) (MessageBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if len(m.listErr) > 0 {
		err := m.listErr[0]
		m.listErr = m.listErr[1:]
		return MessageBatch{}, err
	}
	batch, ok := m.pages[cursor]
	if !ok {
		return MessageBatch{Next: cursor, Done: true}, nil
	}
	return batch, nil
}

func (m *fakeMailbox) FetchContent(_ context.Context, msg Message) (Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if queued := m.fetchErr[msg.ID]; len(queued) > 0 {
		m.fetchErr[msg.ID] = queued[1:]
		return Content{}, queued[0]
	}
	content, ok := m.contents[msg.ID]
	if !ok {
		return Content{}, Permanent(fmt.Errorf("message %s: %w", msg.ID, ErrNotFound))
	}
	return content, nil
}

func sampleContent(subject string) Content {
	return Content{
		Subject: subject,
		From:    "finance@acme.example",
		Body:    "Please review the quarterly report before Friday. " + strings.Repeat("Numbers look good. ", 3),
	}
}
