package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
)

// Router dispatches each owner to the mailbox registered for it.
type Router struct {
	mu     sync.RWMutex
	owners map[string]intellimail.Mailbox
}

func NewRouter() *Router {
	return &Router{owners: map[string]intellimail.Mailbox{}}
}

func (r *Router) Register(ownerID string, mailbox intellimail.Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[ownerID] = mailbox
}

// Owners returns the registered owner ids, sorted.
func (r *Router) Owners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.owners))
	for owner := range r.owners {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

func (r *Router) lookup(ownerID string) (intellimail.Mailbox, error) {
	r.mu.RLock()
	mailbox, ok := r.owners[ownerID]
	r.mu.RUnlock()
	if !ok {
		return nil, intellimail.Permanent(fmt.Errorf("no mailbox configured for owner %s", ownerID))
	}
	return mailbox, nil
}

func (r *Router) ListNewMessages(ctx context.Context, ownerID, cursor string) (intellimail.MessageBatch, error) {
	mailbox, err := r.lookup(ownerID)
	if err != nil {
		return intellimail.MessageBatch{}, err
	}
	return mailbox.ListNewMessages(ctx, ownerID, cursor)
}

func (r *Router) FetchContent(ctx context.Context, msg intellimail.Message) (intellimail.Content, error) {
	mailbox, err := r.lookup(msg.OwnerID)
	if err != nil {
		return intellimail.Content{}, err
	}
	return mailbox.FetchContent(ctx, msg)
}
