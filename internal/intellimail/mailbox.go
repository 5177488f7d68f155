package intellimail

import "context"

// MessageBatch is one page of a mailbox listing. Next resumes after the last
// message in the page; Done means the source has nothing newer right now.
type MessageBatch struct {
	Messages []Message
	Next     string
	Done     bool
}

// Mailbox is the provider-facing collaborator. Cursors are opaque to the core.
type Mailbox interface {
	ListNewMessages(ctx context.Context, ownerID, cursor string) (MessageBatch, error)
	FetchContent(ctx context.Context, msg Message) (Content, error)
}
