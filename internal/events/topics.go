package events

// Topic names on the message bus.
const (
	TopicAccountCreated     = "accounting.account.created"
	TopicJournalEntryPosted = "accounting.journal.posted"
	TopicUnknown            = "accounting.unknown"
)

// TopicFor maps an event type to its bus topic. Unmapped types land on the
// catch-all topic so nothing committed is ever dropped silently.
func TopicFor(eventType string) string {
	switch eventType {
	case TypeAccountCreated:
		return TopicAccountCreated
	case TypeJournalEntryPosted:
		return TopicJournalEntryPosted
	default:
		return TopicUnknown
	}
}
