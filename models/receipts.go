package models

// MarkRead adds userID to every message that does not already contain it and
// returns the number of messages that changed. Calling it twice is a no-op the
// second time.
func MarkRead(msgs []*Message, userID string) int {
	marked := 0
	for _, m := range msgs {
		if m.MarkReadBy(userID) {
			marked++
		}
	}
	return marked
}

// UnreadCount counts the messages userID did not send and has not read.
func UnreadCount(msgs []*Message, userID string) int {
	unread := 0
	for _, m := range msgs {
		if m.Sender.ID != userID && !m.HasReader(userID) {
			unread++
		}
	}
	return unread
}

// DisplayStatus is the status shown to viewerID for msg. A confirmed message is
// read once every participant other than the viewer appears in ReadBy.
func DisplayStatus(msg *Message, participants []string, viewerID string) DeliveryStatus {
	if msg.IsOptimistic() {
		return StatusSending
	}
	others := 0
	for _, p := range participants {
		if p == viewerID {
			continue
		}
		others++
		if !msg.HasReader(p) {
			return StatusSent
		}
	}
	if others == 0 {
		return StatusSent
	}
	return StatusRead
}
