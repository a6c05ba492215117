package dispatch

import (
	"encoding/json"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// relayMessage forwards a chat message to the receiver's live connection.
// Drivers are looked up before passengers. Nothing is stored: a receiver
// that is not connected right now never sees the message.
func (c *Coordinator) relayMessage(e SendMessage) {
	conn, role, ok := c.presence.ResolveAny(e.ReceiverID)
	if !ok {
		c.drop(observability.DropRecipientOffline, "event", EvSendMessage, "sender_id", e.SenderID, "receiver_id", e.ReceiverID)
		return
	}
	ts := e.Timestamp
	if len(ts) == 0 {
		ts, _ = json.Marshal(time.Now().UTC())
	}
	if c.emit(conn, OutNewMessage, ChatMessage{SenderID: e.SenderID, Text: e.Text, Timestamp: ts}) {
		c.logger.Debug("message relayed", "sender_id", e.SenderID, "receiver_id", e.ReceiverID, "receiver_role", role)
	}
}
