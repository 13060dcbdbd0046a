package chat

// Status tracks delivery progress of a chat message.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

// Message is the value exchanged with the persistence gateway.
// ID and Timestamp are only meaningful after a successful save.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"` // epoch milliseconds
	Status     Status `json:"status"`
}
