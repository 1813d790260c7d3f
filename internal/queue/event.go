// Package queue defines message payloads exchanged over the message broker
// and the publisher and consumer that move them.
package queue

const (
	// NotificationsQueue carries payment notifications waiting to be
	// reconciled.
	NotificationsQueue = "payment.notifications"
	// DeadLetterQueue holds notifications that kept failing; operators
	// replay them by hand.
	DeadLetterQueue = "payment.notifications.dead"
	// TicketsSoldQueue receives one event per approved purchase.
	TicketsSoldQueue = "raffle.tickets_sold"
	// ConflictsQueue receives settlement conflicts for operator alerting.
	ConflictsQueue = "raffle.settlement_conflicts"
)

// PaymentNotification is a processor webhook reduced to what reconciliation
// trusts: the notification type and the payment id.
type PaymentNotification struct {
	Type       string `json:"type"`
	PaymentID  string `json:"paymentId"`
	ReceivedAt string `json:"receivedAt"`
}

// TicketsSoldEvent is published when an approved payment turns held
// tickets into sold ones.
type TicketsSoldEvent struct {
	PaymentID   string   `json:"paymentId"`
	HolderID    string   `json:"holderId"`
	BuyerName   string   `json:"buyerName"`
	BuyerPhone  string   `json:"buyerPhone"`
	Numbers     []string `json:"numbers"`
	AmountCents int64    `json:"amountCents"`
	Currency    string   `json:"currency"`
	SoldAt      string   `json:"soldAt"`
}

// SettlementConflictEvent is published when an approved payment could not
// be matched to the payer's holds.
type SettlementConflictEvent struct {
	PaymentID  string            `json:"paymentId"`
	HolderID   string            `json:"holderId"`
	Numbers    []string          `json:"numbers"`
	States     map[string]string `json:"states"`
	Reason     string            `json:"reason"`
	DetectedAt string            `json:"detectedAt"`
}
