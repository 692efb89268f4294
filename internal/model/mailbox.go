package model

import (
	"encoding/json"
	"net"
	"strconv"
	"time"
)

// ConnectionStatus is the lifecycle state of a linked mailbox.
type ConnectionStatus string

const (
	StatusConnected          ConnectionStatus = "connected"
	StatusSyncing            ConnectionStatus = "syncing"
	StatusError              ConnectionStatus = "error"
	StatusCredentialsExpired ConnectionStatus = "credentials_expired"
)

// Valid reports whether s is one of the known statuses.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusConnected, StatusSyncing, StatusError, StatusCredentialsExpired:
		return true
	}
	return false
}

// MailboxConnection is a user's linked mailbox.
type MailboxConnection struct {
	// ID is the internal UUID of the connection.
	ID string `json:"id"`

	// UserID identifies the owning user.
	UserID string `json:"user_id"`

	// Provider is the provider key used to resolve server defaults
	// (e.g., "gmail", "outlook", "custom").
	Provider string `json:"provider"`

	// Email is the login and address of the mailbox.
	Email string `json:"email"`

	Host string `json:"host"`
	Port int    `json:"port"`

	// EncryptedCredential is the vault blob holding the password.
	EncryptedCredential string `json:"-"`

	Status ConnectionStatus `json:"status"`

	// LastSyncAt is set on every successful scan.
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`

	// EmailsScanned counts stored messages for this connection.
	EmailsScanned int `json:"emails_scanned"`

	// OpportunitiesFound counts stored messages linked to an opportunity.
	OpportunitiesFound int `json:"opportunities_found"`

	// LastError holds the message of the last failed scan.
	LastError *string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Addr returns host:port for dialing.
func (c MailboxConnection) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ScannedMessage is one INBOX message discovered by a scan.
type ScannedMessage struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`

	// ProviderMessageID is the IMAP UID as a decimal string.
	ProviderMessageID string `json:"provider_message_id"`

	Subject      string    `json:"subject"`
	Sender       string    `json:"sender"`
	SenderDomain string    `json:"sender_domain"`
	ReceivedAt   time.Time `json:"received_at"`

	// Analyzed is set once the classifier has produced a verdict.
	Analyzed bool `json:"analyzed"`

	// Classification is the verdict payload, nil until analyzed.
	Classification json.RawMessage `json:"classification,omitempty"`

	// OpportunityID links the candidate created from this message.
	OpportunityID *string `json:"opportunity_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// MessageRecord is what a scan yields before it is stored.
type MessageRecord struct {
	ProviderMessageID string
	Subject           string
	Sender            string
	SenderDomain      string
	ReceivedAt        time.Time
}
