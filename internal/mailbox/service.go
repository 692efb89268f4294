package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/store"
)

// ErrInvalidInput is returned for a link request that cannot be attempted.
var ErrInvalidInput = errors.New("invalid input")

// Tester proves a credential with a login and logout.
type Tester interface {
	TestConnection(ctx context.Context, addr, email, password string) error
}

// Sealer encrypts credentials for storage and opens them again.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// LinkRequest describes a mailbox to link. Provider defaults to the one
// detected from Email; Host and Port override the provider server.
type LinkRequest struct {
	UserID   string
	Email    string
	Password string
	Provider string
	Host     string
	Port     int
}

// Service is the operational surface over stored connections.
type Service struct {
	store     store.Store
	tester    Tester
	sealer    Sealer
	providers *Providers
	log       *zap.Logger
}

// NewService returns a Service.
func NewService(s store.Store, tester Tester, sealer Sealer, providers *Providers, logger *zap.Logger) *Service {
	if providers == nil {
		providers = NewProviders(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, tester: tester, sealer: sealer, providers: providers, log: logger}
}

// Providers returns the provider table used to resolve servers.
func (s *Service) Providers() *Providers { return s.providers }

// Link tests the credential and stores a new connection. Nothing is
// stored when the login fails.
func (s *Service) Link(ctx context.Context, req LinkRequest) (*model.MailboxConnection, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if req.Password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	provider := strings.ToLower(req.Provider)
	if provider == "" {
		provider = DetectProvider(email)
	}
	srv, err := s.providers.Resolve(provider, req.Host, req.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := s.tester.TestConnection(ctx, addr(srv), email, req.Password); err != nil {
		return nil, fmt.Errorf("testing %s: %w", email, err)
	}

	blob, err := s.sealer.Encrypt(req.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypting credential: %w", err)
	}

	conn := &model.MailboxConnection{
		UserID:              req.UserID,
		Provider:            provider,
		Email:               email,
		Host:                srv.Host,
		Port:                srv.Port,
		EncryptedCredential: blob,
		Status:              model.StatusConnected,
	}
	if err := s.store.CreateConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("linking %s: %w", email, err)
	}
	s.log.Info("mailbox linked",
		zap.String("connection_id", conn.ID),
		zap.String("provider", provider),
		zap.String("host", srv.Host),
	)
	return conn, nil
}

// Relink replaces the stored password of a connection after testing it.
// The status is left to the next scan.
func (s *Service) Relink(ctx context.Context, id, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return fmt.Errorf("loading connection %s: %w", id, err)
	}
	if err := s.tester.TestConnection(ctx, conn.Addr(), conn.Email, password); err != nil {
		return fmt.Errorf("testing %s: %w", conn.Email, err)
	}
	blob, err := s.sealer.Encrypt(password)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}
	if err := s.store.UpdateCredential(ctx, id, blob); err != nil {
		return fmt.Errorf("storing credential for %s: %w", id, err)
	}
	s.log.Info("mailbox relinked", zap.String("connection_id", id))
	return nil
}

// Test logs in with the stored credential of connection id. It changes
// nothing.
func (s *Service) Test(ctx context.Context, id string) error {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return fmt.Errorf("loading connection %s: %w", id, err)
	}
	password, err := s.sealer.Decrypt(conn.EncryptedCredential)
	if err != nil {
		return fmt.Errorf("decrypting credential: %w", err)
	}
	return s.tester.TestConnection(ctx, conn.Addr(), conn.Email, password)
}

// Disconnect removes connection id and every message its scans stored.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	if err := s.store.DeleteConnection(ctx, id); err != nil {
		return fmt.Errorf("disconnecting %s: %w", id, err)
	}
	s.log.Info("mailbox disconnected", zap.String("connection_id", id))
	return nil
}

// List returns the connections of userID, or all when userID is empty.
func (s *Service) List(ctx context.Context, userID string) ([]model.MailboxConnection, error) {
	var f store.ConnectionFilter
	if userID != "" {
		f.UserID = &userID
	}
	return s.store.ListConnections(ctx, f)
}

// Resolve finds a connection by id or, failing that, by email address.
func (s *Service) Resolve(ctx context.Context, ref string) (*model.MailboxConnection, error) {
	conn, err := s.store.GetConnection(ctx, ref)
	if err == nil {
		return conn, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	conns, err := s.store.ListConnections(ctx, store.ConnectionFilter{})
	if err != nil {
		return nil, err
	}
	for i := range conns {
		if strings.EqualFold(conns[i].Email, ref) {
			return &conns[i], nil
		}
	}
	return nil, fmt.Errorf("connection %q: %w", ref, store.ErrNotFound)
}

func normalizeEmail(raw string) (string, error) {
	a, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: email %q: %v", ErrInvalidInput, raw, err)
	}
	return strings.ToLower(a.Address), nil
}

func addr(s Server) string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
