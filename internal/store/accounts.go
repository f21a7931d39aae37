package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fenilsonani/mailbox-gateway/internal/crypto"
	"github.com/fenilsonani/mailbox-gateway/internal/logging"
	gwmail "github.com/fenilsonani/mailbox-gateway/internal/mail"
	"github.com/fenilsonani/mailbox-gateway/internal/metrics"
	"github.com/fenilsonani/mailbox-gateway/internal/validation"
)

// AccountRecord is the persisted unit under acc:{accountId}.
type AccountRecord struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenantId"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Enc       *crypto.Envelope `json:"enc"`
}

// AccountSummary is the masked list-view of one account. Secrets never
// appear here.
type AccountSummary struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenantId"`
	Label              string    `json:"label,omitempty"`
	PrimaryEmailMasked string    `json:"primaryEmailMasked"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// AccountDetail is the full view of one account.
type AccountDetail struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Secret    gwmail.Secret `json:"secret"`
}

// KV is the record-level persistence the account store runs on.
type KV interface {
	GetRecord(ctx context.Context, accountID string) (*AccountRecord, error)
	PutRecord(ctx context.Context, rec *AccountRecord) error
	CreateRecord(ctx context.Context, rec *AccountRecord) error
	DeleteRecord(ctx context.Context, accountID, tenantID string) error
	TenantAccounts(ctx context.Context, tenantID string) ([]string, error)
}

// VerifyFunc probes connectivity for a candidate secret before it is stored.
type VerifyFunc func(ctx context.Context, secret gwmail.Secret) error

// StopWatcherFunc tears down any running watcher for an account.
type StopWatcherFunc func(accountID string)

// AccountStore implements account CRUD over the KV layer with envelope
// encryption of secrets.
type AccountStore struct {
	kv          KV
	sealer      *crypto.Sealer
	verify      VerifyFunc
	stopWatcher StopWatcherFunc
	logger      *logging.Logger
}

// NewAccountStore creates an AccountStore. verify may be nil to skip
// connection testing; stopWatcher may be nil when no watcher subsystem runs.
func NewAccountStore(kv KV, sealer *crypto.Sealer, logger *logging.Logger) *AccountStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &AccountStore{
		kv:     kv,
		sealer: sealer,
		logger: logger.Store(),
	}
}

// SetVerifier installs the connectivity probe used by Create's optional
// testConnection flag.
func (s *AccountStore) SetVerifier(verify VerifyFunc) {
	s.verify = verify
}

// SetWatcherStopper installs the hook Delete uses to stop a running watcher.
func (s *AccountStore) SetWatcherStopper(stop StopWatcherFunc) {
	s.stopWatcher = stop
}

// Create encrypts and stores a new account, returning its id. When
// testConnection is set, SMTP connectivity is verified first and a failure
// aborts the create.
func (s *AccountStore) Create(ctx context.Context, tenantID string, secret gwmail.Secret, testConnection bool) (string, error) {
	if err := validation.TenantID(tenantID); err != nil {
		return "", err
	}
	if err := validation.Secret(secret); err != nil {
		return "", err
	}

	if testConnection && s.verify != nil {
		if err := s.verify(ctx, secret); err != nil {
			return "", fmt.Errorf("connection test failed: %w", err)
		}
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	env, err := s.seal(secret, id, tenantID)
	if err != nil {
		return "", err
	}

	rec := &AccountRecord{
		ID:        id,
		TenantID:  tenantID,
		CreatedAt: now,
		UpdatedAt: now,
		Enc:       env,
	}
	if err := s.kv.CreateRecord(ctx, rec); err != nil {
		return "", err
	}

	metrics.AccountsCreated.Inc()
	s.logger.InfoContext(ctx, "account created",
		"account_id", id, "tenant_id", tenantID)
	return id, nil
}

// List returns masked summaries for every account a tenant owns. Records
// present in the index but missing from the store are skipped.
func (s *AccountStore) List(ctx context.Context, tenantID string) ([]AccountSummary, error) {
	if err := validation.TenantID(tenantID); err != nil {
		return nil, err
	}

	ids, err := s.kv.TenantAccounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	summaries := make([]AccountSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.kv.GetRecord(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		secret, err := s.open(rec, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, AccountSummary{
			ID:                 rec.ID,
			TenantID:           rec.TenantID,
			Label:              secret.Label,
			PrimaryEmailMasked: validation.MaskEmail(secret.PrimaryEmail),
			CreatedAt:          rec.CreatedAt,
			UpdatedAt:          rec.UpdatedAt,
		})
	}
	return summaries, nil
}

// Get returns the full detail for one account. Unless includePasswords is
// set, password fields are replaced by hasPassword flags.
func (s *AccountStore) Get(ctx context.Context, accountID string, includePasswords bool) (*AccountDetail, error) {
	rec, err := s.kv.GetRecord(ctx, accountID)
	if err != nil {
		return nil, err
	}
	secret, err := s.open(rec, accountID)
	if err != nil {
		return nil, err
	}
	if !includePasswords {
		secret = secret.Redacted()
	}
	return &AccountDetail{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Secret:    secret,
	}, nil
}

// GetSecret decrypts the stored secret for internal use by the mail and
// watcher subsystems.
func (s *AccountStore) GetSecret(ctx context.Context, accountID string) (gwmail.Secret, error) {
	rec, err := s.kv.GetRecord(ctx, accountID)
	if err != nil {
		return gwmail.Secret{}, err
	}
	return s.open(rec, accountID)
}

// Update replaces the whole secret, re-encrypting under the record's
// existing binding and bumping updatedAt.
func (s *AccountStore) Update(ctx context.Context, accountID string, secret gwmail.Secret) error {
	if err := validation.Secret(secret); err != nil {
		return err
	}

	rec, err := s.kv.GetRecord(ctx, accountID)
	if err != nil {
		return err
	}

	env, err := s.seal(secret, rec.ID, rec.TenantID)
	if err != nil {
		return err
	}
	rec.Enc = env
	rec.UpdatedAt = time.Now().UTC()

	if err := s.kv.PutRecord(ctx, rec); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "account updated",
		"account_id", accountID, "tenant_id", rec.TenantID)
	return nil
}

// Delete stops any running watcher, then removes the record and its tenant
// membership. Deleting a missing account succeeds.
func (s *AccountStore) Delete(ctx context.Context, accountID string) error {
	if s.stopWatcher != nil {
		s.stopWatcher(accountID)
	}

	rec, err := s.kv.GetRecord(ctx, accountID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.kv.DeleteRecord(ctx, accountID, rec.TenantID); err != nil {
		return err
	}

	metrics.AccountsDeleted.Inc()
	s.logger.InfoContext(ctx, "account deleted",
		"account_id", accountID, "tenant_id", rec.TenantID)
	return nil
}

// seal serializes and encrypts a secret under the {accountId}:{tenantId}
// binding.
func (s *AccountStore) seal(secret gwmail.Secret, accountID, tenantID string) (*crypto.Envelope, error) {
	plaintext, err := json.Marshal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret: %w", err)
	}
	env, err := s.sealer.Seal(plaintext, crypto.AAD(accountID, tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret: %w", err)
	}
	return env, nil
}

// open decrypts a record's envelope. The binding is built from the
// requested account id, not the stored one, so a record copied under a
// different key fails authentication.
func (s *AccountStore) open(rec *AccountRecord, requestedID string) (gwmail.Secret, error) {
	plaintext, err := s.sealer.Open(rec.Enc, crypto.AAD(requestedID, rec.TenantID))
	if err != nil {
		return gwmail.Secret{}, err
	}
	var secret gwmail.Secret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return gwmail.Secret{}, fmt.Errorf("failed to decode secret: %w", err)
	}
	return secret, nil
}
