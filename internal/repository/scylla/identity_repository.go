package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"dormauth/internal/bucketing"
	"dormauth/internal/credstore"
	"dormauth/internal/models"
)

// IdentityRepository is the durable identity store over the identities
// and email_to_identity tables. Identity ids are hashed into a fixed
// number of partition buckets so single partitions stay bounded.
type IdentityRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewIdentityRepository(client *ScyllaClient, buckets *bucketing.Manager) *IdentityRepository {
	return &IdentityRepository{client: client, buckets: buckets}
}

// Insert writes the email mapping with a conditional insert first, so a
// duplicate registration loses the race, then writes the identity row.
func (r *IdentityRepository) Insert(ctx context.Context, identity *models.Identity) error {
	identity.UserBucket = r.buckets.IdentityBucket(identity.ID)

	applied, err := r.client.Prepared.CreateEmailMapping.
		WithContext(ctx).
		Bind(identity.EmailHash, identity.UserBucket, identity.ID, identity.CreatedAt).
		ScanCAS(nil, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("inserting email mapping: %w", err)
	}
	if !applied {
		return credstore.ErrEmailTaken
	}

	query := r.client.Prepared.CreateIdentity.
		WithContext(ctx).
		Bind(
			identity.UserBucket, identity.ID, identity.Name,
			identity.EmailHash, identity.EmailEncrypted, identity.EmailKeyID,
			identity.PhoneEncrypted, identity.PhoneKeyID,
			identity.PasswordHash, identity.Role, identity.Active,
			identity.PasswordChangedAt, identity.PasswordExpiresAt, identity.MustChangePassword,
			identity.MFAState, identity.MFASecretEncrypted, identity.MFASecretKeyID,
			identity.BackupCodeHashes,
			identity.FailedAttempts, optionalTime(identity.LockedUntil),
			optionalTime(identity.LastLoginAt), identity.LastLoginIP, identity.LastLoginAgent,
			identity.CreatedAt, identity.UpdatedAt,
		)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("inserting identity: %w", err)
	}
	return nil
}

func (r *IdentityRepository) GetByID(ctx context.Context, id string) (*models.Identity, error) {
	bucket := r.buckets.IdentityBucket(id)
	return r.scanIdentity(ctx, bucket, id)
}

func (r *IdentityRepository) GetByEmailHash(ctx context.Context, emailHash string) (*models.Identity, error) {
	var bucket int
	var id string
	err := r.client.ScanWithRetry(
		r.client.Prepared.GetIdentityByEmail.WithContext(ctx).Bind(emailHash),
		&bucket, &id,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, credstore.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("resolving email mapping: %w", err)
	}
	return r.scanIdentity(ctx, bucket, id)
}

func (r *IdentityRepository) Update(ctx context.Context, identity *models.Identity) error {
	query := r.client.Prepared.UpdateIdentity.
		WithContext(ctx).
		Bind(
			identity.Name, identity.PasswordHash, identity.Role, identity.Active,
			identity.PasswordChangedAt, identity.PasswordExpiresAt, identity.MustChangePassword,
			identity.MFAState, identity.MFASecretEncrypted, identity.MFASecretKeyID,
			identity.BackupCodeHashes,
			identity.FailedAttempts, optionalTime(identity.LockedUntil),
			optionalTime(identity.LastLoginAt), identity.LastLoginIP, identity.LastLoginAgent,
			identity.UpdatedAt,
			identity.UserBucket, identity.ID,
		)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("updating identity: %w", err)
	}
	return nil
}

func (r *IdentityRepository) scanIdentity(ctx context.Context, bucket int, id string) (*models.Identity, error) {
	identity := &models.Identity{}
	var lockedUntil, lastLoginAt time.Time

	err := r.client.ScanWithRetry(
		r.client.Prepared.GetIdentityByID.WithContext(ctx).Bind(bucket, id),
		&identity.UserBucket, &identity.ID, &identity.Name,
		&identity.EmailHash, &identity.EmailEncrypted, &identity.EmailKeyID,
		&identity.PhoneEncrypted, &identity.PhoneKeyID,
		&identity.PasswordHash, &identity.Role, &identity.Active,
		&identity.PasswordChangedAt, &identity.PasswordExpiresAt, &identity.MustChangePassword,
		&identity.MFAState, &identity.MFASecretEncrypted, &identity.MFASecretKeyID,
		&identity.BackupCodeHashes,
		&identity.FailedAttempts, &lockedUntil,
		&lastLoginAt, &identity.LastLoginIP, &identity.LastLoginAgent,
		&identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, credstore.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	if !lockedUntil.IsZero() {
		identity.LockedUntil = &lockedUntil
	}
	if !lastLoginAt.IsZero() {
		identity.LastLoginAt = &lastLoginAt
	}
	return identity, nil
}

// optionalTime maps a nil pointer to the zero timestamp, which the
// column treats as unset.
func optionalTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
