package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"dormauth/internal/config"
	"dormauth/internal/util"
)

// PreparedStatements holds the statements the identity repository runs.
type PreparedStatements struct {
	CreateIdentity     *gocql.Query
	CreateEmailMapping *gocql.Query
	GetIdentityByID    *gocql.Query
	GetIdentityByEmail *gocql.Query
	UpdateIdentity     *gocql.Query
	DeactivateIdentity *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("creating scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session, config: &scyllaConfig}
	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("preparing statements: %w", err)
	}

	util.Info("scylla client initialized",
		util.Any("nodes", scyllaConfig.Nodes),
		util.String("keyspace", scyllaConfig.Keyspace))
	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()
	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateIdentity = s.Session.Query(`
        INSERT INTO identities (
            user_bucket, identity_id, name, email_hash, email_encrypted, email_key_id,
            phone_encrypted, phone_key_id, password_hash, role, active,
            password_changed_at, password_expires_at, must_change_password,
            mfa_state, mfa_secret_encrypted, mfa_secret_key_id, backup_code_hashes,
            failed_attempts, locked_until, last_login_at, last_login_ip, last_login_agent,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateEmailMapping = s.Session.Query(`
        INSERT INTO email_to_identity (email_hash, user_bucket, identity_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetIdentityByID = s.Session.Query(`
        SELECT user_bucket, identity_id, name, email_hash, email_encrypted, email_key_id,
            phone_encrypted, phone_key_id, password_hash, role, active,
            password_changed_at, password_expires_at, must_change_password,
            mfa_state, mfa_secret_encrypted, mfa_secret_key_id, backup_code_hashes,
            failed_attempts, locked_until, last_login_at, last_login_ip, last_login_agent,
            created_at, updated_at
        FROM identities WHERE user_bucket = ? AND identity_id = ?`)

	prepared.GetIdentityByEmail = s.Session.Query(`
        SELECT user_bucket, identity_id FROM email_to_identity WHERE email_hash = ?`)

	prepared.UpdateIdentity = s.Session.Query(`
        UPDATE identities SET
            name = ?, password_hash = ?, role = ?, active = ?,
            password_changed_at = ?, password_expires_at = ?, must_change_password = ?,
            mfa_state = ?, mfa_secret_encrypted = ?, mfa_secret_key_id = ?, backup_code_hashes = ?,
            failed_attempts = ?, locked_until = ?, last_login_at = ?, last_login_ip = ?,
            last_login_agent = ?, updated_at = ?
        WHERE user_bucket = ? AND identity_id = ?`)

	prepared.DeactivateIdentity = s.Session.Query(`
        UPDATE identities SET active = ?, updated_at = ?
        WHERE user_bucket = ? AND identity_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("scylla client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	if err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check: %w", err)
	}
	return nil
}

// ExecuteWithRetry retries transient write failures with linear backoff.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
