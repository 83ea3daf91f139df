package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// OpenBaoManager stores secrets in an OpenBao KV v2 mount,
// authenticated via AppRole with background token renewal.
type OpenBaoManager struct {
	client    *vault.Client
	mountPath string
	roleID    string
	secretID  string
	stopCh    chan struct{}
	tokenMu   sync.RWMutex
	logger    *slog.Logger
}

type OpenBaoManagerOpt func(*OpenBaoManager)

func WithMountPath(mountPath string) OpenBaoManagerOpt {
	return func(v *OpenBaoManager) {
		v.mountPath = mountPath
	}
}

func NewOpenBaoManager(address, roleID, secretID string, logger *slog.Logger, opts ...OpenBaoManagerOpt) (*OpenBaoManager, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if roleID == "" {
		return nil, fmt.Errorf("role_id cannot be empty")
	}
	if secretID == "" {
		return nil, fmt.Errorf("secret_id cannot be empty")
	}

	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create openbao client: %w", err)
	}

	err = authenticateAppRole(client, roleID, secretID)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with AppRole: %w", err)
	}

	manager := &OpenBaoManager{
		client:    client,
		mountPath: "loom", // default KV v2 mount path
		roleID:    roleID,
		secretID:  secretID,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(manager)
	}

	go manager.tokenRenewalLoop()

	return manager, nil
}

func (v *OpenBaoManager) Stop() {
	close(v.stopCh)
}

func authenticateAppRole(client *vault.Client, roleID, secretID string) error {
	authData := map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	}

	resp, err := client.Logical().Write("auth/approle/login", authData)
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}
	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("approle login returned no auth info")
	}

	client.SetToken(resp.Auth.ClientToken)
	return nil
}

// tokenRenewalLoop runs in a background goroutine to automatically renew or re-authenticate tokens
func (v *OpenBaoManager) tokenRenewalLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			if err := v.ensureValidToken(); err != nil {
				v.logger.Error("openbao token renewal failed", "error", err)
			}
		}
	}
}

// ensureValidToken checks if the current token is valid and renews or re-authenticates if needed
func (v *OpenBaoManager) ensureValidToken() error {
	v.tokenMu.Lock()
	defer v.tokenMu.Unlock()

	tokenInfo, err := v.client.Auth().Token().LookupSelf()
	if err != nil {
		v.logger.Warn("token lookup failed, re-authenticating", "error", err)
		return v.reAuthenticate()
	}

	if tokenInfo == nil || tokenInfo.Data == nil {
		return v.reAuthenticate()
	}

	ttlRaw, ok := tokenInfo.Data["ttl"]
	if !ok {
		return v.reAuthenticate()
	}

	var ttl int64
	switch t := ttlRaw.(type) {
	case int64:
		ttl = t
	case float64:
		ttl = int64(t)
	case int:
		ttl = int64(t)
	default:
		return v.reAuthenticate()
	}

	// renew when TTL drops under 5 minutes
	if ttl < 300 {
		v.logger.Info("token ttl low, attempting renewal", "ttl_seconds", ttl)

		renewResp, err := v.client.Auth().Token().RenewSelf(3600) // 1h
		if err != nil {
			v.logger.Warn("token renewal failed, re-authenticating", "error", err)
			return v.reAuthenticate()
		}

		if renewResp == nil || renewResp.Auth == nil {
			v.logger.Warn("token renewal returned no auth info, re-authenticating")
			return v.reAuthenticate()
		}

		v.logger.Info("token renewed successfully", "new_ttl_seconds", renewResp.Auth.LeaseDuration)
	}

	return nil
}

func (v *OpenBaoManager) reAuthenticate() error {
	v.logger.Info("re-authenticating with approle")

	err := authenticateAppRole(v.client, v.roleID, v.secretID)
	if err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}

	v.logger.Info("re-authentication successful")
	return nil
}

func (v *OpenBaoManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	secretPath := v.buildSecretPath(secret.Repo, secret.Key)

	existing, err := v.client.KVv2(v.mountPath).Get(ctx, secretPath)
	if err == nil && existing != nil {
		return ErrKeyAlreadyPresent
	}

	secretData := map[string]interface{}{
		"value":      secret.Value,
		"repo":       string(secret.Repo),
		"key":        secret.Key,
		"created_at": secret.CreatedAt.Format(time.RFC3339),
		"created_by": secret.CreatedBy,
	}

	_, err = v.client.KVv2(v.mountPath).Put(ctx, secretPath, secretData)
	if err != nil {
		return fmt.Errorf("failed to store secret in openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()
	secretPath := v.buildSecretPath(secret.Repo, secret.Key)

	existing, err := v.client.KVv2(v.mountPath).Get(ctx, secretPath)
	if err != nil || existing == nil {
		return ErrKeyNotFound
	}

	err = v.client.KVv2(v.mountPath).Delete(ctx, secretPath)
	if err != nil {
		return fmt.Errorf("failed to delete secret from openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	keys, err := v.listKeys(repo)
	if err != nil {
		return nil, err
	}

	var ls []LockedSecret
	for _, key := range keys {
		secret, err := v.client.KVv2(v.mountPath).Get(ctx, v.buildSecretPath(repo, key))
		if err != nil || secret == nil {
			continue
		}

		l := LockedSecret{
			Key:  key,
			Repo: repo,
		}
		fillMetadata(&l.CreatedAt, &l.CreatedBy, secret.Data)
		ls = append(ls, l)
	}

	return ls, nil
}

func (v *OpenBaoManager) GetSecretsUnlocked(ctx context.Context, repo Repo) ([]UnlockedSecret, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	keys, err := v.listKeys(repo)
	if err != nil {
		return nil, err
	}

	var ls []UnlockedSecret
	for _, key := range keys {
		secret, err := v.client.KVv2(v.mountPath).Get(ctx, v.buildSecretPath(repo, key))
		if err != nil || secret == nil {
			continue
		}

		l := UnlockedSecret{
			Key:  key,
			Repo: repo,
		}
		if value, ok := secret.Data["value"].(string); ok {
			l.Value = value
		}
		fillMetadata(&l.CreatedAt, &l.CreatedBy, secret.Data)
		ls = append(ls, l)
	}

	return ls, nil
}

func (v *OpenBaoManager) listKeys(repo Repo) ([]string, error) {
	secretsList, err := v.client.Logical().List(fmt.Sprintf("%s/metadata/%s", v.mountPath, v.buildRepoPath(repo)))
	if err != nil {
		if strings.Contains(err.Error(), "no secret found") || strings.Contains(err.Error(), "no handler for route") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	if secretsList == nil || secretsList.Data == nil {
		return nil, nil
	}

	raw, ok := secretsList.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var keys []string
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

func fillMetadata(createdAt *time.Time, createdBy *string, data map[string]interface{}) {
	if by, ok := data["created_by"].(string); ok {
		*createdBy = by
	}
	if at, ok := data["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			*createdAt = t
		}
	}
}

// buildRepoPath sanitizes the repo name for use as a KV path segment
func (v *OpenBaoManager) buildRepoPath(repo Repo) string {
	return strings.ReplaceAll(string(repo), "/", "_")
}

func (v *OpenBaoManager) buildSecretPath(repo Repo, key string) string {
	return path.Join(v.buildRepoPath(repo), key)
}
