package a2a

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/storage"
)

// SetPushConfig creates or replaces a push notification config for a task
// the scope owns. Authentication payloads are encrypted at rest; without an
// encryption key, auth-bearing configs are refused.
func (s *Service) SetPushConfig(ctx context.Context, scope *plexus.Scope, c *plexus.PushConfig) (*plexus.PushConfig, error) {
	t, err := s.ownedTask(ctx, scope, c.TaskID)
	if err != nil {
		return nil, err
	}
	if err := CheckEndpoint(c.Endpoint, s.cfg.PushAllowInsecure); err != nil {
		return nil, plexus.NewError(plexus.CodeInvalidRequest, "push endpoint: %v", err)
	}

	if c.ConfigID == "" {
		c.ConfigID = uuid.Must(uuid.NewV7()).String()
	}
	c.OwnerKey = t.OwnerKey

	if len(c.Authentication) > 0 {
		if !json.Valid(c.Authentication) {
			return nil, plexus.NewError(plexus.CodeInvalidRequest, "authentication is not valid JSON")
		}
		enc, err := s.cipher.Encrypt(plexus.CanonicalJSON(c.Authentication))
		if errors.Is(err, ErrNoCipher) {
			return nil, plexus.NewError(plexus.CodeInternalError,
				"push auth encryption is not configured; refusing to store credentials")
		}
		if err != nil {
			return nil, plexus.NewError(plexus.CodeInternalError, "encrypt push auth: %v", err)
		}
		c.Authentication = json.RawMessage(enc)
	}

	now := s.now()
	c.UpdatedAt = now
	c.CreatedAt = now

	dctx, cancel := s.dbCtx(ctx)
	defer cancel()
	if prev, err := s.store.GetPushConfig(dctx, c.TaskID, c.ConfigID); err == nil {
		c.CreatedAt = prev.CreatedAt
	}
	if err := s.store.UpsertPushConfig(dctx, c); err != nil {
		return nil, s.wrapDB(err)
	}
	return s.decryptConfig(c)
}

// GetPushConfig returns one push config with its authentication decrypted.
func (s *Service) GetPushConfig(ctx context.Context, scope *plexus.Scope, taskID, configID string) (*plexus.PushConfig, error) {
	if _, err := s.ownedTask(ctx, scope, taskID); err != nil {
		return nil, err
	}
	dctx, cancel := s.dbCtx(ctx)
	defer cancel()
	c, err := s.store.GetPushConfig(dctx, taskID, configID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, plexus.NewError(plexus.CodeTaskNotFound, "push config %s not found", configID)
	}
	if err != nil {
		return nil, s.wrapDB(err)
	}
	return s.decryptConfig(c)
}

// ListPushConfigs returns all push configs of a task the scope owns.
func (s *Service) ListPushConfigs(ctx context.Context, scope *plexus.Scope, taskID string) ([]*plexus.PushConfig, error) {
	if _, err := s.ownedTask(ctx, scope, taskID); err != nil {
		return nil, err
	}
	dctx, cancel := s.dbCtx(ctx)
	defer cancel()
	configs, err := s.store.ListPushConfigs(dctx, taskID, false)
	if err != nil {
		return nil, s.wrapDB(err)
	}
	out := make([]*plexus.PushConfig, 0, len(configs))
	for _, c := range configs {
		dec, err := s.decryptConfig(c)
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}

// DeletePushConfig removes one push config.
func (s *Service) DeletePushConfig(ctx context.Context, scope *plexus.Scope, taskID, configID string) error {
	if _, err := s.ownedTask(ctx, scope, taskID); err != nil {
		return err
	}
	dctx, cancel := s.dbCtx(ctx)
	defer cancel()
	err := s.store.DeletePushConfig(dctx, taskID, configID)
	if errors.Is(err, storage.ErrNotFound) {
		return plexus.NewError(plexus.CodeTaskNotFound, "push config %s not found", configID)
	}
	return s.wrapDB(err)
}

func (s *Service) decryptConfig(c *plexus.PushConfig) (*plexus.PushConfig, error) {
	if len(c.Authentication) == 0 {
		return c, nil
	}
	plain, err := s.cipher.Decrypt(string(c.Authentication))
	if err != nil {
		return nil, plexus.NewError(plexus.CodeInternalError, "decrypt push auth: %v", err)
	}
	cp := *c
	cp.Authentication = plain
	return &cp, nil
}
