// Package registry manages the fleet of registered worker clients: creation of
// credentials, authentication, heartbeats and profile updates.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaseous-project/hasheous-sub000/internal/capability"
	"github.com/gaseous-project/hasheous-sub000/internal/store"
)

// RoleTaskRunner must be held by the operator registering a worker.
const RoleTaskRunner = "task-runner"

const secretCreateAttempts = 10

var (
	ErrInvalidCredentials = errors.New("invalid client credentials")
	ErrPermissionDenied   = errors.New("permission denied")

	// ErrKeyspaceExhausted means secret generation collided on every attempt.
	// With 256-bit secrets this signals a broken entropy source, not bad luck;
	// it is surfaced, never retried silently.
	ErrKeyspaceExhausted = errors.New("secret key generation attempts exhausted")
)

type Registry struct {
	clients  store.ClientStore
	baseline capability.BaselineConfig
	logger   *zap.Logger

	// newSecret is swappable so tests can force collisions.
	newSecret func() (string, error)
}

func New(clients store.ClientStore, baseline capability.BaselineConfig, logger *zap.Logger) *Registry {
	return &Registry{
		clients:   clients,
		baseline:  baseline,
		logger:    logger,
		newSecret: newSecretKey,
	}
}

// newSecretKey draws 32 bytes (256 bits) from crypto/rand, hex encoded.
func newSecretKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type RegisterParams struct {
	OwnerID      string
	Roles        []string
	Name         string
	Version      string
	Capabilities capability.Set
	// PublicID is optional; the server assigns one when absent.
	PublicID *uuid.UUID
}

// Registration is everything a fresh worker needs: its credentials plus the
// self-test baseline for each capability it declared.
type Registration struct {
	PublicID  uuid.UUID           `json:"public_id"`
	SecretKey string              `json:"secret_key"`
	Baseline  capability.Baseline `json:"capability_baseline"`
}

func (r *Registry) Register(ctx context.Context, p RegisterParams) (*Registration, error) {
	if !hasRole(p.Roles, RoleTaskRunner) {
		return nil, fmt.Errorf("registering a worker requires the %q role: %w", RoleTaskRunner, ErrPermissionDenied)
	}
	if p.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}

	publicID := uuid.New()
	if p.PublicID != nil {
		publicID = *p.PublicID
	}

	for attempt := 0; attempt < secretCreateAttempts; attempt++ {
		secret, err := r.newSecret()
		if err != nil {
			return nil, err
		}

		client, err := r.clients.CreateClient(ctx, store.CreateClientParams{
			PublicID:     publicID,
			SecretKey:    secret,
			OwnerID:      p.OwnerID,
			Name:         p.Name,
			Version:      p.Version,
			Capabilities: p.Capabilities,
		})
		if errors.Is(err, store.ErrDuplicateSecretKey) {
			r.logger.Warn("secret key collision, regenerating",
				zap.Int("attempt", attempt+1),
				zap.String("owner_id", p.OwnerID),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		r.logger.Info("client registered",
			zap.String("public_id", client.PublicID.String()),
			zap.String("owner_id", client.OwnerID),
			zap.String("capabilities", client.Capabilities.String()),
		)
		return &Registration{
			PublicID:  client.PublicID,
			SecretKey: secret,
			Baseline:  capability.BaselineFor(client.Capabilities, r.baseline),
		}, nil
	}
	return nil, ErrKeyspaceExhausted
}

// Authenticate resolves worker credentials to a client, or
// ErrInvalidCredentials.
func (r *Registry) Authenticate(ctx context.Context, secretKey string, publicID uuid.UUID) (*store.Client, error) {
	if secretKey == "" {
		return nil, ErrInvalidCredentials
	}
	client, err := r.clients.GetClientByCredentials(ctx, secretKey, publicID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Heartbeat updates the client's lastHeartbeat and returns the resolved
// client, so callers needing its identity don't authenticate twice.
func (r *Registry) Heartbeat(ctx context.Context, secretKey string, publicID uuid.UUID) (*store.Client, error) {
	client, err := r.Authenticate(ctx, secretKey, publicID)
	if err != nil {
		return nil, err
	}
	if err := r.clients.TouchHeartbeat(ctx, client.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return client, nil
}

type UpdateParams struct {
	Name         string
	Version      string
	Capabilities capability.Set
}

// Update overwrites the mutable client fields that were provided; empty fields
// are preserved.
func (r *Registry) Update(ctx context.Context, secretKey string, publicID uuid.UUID, p UpdateParams) (*store.Client, error) {
	client, err := r.Authenticate(ctx, secretKey, publicID)
	if err != nil {
		return nil, err
	}
	return r.clients.UpdateClient(ctx, client.ID, store.ClientUpdate{
		Name:         p.Name,
		Version:      p.Version,
		Capabilities: p.Capabilities,
	})
}

// Unregister removes a client, scoped to its owning account.
func (r *Registry) Unregister(ctx context.Context, ownerID string, publicID uuid.UUID) error {
	client, err := r.clients.GetClientByPublicID(ctx, publicID)
	if err != nil {
		return err
	}
	if client.OwnerID != ownerID {
		return fmt.Errorf("client %s is not owned by %s: %w", publicID, ownerID, ErrPermissionDenied)
	}
	if err := r.clients.DeleteClient(ctx, client.ID); err != nil {
		return err
	}
	r.logger.Info("client unregistered",
		zap.String("public_id", publicID.String()),
		zap.String("owner_id", ownerID),
	)
	return nil
}

func (r *Registry) ListForOwner(ctx context.Context, ownerID string) ([]store.Client, error) {
	return r.clients.ListClientsForOwner(ctx, ownerID)
}

func (r *Registry) ListAll(ctx context.Context) ([]store.Client, error) {
	return r.clients.ListClients(ctx)
}

func hasRole(roles []string, want string) bool {
	for _, role := range roles {
		if role == want {
			return true
		}
	}
	return false
}
