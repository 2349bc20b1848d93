package shell

import (
	"context"

	"lookout/internal/db"
	"lookout/internal/models"
)

// Vault is the only path to shell credential plaintext. The relay's state
// machine never touches storage directly, so the storage or encryption
// strategy can change behind this surface.
type Vault struct {
	repo *db.Repository
}

func NewVault(repo *db.Repository) *Vault {
	return &Vault{repo: repo}
}

// GetReplayableSecret returns the stored credential for host, including the
// recoverable secret used for automatic re-login.
func (v *Vault) GetReplayableSecret(ctx context.Context, hostname string) (models.ShellCredential, error) {
	return v.repo.GetCredential(ctx, hostname)
}

// Store persists the credential, overwriting any prior one for the host.
func (v *Vault) Store(ctx context.Context, c models.ShellCredential) error {
	return v.repo.PutCredential(ctx, c)
}

// Invalidate removes the stored credential, forcing the operator to re-enter
// it on the next login.
func (v *Vault) Invalidate(ctx context.Context, hostname string) error {
	return v.repo.DeleteCredential(ctx, hostname)
}
