package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
)

// ErrAccountMismatch is returned when a login presents a session of another
// remote account than the one bound to the identity.
var ErrAccountMismatch = fmt.Errorf("%w: session belongs to another account", remote.ErrInvalidCredential)

// Credentials stores users' remote session credentials sealed at rest.
type Credentials struct {
	tree   *metadata.Tree
	sealer *CredentialSealer

	// bindMu serializes Bind so two first logins cannot both claim an identity.
	bindMu sync.Mutex
}

// NewCredentials creates a credential store on top of tree's user records.
func NewCredentials(tree *metadata.Tree, sealer *CredentialSealer) *Credentials {
	return &Credentials{tree: tree, sealer: sealer}
}

// Register seals cred and upserts the user record for identity without
// checking it against the remote service. Used by operator tooling.
func (c *Credentials) Register(ctx context.Context, identity, firstName string, cred remote.Credential) error {
	return c.put(ctx, identity, firstName, "", cred)
}

// Bind checks cred with the remote service and stores it for identity. The
// first login binds the identity to the credential's account; later logins
// must present a session of that same account or fail with
// ErrAccountMismatch. An empty firstName keeps the stored one.
func (c *Credentials) Bind(ctx context.Context, conn remote.Connector, identity, firstName string, cred remote.Credential) error {
	account, err := accountOf(ctx, conn, cred)
	if err != nil {
		return err
	}

	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	u, err := c.tree.User(ctx, identity)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
	case err != nil:
		return err
	default:
		bound := u.Account
		if bound == "" {
			bound, err = c.storedAccount(ctx, conn, u)
			if err != nil {
				return err
			}
		}
		if subtle.ConstantTimeCompare([]byte(bound), []byte(account)) != 1 {
			return ErrAccountMismatch
		}
		if firstName == "" {
			firstName = u.FirstName
		}
	}
	return c.put(ctx, identity, firstName, account, cred)
}

// storedAccount derives the account of a record registered without one.
func (c *Credentials) storedAccount(ctx context.Context, conn remote.Connector, u *metadata.User) (string, error) {
	stored, err := c.sealer.Open(u.Credential)
	if err != nil {
		return "", fmt.Errorf("credential of %s: %w", u.Identity, err)
	}
	account, err := accountOf(ctx, conn, remote.Credential(stored))
	if err != nil {
		return "", fmt.Errorf("bound account of %s: %w", u.Identity, err)
	}
	return account, nil
}

func (c *Credentials) put(ctx context.Context, identity, firstName, account string, cred remote.Credential) error {
	sealed, err := c.sealer.Seal(cred)
	if err != nil {
		return err
	}
	return c.tree.RegisterUser(ctx, &metadata.User{
		Identity:   identity,
		Credential: sealed,
		FirstName:  firstName,
		Account:    account,
	})
}

func accountOf(ctx context.Context, conn remote.Connector, cred remote.Credential) (string, error) {
	s, err := conn.Connect(ctx, cred)
	if err != nil {
		return "", err
	}
	defer s.Close()
	return s.Account(), nil
}

// Lookup returns the unsealed credential of identity.
func (c *Credentials) Lookup(ctx context.Context, identity string) (remote.Credential, error) {
	u, err := c.tree.User(ctx, identity)
	if err != nil {
		return nil, err
	}
	cred, err := c.sealer.Open(u.Credential)
	if err != nil {
		return nil, fmt.Errorf("credential of %s: %w", identity, err)
	}
	return remote.Credential(cred), nil
}

// FirstName returns the display name stored for identity, or "".
func (c *Credentials) FirstName(ctx context.Context, identity string) string {
	u, err := c.tree.User(ctx, identity)
	if err != nil {
		return ""
	}
	return u.FirstName
}
