package handlers

import (
	"context"
	"fmt"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
)

// CacheKeyPrefix prefixes the pubkey in the cache authorization key.
const CacheKeyPrefix = "username_"

// AuthorizationSource decides whether a pubkey may authenticate.
type AuthorizationSource interface {
	IsAuthorized(ctx context.Context, pubkey string) (bool, error)
}

// UserRepositorySource admits registered users flagged as admitted.
type UserRepositorySource struct {
	Users domain.UserRepository
}

func (s UserRepositorySource) IsAuthorized(ctx context.Context, pubkey string) (bool, error) {
	user, err := s.Users.FindByPubkey(ctx, pubkey)
	if err != nil {
		return false, err
	}
	return user != nil && user.IsAdmitted, nil
}

// CacheSource admits any pubkey with a "username_<pubkey>" cache entry.
type CacheSource struct {
	Cache domain.Cache
}

func (s CacheSource) IsAuthorized(ctx context.Context, pubkey string) (bool, error) {
	return s.Cache.HasKey(ctx, CacheKeyPrefix+pubkey)
}

// NewAuthorizationSource picks the source named by auth.SOURCE.
func NewAuthorizationSource(source string, users domain.UserRepository, cache domain.Cache) (AuthorizationSource, error) {
	switch source {
	case config.AuthSourceRepository:
		if users == nil {
			return nil, fmt.Errorf("authorization source %q needs a user repository", source)
		}
		return UserRepositorySource{Users: users}, nil
	case config.AuthSourceCache:
		if cache == nil {
			return nil, fmt.Errorf("authorization source %q needs a cache", source)
		}
		return CacheSource{Cache: cache}, nil
	default:
		return nil, fmt.Errorf("unknown authorization source %q", source)
	}
}
