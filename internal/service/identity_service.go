package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/pickup-go-api/internal/clock"
	"github.com/noah-isme/pickup-go-api/internal/models"
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

// identityLookupTimeout bounds a shared lookup, which outlives the caller that
// started it.
const identityLookupTimeout = 5 * time.Second

// errIdentityUnknown tells the chain to try the next source.
var errIdentityUnknown = errors.New("identity unknown to source")

// Credentials is what the transport knows about the caller.
type Credentials struct {
	// SessionKey identifies the session for caching. Required.
	SessionKey string
	// SessionID is looked up in the session store when set.
	SessionID string
	ActorID   uint
	Email     string
}

// IdentitySource maps credentials to an actor id, or errIdentityUnknown.
type IdentitySource interface {
	Name() string
	Lookup(ctx context.Context, creds Credentials) (uint, error)
}

// IdentityService resolves the acting user once per session.
type IdentityService interface {
	Resolve(ctx context.Context, creds Credentials) (models.Actor, error)
	Invalidate(sessionKey string)
}

type identityEntry struct {
	actor     models.Actor
	expiresAt time.Time
}

type identityService struct {
	actors  repository.ActorRepository
	sources []IdentitySource
	ttl     time.Duration
	clock   clock.Clock
	logger  zerolog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]identityEntry
	// epoch moves on every Invalidate so a lookup that started before it
	// does not repopulate the cache.
	epoch uint64
}

// NewIdentityService builds a resolver that tries sources in order. The
// resolved actor is cached per session key until ttl passes or Invalidate is
// called for that key.
func NewIdentityService(actors repository.ActorRepository, sources []IdentitySource, ttl time.Duration, clk clock.Clock, logger zerolog.Logger) IdentityService {
	if clk == nil {
		clk = clock.Real()
	}
	return &identityService{
		actors:  actors,
		sources: sources,
		ttl:     ttl,
		clock:   clk,
		logger:  logger.With().Str("component", "identity_service").Logger(),
		cache:   make(map[string]identityEntry),
	}
}

// DefaultIdentitySources is the usual chain: token claims, then the session
// store, then the directory by e-mail.
func DefaultIdentitySources(actors repository.ActorRepository, sessions *redis.Client) []IdentitySource {
	sources := []IdentitySource{claimsSource{}}
	if sessions != nil {
		sources = append(sources, sessionSource{client: sessions})
	}
	return append(sources, directorySource{actors: actors})
}

func (s *identityService) Resolve(ctx context.Context, creds Credentials) (models.Actor, error) {
	key := strings.TrimSpace(creds.SessionKey)
	if key == "" {
		return models.Actor{}, fmt.Errorf("%w: missing session", ErrUnauthorized)
	}

	s.mu.RLock()
	entry, ok := s.cache[key]
	epoch := s.epoch
	s.mu.RUnlock()
	if ok && s.clock.Now().Before(entry.expiresAt) {
		return entry.actor, nil
	}

	value, err, _ := s.group.Do(key, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), identityLookupTimeout)
		defer cancel()
		actor, err := s.lookup(lookupCtx, creds)
		if err != nil {
			return models.Actor{}, err
		}
		s.mu.Lock()
		if s.epoch == epoch {
			s.cache[key] = identityEntry{actor: actor, expiresAt: s.clock.Now().Add(s.ttl)}
		}
		s.mu.Unlock()
		return actor, nil
	})
	if err != nil {
		return models.Actor{}, err
	}
	return value.(models.Actor), nil
}

func (s *identityService) Invalidate(sessionKey string) {
	s.group.Forget(sessionKey)
	s.mu.Lock()
	delete(s.cache, sessionKey)
	s.epoch++
	s.mu.Unlock()
}

func (s *identityService) lookup(ctx context.Context, creds Credentials) (models.Actor, error) {
	for _, source := range s.sources {
		actorID, err := source.Lookup(ctx, creds)
		if errors.Is(err, errIdentityUnknown) {
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("source", source.Name()).Msg("identity source failed")
			continue
		}

		actor, err := s.actors.FindByID(ctx, actorID)
		if repository.IsNotFound(err) {
			continue
		}
		if err != nil {
			return models.Actor{}, fmt.Errorf("%w: %v", ErrTransientIO, err)
		}
		s.logger.Debug().Str("source", source.Name()).Uint("actor_id", actor.ID).Msg("identity resolved")
		return actor, nil
	}
	return models.Actor{}, fmt.Errorf("%w: identity could not be resolved", ErrUnauthorized)
}

type claimsSource struct{}

func (claimsSource) Name() string { return "claims" }

func (claimsSource) Lookup(_ context.Context, creds Credentials) (uint, error) {
	if creds.ActorID == 0 {
		return 0, errIdentityUnknown
	}
	return creds.ActorID, nil
}

// SessionKeyPrefix prefixes session records in Redis. The value is the actor id.
const SessionKeyPrefix = "session:"

type sessionSource struct {
	client *redis.Client
}

func (sessionSource) Name() string { return "session" }

func (s sessionSource) Lookup(ctx context.Context, creds Credentials) (uint, error) {
	if creds.SessionID == "" {
		return 0, errIdentityUnknown
	}
	value, err := s.client.Get(ctx, SessionKeyPrefix+creds.SessionID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, errIdentityUnknown
	}
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil || id == 0 {
		return 0, errIdentityUnknown
	}
	return uint(id), nil
}

type directorySource struct {
	actors repository.ActorRepository
}

func (directorySource) Name() string { return "directory" }

func (s directorySource) Lookup(ctx context.Context, creds Credentials) (uint, error) {
	if strings.TrimSpace(creds.Email) == "" {
		return 0, errIdentityUnknown
	}
	actor, err := s.actors.FindByEmail(ctx, creds.Email)
	if repository.IsNotFound(err) {
		return 0, errIdentityUnknown
	}
	if err != nil {
		return 0, err
	}
	return actor.ID, nil
}
