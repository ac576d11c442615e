package service

import (
	"context"
	"fmt"
	"regexp"

	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/repository"
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// HandleService maps human-readable handles to systems.
type HandleService struct {
	repo       repository.HandleRepository
	challenges *ChallengeService
}

// NewHandleService constructs HandleService.
func NewHandleService(repo repository.HandleRepository, challenges *ChallengeService) *HandleService {
	return &HandleService{repo: repo, challenges: challenges}
}

// Claim binds handle to system once the signed challenge checks out.
func (s *HandleService) Claim(ctx context.Context, handle string, system identity.PublicKey, challenge string, signature []byte) error {
	if !handlePattern.MatchString(handle) {
		return fmt.Errorf("handle %q: %w", handle, errs.ErrInvalidHandle)
	}
	if err := system.Valid(); err != nil {
		return fmt.Errorf("system: %w", err)
	}
	if err := s.challenges.Verify(challenge, handle, system, signature); err != nil {
		return err
	}
	return s.repo.ClaimHandle(ctx, handle, system)
}

// Resolve returns the system owning handle. An unclaimed handle is not an
// error: ok is false and the key is empty.
func (s *HandleService) Resolve(ctx context.Context, handle string) (system identity.PublicKey, ok bool, err error) {
	if !handlePattern.MatchString(handle) {
		return identity.PublicKey{}, false, fmt.Errorf("handle %q: %w", handle, errs.ErrInvalidHandle)
	}
	return s.repo.ResolveHandle(ctx, handle)
}
