package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
)

var ErrUserInactive = errors.New("user: inactive")

type userService struct {
	repo   ports.UserRepository
	logger *logger.Logger
}

func NewUserService(repo ports.UserRepository, log *logger.Logger) ports.UserService {
	return &userService{repo: repo, logger: log}
}

// Resolve returns the user behind an identity forwarded by the authentication
// proxy, registering it on first sight.
func (s *userService) Resolve(ctx context.Context, source, username string) (*domain.User, error) {
	source = strings.TrimSpace(source)
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, nil
	}
	if source == "" {
		source = "local"
	}

	user, err := s.repo.GetByIdentity(ctx, source, username)
	if err == nil {
		if !user.Active {
			return nil, ErrUserInactive
		}
		return user, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return nil, err
	}

	user = &domain.User{Source: source, Username: username, Active: true}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("register user %s/%s: %w", source, username, err)
	}
	s.logger.Infow("user_registered", "source", source, "username", username)
	return user, nil
}
