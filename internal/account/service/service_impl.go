package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	accountdomain "github.com/smallbiznis/subsync/internal/account/domain"
	"github.com/smallbiznis/subsync/internal/clock"
	dbpkg "github.com/smallbiznis/subsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  accountdomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     accountdomain.Repository
	validate *validator.Validate
}

func New(p Params) accountdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("account.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		validate: validator.New(),
	}
}

func (s *Service) Create(ctx context.Context, req accountdomain.CreateUserRequest) (*accountdomain.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validate.Struct(req); err != nil {
		return nil, accountdomain.ErrInvalidEmail
	}

	now := s.clock.Now()
	user := &accountdomain.User{
		ID:        s.genID.Generate(),
		Email:     req.Email,
		Status:    accountdomain.UserStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, user); err != nil {
		if dbpkg.IsDuplicateKeyErr(err) {
			return nil, accountdomain.ErrEmailTaken
		}
		return nil, err
	}
	s.log.Info("user created", zap.String("user_id", user.ID.String()))
	return user, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*accountdomain.User, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || parsed <= 0 {
		return nil, accountdomain.ErrInvalidID
	}
	user, err := s.repo.FindByID(ctx, s.db, snowflake.ID(parsed))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, accountdomain.ErrNotFound
	}
	return user, nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*accountdomain.User, error) {
	user, err := s.repo.FindByEmail(ctx, s.db, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, accountdomain.ErrNotFound
	}
	return user, nil
}
