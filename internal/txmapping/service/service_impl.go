package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/subsync/internal/account/domain"
	"github.com/smallbiznis/subsync/internal/clock"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	txmappingdomain "github.com/smallbiznis/subsync/internal/txmapping/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      txmappingdomain.Repository
	Directory accountdomain.Directory
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      txmappingdomain.Repository
	directory accountdomain.Directory
}

func New(p Params) txmappingdomain.Resolver {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("txmapping.resolver"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		directory: p.Directory,
	}
}

// Resolve tries the transaction id, the lineage id, the current email mapping
// and finally the account directory.
func (s *Service) Resolve(ctx context.Context, db *gorm.DB, in txmappingdomain.ResolveInput) (*accountdomain.User, error) {
	if db == nil {
		db = s.db
	}

	var stale *txmappingdomain.Mapping
	for _, ref := range uniqueRefs(in.TransactionRef, in.OriginalTransaction) {
		mapping, err := s.repo.FindByTransaction(ctx, db, in.Gateway, ref)
		if err != nil {
			return nil, err
		}
		if mapping == nil {
			continue
		}
		user, err := s.directory.FindByID(ctx, db, mapping.UserID)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
		stale = mapping
	}

	emails := []string{normalizeEmail(in.Email)}
	if stale != nil {
		emails = append([]string{normalizeEmail(stale.Email)}, emails...)
	}
	for _, email := range emails {
		if email == "" {
			continue
		}
		mapping, err := s.repo.FindByEmail(ctx, db, in.Gateway, email)
		if err != nil {
			return nil, err
		}
		if mapping != nil && (stale == nil || mapping.ID != stale.ID) {
			user, err := s.directory.FindByID(ctx, db, mapping.UserID)
			if err != nil {
				return nil, err
			}
			if user != nil {
				return user, nil
			}
		}
		user, err := s.directory.FindByEmail(ctx, db, email)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}

	if id, err := strconv.ParseInt(strings.TrimSpace(in.UserRef), 10, 64); err == nil && id > 0 {
		user, err := s.directory.FindByID(ctx, db, snowflake.ID(id))
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}

	return nil, txmappingdomain.ErrNotFound
}

func (s *Service) EnsureMapping(ctx context.Context, tx *gorm.DB, user *accountdomain.User, transactionRef string, gateway gatewaydomain.Gateway) (*txmappingdomain.Mapping, error) {
	transactionRef = strings.TrimSpace(transactionRef)
	if transactionRef == "" || gateway == "" {
		return nil, txmappingdomain.ErrInvalidReference
	}
	if user == nil || normalizeEmail(user.Email) == "" {
		return nil, txmappingdomain.ErrUserEmailRequired
	}
	email := normalizeEmail(user.Email)
	now := s.clock.Now()

	byTxn, err := s.repo.FindByTransaction(ctx, tx, gateway, transactionRef)
	if err != nil {
		return nil, err
	}
	if byTxn != nil {
		if byTxn.UserID != user.ID {
			return nil, txmappingdomain.ErrMappingConflict
		}
		return byTxn, nil
	}

	byEmail, err := s.repo.FindByEmail(ctx, tx, gateway, email)
	if err != nil {
		return nil, err
	}
	if byEmail != nil {
		byEmail.TransactionID = transactionRef
		byEmail.UserID = user.ID
		byEmail.UpdatedAt = now
		if err := s.repo.UpdateTransaction(ctx, tx, byEmail); err != nil {
			return nil, err
		}
		return byEmail, nil
	}

	mapping := &txmappingdomain.Mapping{
		ID:            s.genID.Generate(),
		TransactionID: transactionRef,
		Gateway:       gateway,
		Email:         email,
		UserID:        user.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, tx, mapping); err != nil {
		return nil, err
	}
	s.log.Debug("mapping created",
		zap.String("gateway", string(gateway)),
		zap.String("user_id", user.ID.String()),
	)
	return mapping, nil
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID) ([]txmappingdomain.Mapping, error) {
	if userID == 0 {
		return nil, txmappingdomain.ErrInvalidReference
	}
	return s.repo.ListByUser(ctx, s.db, userID)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func uniqueRefs(refs ...string) []string {
	out := make([]string, 0, len(refs))
	seen := map[string]struct{}{}
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
