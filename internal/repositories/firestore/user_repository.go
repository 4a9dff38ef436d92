package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/text/cases"
	"google.golang.org/api/iterator"

	domain "github.com/maplecart/api/internal/domain"
	pfirestore "github.com/maplecart/api/internal/platform/firestore"
)

const (
	usersCollection = "users"

	defaultEmailSearchLimit = 25
	maxEmailSearchLimit     = 100
)

var emailFolder = cases.Fold()

type userDocument struct {
	Email       string    `firestore:"email"`
	EmailFold   string    `firestore:"emailFold"`
	DisplayName string    `firestore:"displayName,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

// UserRepository implements repositories.UserRepository backed by Firestore.
type UserRepository struct {
	provider *pfirestore.Provider
}

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	return &UserRepository{provider: provider}, nil
}

// FindByID fetches one profile by its document ID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return domain.UserProfile{}, pfirestore.NotFoundError("users.get", errors.New("user id is required"))
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.UserProfile{}, err
	}
	snap, err := coll.Doc(trimmed).Get(ctx)
	if err != nil {
		return domain.UserProfile{}, pfirestore.WrapError("users.get", err)
	}
	return decodeUser(snap)
}

// SearchByEmailPrefix matches profiles whose case-folded email starts with the
// given prefix. The fold is applied with Unicode case folding so searches are
// case-insensitive regardless of how the address was stored.
func (r *UserRepository) SearchByEmailPrefix(ctx context.Context, emailPrefix string, limit int) ([]domain.UserProfile, error) {
	prefix := emailFolder.String(strings.TrimSpace(emailPrefix))
	if prefix == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultEmailSearchLimit
	}
	if limit > maxEmailSearchLimit {
		limit = maxEmailSearchLimit
	}

	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	iter := coll.
		Where("emailFold", ">=", prefix).
		Where("emailFold", "<", prefix+"\uf8ff").
		OrderBy("emailFold", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var profiles []domain.UserProfile
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("users.searchByEmail", err)
		}
		profile, err := decodeUser(snap)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (r *UserRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(usersCollection), nil
}

func decodeUser(snap *firestore.DocumentSnapshot) (domain.UserProfile, error) {
	var doc userDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.UserProfile{}, fmt.Errorf("firestore users decode %s: %w", snap.Ref.ID, err)
	}
	return domain.UserProfile{
		ID:          snap.Ref.ID,
		Email:       doc.Email,
		DisplayName: doc.DisplayName,
		CreatedAt:   doc.CreatedAt,
	}, nil
}
