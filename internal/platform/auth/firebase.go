package auth

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/maplecart/api/internal/platform/config"
)

// FirebaseVerifier wraps the Firebase Admin SDK behind the TokenVerifier
// and UserGetter contracts the authenticator consumes. Every SDK call runs
// under a bounded context so a slow identity backend cannot hold requests.
type FirebaseVerifier struct {
	client *firebaseauth.Client
}

// NewFirebaseVerifier initialises the Admin SDK for the configured project.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

// VerifyIDToken checks the token signature and claims against the project.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("auth: firebase verifier not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, defaultVerifyTimeout)
	defer cancel()
	return v.client.VerifyIDToken(ctx, idToken)
}

// GetUser loads the Firebase user record backing an identity.
func (v *FirebaseVerifier) GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("auth: firebase verifier not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, defaultVerifyTimeout)
	defer cancel()
	return v.client.GetUser(ctx, uid)
}
