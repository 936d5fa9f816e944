package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Requester",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleRequester {
		t.Fatalf("register: expected default role %s got %s", RoleRequester, user.Role)
	}
	if user.ProviderID != nil {
		t.Fatalf("register: requester should not get a provider profile")
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	id, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if id.UserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, id.UserID)
	}
	if id.Role != RoleRequester {
		t.Fatalf("verify token: expected role %s got %s", RoleRequester, id.Role)
	}
}

func TestService_RegisterProviderCarriesProfile(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret").WithStarterCredits(func(context.Context) (int, error) {
		return 3, nil
	})

	ctx := context.Background()
	user, err := svc.Register(ctx, RegisterRequest{
		Email:    "bob@example.com",
		Password: "supersafe",
		FullName: "Bob Provider",
		Role:     RoleProvider,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.ProviderID == nil {
		t.Fatal("expected provider profile id")
	}
	if repo.lastParams.StarterCredits != 3 {
		t.Fatalf("expected 3 starter credits, got %d", repo.lastParams.StarterCredits)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: "bob@example.com", Password: "supersafe"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	id, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Role != RoleProvider || id.ProviderID != *user.ProviderID {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Requester",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "judge@example.com",
		Password: "strongpassword",
		FullName: "Judge",
		Role:     RoleArbitrator,
	}); err == nil {
		t.Fatal("expected arbitrator self-registration to be rejected")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Requester",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejectsExpiredAndForeign(t *testing.T) {
	repo := newFakeRepository()
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := issuedAt
	svc := NewService(repo, "test-secret").WithTokenTTL(time.Hour).WithClock(func() time.Time { return clock })

	token, err := svc.IssueToken(User{ID: "user-1", Role: RoleArbitrator})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.VerifyToken(token); err != nil {
		t.Fatalf("expected fresh token to verify: %v", err)
	}

	clock = issuedAt.Add(2 * time.Hour)
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail with ErrInvalidToken, got %v", err)
	}

	clock = issuedAt
	other := NewService(repo, "other-secret").WithClock(func() time.Time { return clock })
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign signature to fail, got %v", err)
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
	lastParams   CreateUserParams
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	f.lastParams = params
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if params.Role == RoleProvider {
		providerID := "provider-" + id
		user.ProviderID = &providerID
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
