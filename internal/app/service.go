// Package app holds the application service and HTTP surface. The service
// owns tenant scoping, validation, and the orchestration between the store,
// the per-funnel git repositories, search, blob storage, and the outbox.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"time"

	"beacon/api/internal/authpw"
	"beacon/api/internal/blob"
	"beacon/api/internal/config"
	"beacon/api/internal/gitrepo"
	"beacon/api/internal/rbac"
	"beacon/api/internal/search"
	"beacon/api/internal/snapshot"
	"beacon/api/internal/store"
	"beacon/api/internal/util"
)

// Session is what a successful sign-in or refresh returns. Sessions rebuilt
// from a bearer token carry no refresh token.
type Session struct {
	Token        string    `json:"token,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	BusinessID   string    `json:"businessId"`
	JTI          string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// dataStore is the persistence surface the service needs. *store.PostgresStore
// satisfies it; tests swap in a fake.
type dataStore interface {
	Ping(ctx context.Context) error

	CountBusinesses(ctx context.Context) (int, error)
	InsertBusiness(ctx context.Context, business store.Business) error
	GetBusiness(ctx context.Context, businessID string) (store.Business, error)
	GetBusinessBySlug(ctx context.Context, slug string) (store.Business, error)
	UpdateBusiness(ctx context.Context, business store.Business) error

	GetUserByID(ctx context.Context, userID string) (store.PortalUser, error)
	GetUserByEmail(ctx context.Context, email string) (store.PortalUser, error)
	ListUsers(ctx context.Context, businessID string) ([]store.PortalUser, error)

	ListFunnels(ctx context.Context, businessID string) ([]store.Funnel, error)
	GetFunnel(ctx context.Context, funnelID string) (store.Funnel, error)
	GetFunnelBySlug(ctx context.Context, businessID, slug string) (store.Funnel, error)
	InsertFunnel(ctx context.Context, funnel store.Funnel) error
	UpdateFunnel(ctx context.Context, funnelID, name, slug string) error
	UpdateFunnelStatus(ctx context.Context, funnelID, status string) error
	MarkFunnelPublished(ctx context.Context, funnelID string) error
	SetFunnelSnapshot(ctx context.Context, funnelID, assetID string) error

	ListPages(ctx context.Context, funnelID string) ([]store.Page, error)
	GetPage(ctx context.Context, pageID string) (store.Page, error)
	GetPageBySlug(ctx context.Context, funnelID, slug string) (store.Page, error)
	InsertPage(ctx context.Context, page store.Page) error
	UpdatePage(ctx context.Context, pageID, title, slug, seoTitle, seoDescription string) error
	UpdatePageContent(ctx context.Context, pageID, contentMode, content string) error
	DeletePage(ctx context.Context, pageID string) error
	ReorderPages(ctx context.Context, funnelID string, pageIDs []string) error

	ListForms(ctx context.Context, businessID string) ([]store.Form, error)
	GetForm(ctx context.Context, formID string) (store.Form, error)
	InsertForm(ctx context.Context, form store.Form) error
	UpdateForm(ctx context.Context, formID, name, fields, successMessage string, notify bool) error
	DeleteForm(ctx context.Context, formID string) error
	InsertSubmission(ctx context.Context, submission store.FormSubmission) error
	ListSubmissions(ctx context.Context, formID string, limit int) ([]store.FormSubmission, error)
	CountSubmissions(ctx context.Context, formID string) (int, error)

	UpsertBookingByRef(ctx context.Context, booking store.Booking) (store.Booking, bool, error)
	GetBooking(ctx context.Context, bookingID string) (store.Booking, error)
	ListBookings(ctx context.Context, businessID string, limit int) ([]store.Booking, error)

	GetReviewSettings(ctx context.Context, businessID string) (store.ReviewSettings, error)
	SaveReviewSettings(ctx context.Context, settings store.ReviewSettings) error
	InsertReviewRequest(ctx context.Context, request store.ReviewRequest) error
	GetReviewRequest(ctx context.Context, requestID string) (store.ReviewRequest, error)
	GetReviewRequestByToken(ctx context.Context, token string) (store.ReviewRequest, error)
	ListReviewRequests(ctx context.Context, businessID, status string, limit int) ([]store.ReviewRequest, error)
	UpdateReviewRequestStatus(ctx context.Context, requestID, status string) error
	MarkReviewRequestClicked(ctx context.Context, requestID string) error
	HasRecentReviewRequest(ctx context.Context, businessID, recipient string, since time.Time) (bool, error)

	ListSequences(ctx context.Context, businessID string) ([]store.FollowUpSequence, error)
	ListActiveSequencesByTrigger(ctx context.Context, businessID, trigger string) ([]store.FollowUpSequence, error)
	GetSequence(ctx context.Context, sequenceID string) (store.FollowUpSequence, error)
	InsertSequence(ctx context.Context, sequence store.FollowUpSequence) error
	UpdateSequence(ctx context.Context, sequenceID, name, trigger, steps string, active bool) error
	DeleteSequence(ctx context.Context, sequenceID string) error

	EnqueueMessage(ctx context.Context, message store.OutboxMessage) (bool, error)
	GetMessage(ctx context.Context, messageID string) (store.OutboxMessage, error)
	ListMessages(ctx context.Context, businessID, status string, limit int) ([]store.OutboxMessage, error)
	OutboxCounts(ctx context.Context, businessID string) (store.OutboxStats, error)
	CancelMessage(ctx context.Context, messageID string) (bool, error)
	RequeueMessage(ctx context.Context, messageID string) (bool, error)

	InsertAsset(ctx context.Context, asset store.Asset) error
	GetAsset(ctx context.Context, assetID string) (store.Asset, error)
	ListAssets(ctx context.Context, businessID, kind string) ([]store.Asset, error)
	DeleteAsset(ctx context.Context, assetID string) error

	UpsertSearchDocument(ctx context.Context, kind, id, businessID, title, body, slug string) error
	DeleteSearchDocument(ctx context.Context, kind, id string) error
}

// SessionStore persists refresh sessions and the access-token denylist.
// Backed by Redis when configured, Postgres otherwise.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// searchIndex is the query-and-index surface of the search facade.
type searchIndex interface {
	Search(q search.Query) search.Response
	Index(rec search.Record)
	Delete(id string)
}

// blobStore is the object-storage surface used for uploaded assets. It is
// nil when no object storage is configured.
type blobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignedGet(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	accounts *authpw.Service
	git      *gitrepo.Service
	search   searchIndex
	blobs    blobStore
	snaps    *snapshot.Service
	now      func() time.Time
}

func New(cfg config.Config, st *store.PostgresStore, sessions SessionStore, accounts *authpw.Service, git *gitrepo.Service, searcher *search.Service, blobs *blob.Store, snaps *snapshot.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		accounts: accounts,
		git:      git,
		search:   searcher,
		snaps:    snaps,
		now:      time.Now,
	}
	// Keep the interface field nil when storage is unconfigured so handlers
	// can tell "not set up" from "set up but failing".
	if blobs != nil {
		svc.blobs = blobs
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Can reports whether the session's role permits the action.
func (s *Service) Can(session Session, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(session.Role), action)
}

// Bootstrap seeds the first business and its owner account on an empty
// database. It is a no-op when any business exists or no seed is configured.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountBusinesses(ctx)
	if err != nil {
		return fmt.Errorf("count businesses: %w", err)
	}
	if count > 0 {
		return nil
	}
	if s.cfg.BootstrapAdminEmail == "" || s.cfg.BootstrapAdminPassword == "" {
		log.Printf("bootstrap: empty database and no seed configured, skipping")
		return nil
	}

	name := s.cfg.BootstrapBusinessName
	if name == "" {
		name = "My Business"
	}
	slug := s.cfg.BootstrapBusinessSlug
	if slug == "" {
		slug = slugify(name)
	}
	business := store.Business{
		ID:               util.NewID("biz"),
		Name:             name,
		Slug:             slug,
		Timezone:         "UTC",
		QuietStartMinute: 21 * 60,
		QuietEndMinute:   8 * 60,
	}
	if err := s.store.InsertBusiness(ctx, business); err != nil {
		return fmt.Errorf("seed business: %w", err)
	}

	created, err := s.accounts.CreateUser(ctx, authpw.CreateUserRequest{
		BusinessID:  business.ID,
		Email:       s.cfg.BootstrapAdminEmail,
		Password:    s.cfg.BootstrapAdminPassword,
		DisplayName: "Owner",
		Role:        string(rbac.RoleOwner),
		Verified:    true,
	})
	if err != nil {
		return fmt.Errorf("seed owner: %w", err)
	}

	settings := store.ReviewSettings{
		BusinessID:   business.ID,
		Enabled:      false,
		Channel:      "sms",
		DelayMinutes: 60,
		ThrottleDays: 30,
	}
	if err := s.store.SaveReviewSettings(ctx, settings); err != nil {
		return fmt.Errorf("seed review settings: %w", err)
	}

	log.Printf("bootstrap: created business %s (%s) with owner %s", business.ID, business.Slug, created.User.Email)
	return nil
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

func validSlug(slug string) bool {
	return len(slug) <= 80 && slugPattern.MatchString(slug)
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = nonSlugChars.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 80 {
		slug = strings.Trim(slug[:80], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

func randomToken(prefix string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return prefix + hex.EncodeToString(raw), nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
