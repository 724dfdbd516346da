package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"beacon/api/internal/authpw"
	"beacon/api/internal/config"
	"beacon/api/internal/gitrepo"
	"beacon/api/internal/search"
	"beacon/api/internal/snapshot"
	"beacon/api/internal/store"
)

// fakeStore satisfies both the service's persistence interface and
// authpw.UserStore. Every method has a function field; unset fields return
// zero values, with sql.ErrNoRows for single-row lookups so scoping behaves
// like an empty database.
type fakeStore struct {
	pingFn func(ctx context.Context) error

	countBusinessesFn   func(ctx context.Context) (int, error)
	insertBusinessFn    func(ctx context.Context, business store.Business) error
	getBusinessFn       func(ctx context.Context, businessID string) (store.Business, error)
	getBusinessBySlugFn func(ctx context.Context, slug string) (store.Business, error)
	updateBusinessFn    func(ctx context.Context, business store.Business) error

	getUserByIDFn    func(ctx context.Context, userID string) (store.PortalUser, error)
	getUserByEmailFn func(ctx context.Context, email string) (store.PortalUser, error)
	listUsersFn      func(ctx context.Context, businessID string) ([]store.PortalUser, error)

	listFunnelsFn         func(ctx context.Context, businessID string) ([]store.Funnel, error)
	getFunnelFn           func(ctx context.Context, funnelID string) (store.Funnel, error)
	getFunnelBySlugFn     func(ctx context.Context, businessID, slug string) (store.Funnel, error)
	insertFunnelFn        func(ctx context.Context, funnel store.Funnel) error
	updateFunnelFn        func(ctx context.Context, funnelID, name, slug string) error
	updateFunnelStatusFn  func(ctx context.Context, funnelID, status string) error
	markFunnelPublishedFn func(ctx context.Context, funnelID string) error
	setFunnelSnapshotFn   func(ctx context.Context, funnelID, assetID string) error

	listPagesFn         func(ctx context.Context, funnelID string) ([]store.Page, error)
	getPageFn           func(ctx context.Context, pageID string) (store.Page, error)
	getPageBySlugFn     func(ctx context.Context, funnelID, slug string) (store.Page, error)
	insertPageFn        func(ctx context.Context, page store.Page) error
	updatePageFn        func(ctx context.Context, pageID, title, slug, seoTitle, seoDescription string) error
	updatePageContentFn func(ctx context.Context, pageID, contentMode, content string) error
	deletePageFn        func(ctx context.Context, pageID string) error
	reorderPagesFn      func(ctx context.Context, funnelID string, pageIDs []string) error

	listFormsFn        func(ctx context.Context, businessID string) ([]store.Form, error)
	getFormFn          func(ctx context.Context, formID string) (store.Form, error)
	insertFormFn       func(ctx context.Context, form store.Form) error
	updateFormFn       func(ctx context.Context, formID, name, fields, successMessage string, notify bool) error
	deleteFormFn       func(ctx context.Context, formID string) error
	insertSubmissionFn func(ctx context.Context, submission store.FormSubmission) error
	listSubmissionsFn  func(ctx context.Context, formID string, limit int) ([]store.FormSubmission, error)
	countSubmissionsFn func(ctx context.Context, formID string) (int, error)

	upsertBookingByRefFn func(ctx context.Context, booking store.Booking) (store.Booking, bool, error)
	getBookingFn         func(ctx context.Context, bookingID string) (store.Booking, error)
	listBookingsFn       func(ctx context.Context, businessID string, limit int) ([]store.Booking, error)

	getReviewSettingsFn         func(ctx context.Context, businessID string) (store.ReviewSettings, error)
	saveReviewSettingsFn        func(ctx context.Context, settings store.ReviewSettings) error
	insertReviewRequestFn       func(ctx context.Context, request store.ReviewRequest) error
	getReviewRequestFn          func(ctx context.Context, requestID string) (store.ReviewRequest, error)
	getReviewRequestByTokenFn   func(ctx context.Context, token string) (store.ReviewRequest, error)
	listReviewRequestsFn        func(ctx context.Context, businessID, status string, limit int) ([]store.ReviewRequest, error)
	updateReviewRequestStatusFn func(ctx context.Context, requestID, status string) error
	markReviewRequestClickedFn  func(ctx context.Context, requestID string) error
	hasRecentReviewRequestFn    func(ctx context.Context, businessID, recipient string, since time.Time) (bool, error)

	listSequencesFn                func(ctx context.Context, businessID string) ([]store.FollowUpSequence, error)
	listActiveSequencesByTriggerFn func(ctx context.Context, businessID, trigger string) ([]store.FollowUpSequence, error)
	getSequenceFn                  func(ctx context.Context, sequenceID string) (store.FollowUpSequence, error)
	insertSequenceFn               func(ctx context.Context, sequence store.FollowUpSequence) error
	updateSequenceFn               func(ctx context.Context, sequenceID, name, trigger, steps string, active bool) error
	deleteSequenceFn               func(ctx context.Context, sequenceID string) error

	enqueueMessageFn func(ctx context.Context, message store.OutboxMessage) (bool, error)
	getMessageFn     func(ctx context.Context, messageID string) (store.OutboxMessage, error)
	listMessagesFn   func(ctx context.Context, businessID, status string, limit int) ([]store.OutboxMessage, error)
	outboxCountsFn   func(ctx context.Context, businessID string) (store.OutboxStats, error)
	cancelMessageFn  func(ctx context.Context, messageID string) (bool, error)
	requeueMessageFn func(ctx context.Context, messageID string) (bool, error)

	insertAssetFn func(ctx context.Context, asset store.Asset) error
	getAssetFn    func(ctx context.Context, assetID string) (store.Asset, error)
	listAssetsFn  func(ctx context.Context, businessID, kind string) ([]store.Asset, error)
	deleteAssetFn func(ctx context.Context, assetID string) error

	upsertSearchDocumentFn func(ctx context.Context, kind, id, businessID, title, body, slug string) error
	deleteSearchDocumentFn func(ctx context.Context, kind, id string) error

	insertUserFn                 func(ctx context.Context, user store.PortalUser) error
	getUserByVerificationTokenFn func(ctx context.Context, token string) (store.PortalUser, error)
	markEmailVerifiedFn          func(ctx context.Context, userID string) error
	updatePasswordFn             func(ctx context.Context, userID, passwordHash string) error
	insertPasswordResetFn        func(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	usePasswordResetFn           func(ctx context.Context, tokenHash string) (string, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) CountBusinesses(ctx context.Context) (int, error) {
	if f.countBusinessesFn != nil {
		return f.countBusinessesFn(ctx)
	}
	return 0, nil
}

func (f *fakeStore) InsertBusiness(ctx context.Context, business store.Business) error {
	if f.insertBusinessFn != nil {
		return f.insertBusinessFn(ctx, business)
	}
	return nil
}

func (f *fakeStore) GetBusiness(ctx context.Context, businessID string) (store.Business, error) {
	if f.getBusinessFn != nil {
		return f.getBusinessFn(ctx, businessID)
	}
	return store.Business{}, sql.ErrNoRows
}

func (f *fakeStore) GetBusinessBySlug(ctx context.Context, slug string) (store.Business, error) {
	if f.getBusinessBySlugFn != nil {
		return f.getBusinessBySlugFn(ctx, slug)
	}
	return store.Business{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateBusiness(ctx context.Context, business store.Business) error {
	if f.updateBusinessFn != nil {
		return f.updateBusinessFn(ctx, business)
	}
	return nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.PortalUser, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.PortalUser{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.PortalUser, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.PortalUser{}, sql.ErrNoRows
}

func (f *fakeStore) ListUsers(ctx context.Context, businessID string) ([]store.PortalUser, error) {
	if f.listUsersFn != nil {
		return f.listUsersFn(ctx, businessID)
	}
	return nil, nil
}

func (f *fakeStore) ListFunnels(ctx context.Context, businessID string) ([]store.Funnel, error) {
	if f.listFunnelsFn != nil {
		return f.listFunnelsFn(ctx, businessID)
	}
	return nil, nil
}

func (f *fakeStore) GetFunnel(ctx context.Context, funnelID string) (store.Funnel, error) {
	if f.getFunnelFn != nil {
		return f.getFunnelFn(ctx, funnelID)
	}
	return store.Funnel{}, sql.ErrNoRows
}

func (f *fakeStore) GetFunnelBySlug(ctx context.Context, businessID, slug string) (store.Funnel, error) {
	if f.getFunnelBySlugFn != nil {
		return f.getFunnelBySlugFn(ctx, businessID, slug)
	}
	return store.Funnel{}, sql.ErrNoRows
}

func (f *fakeStore) InsertFunnel(ctx context.Context, funnel store.Funnel) error {
	if f.insertFunnelFn != nil {
		return f.insertFunnelFn(ctx, funnel)
	}
	return nil
}

func (f *fakeStore) UpdateFunnel(ctx context.Context, funnelID, name, slug string) error {
	if f.updateFunnelFn != nil {
		return f.updateFunnelFn(ctx, funnelID, name, slug)
	}
	return nil
}

func (f *fakeStore) UpdateFunnelStatus(ctx context.Context, funnelID, status string) error {
	if f.updateFunnelStatusFn != nil {
		return f.updateFunnelStatusFn(ctx, funnelID, status)
	}
	return nil
}

func (f *fakeStore) MarkFunnelPublished(ctx context.Context, funnelID string) error {
	if f.markFunnelPublishedFn != nil {
		return f.markFunnelPublishedFn(ctx, funnelID)
	}
	return nil
}

func (f *fakeStore) SetFunnelSnapshot(ctx context.Context, funnelID, assetID string) error {
	if f.setFunnelSnapshotFn != nil {
		return f.setFunnelSnapshotFn(ctx, funnelID, assetID)
	}
	return nil
}

func (f *fakeStore) ListPages(ctx context.Context, funnelID string) ([]store.Page, error) {
	if f.listPagesFn != nil {
		return f.listPagesFn(ctx, funnelID)
	}
	return nil, nil
}

func (f *fakeStore) GetPage(ctx context.Context, pageID string) (store.Page, error) {
	if f.getPageFn != nil {
		return f.getPageFn(ctx, pageID)
	}
	return store.Page{}, sql.ErrNoRows
}

func (f *fakeStore) GetPageBySlug(ctx context.Context, funnelID, slug string) (store.Page, error) {
	if f.getPageBySlugFn != nil {
		return f.getPageBySlugFn(ctx, funnelID, slug)
	}
	return store.Page{}, sql.ErrNoRows
}

func (f *fakeStore) InsertPage(ctx context.Context, page store.Page) error {
	if f.insertPageFn != nil {
		return f.insertPageFn(ctx, page)
	}
	return nil
}

func (f *fakeStore) UpdatePage(ctx context.Context, pageID, title, slug, seoTitle, seoDescription string) error {
	if f.updatePageFn != nil {
		return f.updatePageFn(ctx, pageID, title, slug, seoTitle, seoDescription)
	}
	return nil
}

func (f *fakeStore) UpdatePageContent(ctx context.Context, pageID, contentMode, content string) error {
	if f.updatePageContentFn != nil {
		return f.updatePageContentFn(ctx, pageID, contentMode, content)
	}
	return nil
}

func (f *fakeStore) DeletePage(ctx context.Context, pageID string) error {
	if f.deletePageFn != nil {
		return f.deletePageFn(ctx, pageID)
	}
	return nil
}

func (f *fakeStore) ReorderPages(ctx context.Context, funnelID string, pageIDs []string) error {
	if f.reorderPagesFn != nil {
		return f.reorderPagesFn(ctx, funnelID, pageIDs)
	}
	return nil
}

func (f *fakeStore) ListForms(ctx context.Context, businessID string) ([]store.Form, error) {
	if f.listFormsFn != nil {
		return f.listFormsFn(ctx, businessID)
	}
	return nil, nil
}

func (f *fakeStore) GetForm(ctx context.Context, formID string) (store.Form, error) {
	if f.getFormFn != nil {
		return f.getFormFn(ctx, formID)
	}
	return store.Form{}, sql.ErrNoRows
}

func (f *fakeStore) InsertForm(ctx context.Context, form store.Form) error {
	if f.insertFormFn != nil {
		return f.insertFormFn(ctx, form)
	}
	return nil
}

func (f *fakeStore) UpdateForm(ctx context.Context, formID, name, fields, successMessage string, notify bool) error {
	if f.updateFormFn != nil {
		return f.updateFormFn(ctx, formID, name, fields, successMessage, notify)
	}
	return nil
}

func (f *fakeStore) DeleteForm(ctx context.Context, formID string) error {
	if f.deleteFormFn != nil {
		return f.deleteFormFn(ctx, formID)
	}
	return nil
}

func (f *fakeStore) InsertSubmission(ctx context.Context, submission store.FormSubmission) error {
	if f.insertSubmissionFn != nil {
		return f.insertSubmissionFn(ctx, submission)
	}
	return nil
}

func (f *fakeStore) ListSubmissions(ctx context.Context, formID string, limit int) ([]store.FormSubmission, error) {
	if f.listSubmissionsFn != nil {
		return f.listSubmissionsFn(ctx, formID, limit)
	}
	return nil, nil
}

func (f *fakeStore) CountSubmissions(ctx context.Context, formID string) (int, error) {
	if f.countSubmissionsFn != nil {
		return f.countSubmissionsFn(ctx, formID)
	}
	return 0, nil
}

func (f *fakeStore) UpsertBookingByRef(ctx context.Context, booking store.Booking) (store.Booking, bool, error) {
	if f.upsertBookingByRefFn != nil {
		return f.upsertBookingByRefFn(ctx, booking)
	}
	return booking, false, nil
}

func (f *fakeStore) GetBooking(ctx context.Context, bookingID string) (store.Booking, error) {
	if f.getBookingFn != nil {
		return f.getBookingFn(ctx, bookingID)
	}
	return store.Booking{}, sql.ErrNoRows
}

func (f *fakeStore) ListBookings(ctx context.Context, businessID string, limit int) ([]store.Booking, error) {
	if f.listBookingsFn != nil {
		return f.listBookingsFn(ctx, businessID, limit)
	}
	return nil, nil
}

func (f *fakeStore) GetReviewSettings(ctx context.Context, businessID string) (store.ReviewSettings, error) {
	if f.getReviewSettingsFn != nil {
		return f.getReviewSettingsFn(ctx, businessID)
	}
	return store.ReviewSettings{BusinessID: businessID, Channel: "sms", DelayMinutes: 60, ThrottleDays: 30}, nil
}

func (f *fakeStore) SaveReviewSettings(ctx context.Context, settings store.ReviewSettings) error {
	if f.saveReviewSettingsFn != nil {
		return f.saveReviewSettingsFn(ctx, settings)
	}
	return nil
}

func (f *fakeStore) InsertReviewRequest(ctx context.Context, request store.ReviewRequest) error {
	if f.insertReviewRequestFn != nil {
		return f.insertReviewRequestFn(ctx, request)
	}
	return nil
}

func (f *fakeStore) GetReviewRequest(ctx context.Context, requestID string) (store.ReviewRequest, error) {
	if f.getReviewRequestFn != nil {
		return f.getReviewRequestFn(ctx, requestID)
	}
	return store.ReviewRequest{}, sql.ErrNoRows
}

func (f *fakeStore) GetReviewRequestByToken(ctx context.Context, token string) (store.ReviewRequest, error) {
	if f.getReviewRequestByTokenFn != nil {
		return f.getReviewRequestByTokenFn(ctx, token)
	}
	return store.ReviewRequest{}, sql.ErrNoRows
}

func (f *fakeStore) ListReviewRequests(ctx context.Context, businessID, status string, limit int) ([]store.ReviewRequest, error) {
	if f.listReviewRequestsFn != nil {
		return f.listReviewRequestsFn(ctx, businessID, status, limit)
	}
	return nil, nil
}

func (f *fakeStore) UpdateReviewRequestStatus(ctx context.Context, requestID, status string) error {
	if f.updateReviewRequestStatusFn != nil {
		return f.updateReviewRequestStatusFn(ctx, requestID, status)
	}
	return nil
}

func (f *fakeStore) MarkReviewRequestClicked(ctx context.Context, requestID string) error {
	if f.markReviewRequestClickedFn != nil {
		return f.markReviewRequestClickedFn(ctx, requestID)
	}
	return nil
}

func (f *fakeStore) HasRecentReviewRequest(ctx context.Context, businessID, recipient string, since time.Time) (bool, error) {
	if f.hasRecentReviewRequestFn != nil {
		return f.hasRecentReviewRequestFn(ctx, businessID, recipient, since)
	}
	return false, nil
}

func (f *fakeStore) ListSequences(ctx context.Context, businessID string) ([]store.FollowUpSequence, error) {
	if f.listSequencesFn != nil {
		return f.listSequencesFn(ctx, businessID)
	}
	return nil, nil
}

func (f *fakeStore) ListActiveSequencesByTrigger(ctx context.Context, businessID, trigger string) ([]store.FollowUpSequence, error) {
	if f.listActiveSequencesByTriggerFn != nil {
		return f.listActiveSequencesByTriggerFn(ctx, businessID, trigger)
	}
	return nil, nil
}

func (f *fakeStore) GetSequence(ctx context.Context, sequenceID string) (store.FollowUpSequence, error) {
	if f.getSequenceFn != nil {
		return f.getSequenceFn(ctx, sequenceID)
	}
	return store.FollowUpSequence{}, sql.ErrNoRows
}

func (f *fakeStore) InsertSequence(ctx context.Context, sequence store.FollowUpSequence) error {
	if f.insertSequenceFn != nil {
		return f.insertSequenceFn(ctx, sequence)
	}
	return nil
}

func (f *fakeStore) UpdateSequence(ctx context.Context, sequenceID, name, trigger, steps string, active bool) error {
	if f.updateSequenceFn != nil {
		return f.updateSequenceFn(ctx, sequenceID, name, trigger, steps, active)
	}
	return nil
}

func (f *fakeStore) DeleteSequence(ctx context.Context, sequenceID string) error {
	if f.deleteSequenceFn != nil {
		return f.deleteSequenceFn(ctx, sequenceID)
	}
	return nil
}

func (f *fakeStore) EnqueueMessage(ctx context.Context, message store.OutboxMessage) (bool, error) {
	if f.enqueueMessageFn != nil {
		return f.enqueueMessageFn(ctx, message)
	}
	return true, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, messageID string) (store.OutboxMessage, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, messageID)
	}
	return store.OutboxMessage{}, sql.ErrNoRows
}

func (f *fakeStore) ListMessages(ctx context.Context, businessID, status string, limit int) ([]store.OutboxMessage, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, businessID, status, limit)
	}
	return nil, nil
}

func (f *fakeStore) OutboxCounts(ctx context.Context, businessID string) (store.OutboxStats, error) {
	if f.outboxCountsFn != nil {
		return f.outboxCountsFn(ctx, businessID)
	}
	return store.OutboxStats{}, nil
}

func (f *fakeStore) CancelMessage(ctx context.Context, messageID string) (bool, error) {
	if f.cancelMessageFn != nil {
		return f.cancelMessageFn(ctx, messageID)
	}
	return true, nil
}

func (f *fakeStore) RequeueMessage(ctx context.Context, messageID string) (bool, error) {
	if f.requeueMessageFn != nil {
		return f.requeueMessageFn(ctx, messageID)
	}
	return true, nil
}

func (f *fakeStore) InsertAsset(ctx context.Context, asset store.Asset) error {
	if f.insertAssetFn != nil {
		return f.insertAssetFn(ctx, asset)
	}
	return nil
}

func (f *fakeStore) GetAsset(ctx context.Context, assetID string) (store.Asset, error) {
	if f.getAssetFn != nil {
		return f.getAssetFn(ctx, assetID)
	}
	return store.Asset{}, sql.ErrNoRows
}

func (f *fakeStore) ListAssets(ctx context.Context, businessID, kind string) ([]store.Asset, error) {
	if f.listAssetsFn != nil {
		return f.listAssetsFn(ctx, businessID, kind)
	}
	return nil, nil
}

func (f *fakeStore) DeleteAsset(ctx context.Context, assetID string) error {
	if f.deleteAssetFn != nil {
		return f.deleteAssetFn(ctx, assetID)
	}
	return nil
}

func (f *fakeStore) UpsertSearchDocument(ctx context.Context, kind, id, businessID, title, body, slug string) error {
	if f.upsertSearchDocumentFn != nil {
		return f.upsertSearchDocumentFn(ctx, kind, id, businessID, title, body, slug)
	}
	return nil
}

func (f *fakeStore) DeleteSearchDocument(ctx context.Context, kind, id string) error {
	if f.deleteSearchDocumentFn != nil {
		return f.deleteSearchDocumentFn(ctx, kind, id)
	}
	return nil
}

func (f *fakeStore) InsertUser(ctx context.Context, user store.PortalUser) error {
	if f.insertUserFn != nil {
		return f.insertUserFn(ctx, user)
	}
	return nil
}

func (f *fakeStore) GetUserByVerificationToken(ctx context.Context, token string) (store.PortalUser, error) {
	if f.getUserByVerificationTokenFn != nil {
		return f.getUserByVerificationTokenFn(ctx, token)
	}
	return store.PortalUser{}, sql.ErrNoRows
}

func (f *fakeStore) MarkEmailVerified(ctx context.Context, userID string) error {
	if f.markEmailVerifiedFn != nil {
		return f.markEmailVerifiedFn(ctx, userID)
	}
	return nil
}

func (f *fakeStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	if f.updatePasswordFn != nil {
		return f.updatePasswordFn(ctx, userID, passwordHash)
	}
	return nil
}

func (f *fakeStore) InsertPasswordReset(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.insertPasswordResetFn != nil {
		return f.insertPasswordResetFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}

func (f *fakeStore) UsePasswordReset(ctx context.Context, tokenHash string) (string, error) {
	if f.usePasswordResetFn != nil {
		return f.usePasswordResetFn(ctx, tokenHash)
	}
	return "", sql.ErrNoRows
}

// fakeSessions is a map-backed SessionStore.
type fakeSessions struct {
	refresh map[string]string
	revoked map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{refresh: make(map[string]string), revoked: make(map[string]bool)}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeSessions) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.revoked[jti] = true
	return nil
}

func (f *fakeSessions) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return f.revoked[jti], nil
}

// fakeSearch records index traffic and answers queries with a canned
// response.
type fakeSearch struct {
	response search.Response
	queries  []search.Query
	indexed  []search.Record
	deleted  []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return f.response
}

func (f *fakeSearch) Index(rec search.Record) {
	f.indexed = append(f.indexed, rec)
}

func (f *fakeSearch) Delete(id string) {
	f.deleted = append(f.deleted, id)
}

// fakeBlob is a map-backed object store.
type fakeBlob struct {
	objects map[string][]byte
	removed []string
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: make(map[string][]byte)}
}

func (f *fakeBlob) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlob) PresignedGet(ctx context.Context, key string) (string, error) {
	return "https://blobs.test/" + key, nil
}

func (f *fakeBlob) Remove(ctx context.Context, key string) error {
	delete(f.objects, key)
	f.removed = append(f.removed, key)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    720 * time.Hour,
		PublicBaseURL: "http://beacon.test",
	}
}

func newTestService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	return &Service{
		cfg:      testConfig(),
		store:    fs,
		sessions: newFakeSessions(),
		accounts: authpw.NewService(fs),
		git:      gitrepo.New(t.TempDir()),
		search:   &fakeSearch{},
		snaps:    snapshot.New(false),
		now:      time.Now,
	}
}

func testBusiness() store.Business {
	return store.Business{
		ID:               "biz_1",
		Name:             "Glow Dental",
		Slug:             "glow-dental",
		Timezone:         "UTC",
		ReviewURL:        "https://g.page/glow-dental/review",
		NotifyEmail:      "front-desk@glowdental.test",
		QuietStartMinute: 21 * 60,
		QuietEndMinute:   8 * 60,
	}
}

func testUser(role string) store.PortalUser {
	return store.PortalUser{
		ID:              "usr_1",
		BusinessID:      "biz_1",
		Email:           "user@glowdental.test",
		DisplayName:     "Test User",
		Role:            role,
		IsEmailVerified: true,
	}
}

func sessionAs(role string) Session {
	return Session{
		UserID:     "usr_1",
		UserName:   "Test User",
		Email:      "user@glowdental.test",
		Role:       role,
		BusinessID: "biz_1",
	}
}

// issueTestToken mints a real bearer token for the user so HTTP tests walk
// the same verification path as production traffic.
func issueTestToken(t *testing.T, svc *Service, user store.PortalUser) string {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func newTestHandler(svc *Service) http.Handler {
	return NewHTTPServer(svc, "*", "", nil).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodePayload(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	payload := decodePayload(t, rr)
	if payload["code"] != code {
		t.Fatalf("expected error code %q, got %q", code, payload["code"])
	}
}

func TestBootstrapSeedsFirstBusiness(t *testing.T) {
	ctx := context.Background()

	t.Run("seeds business, owner, and review settings", func(t *testing.T) {
		var business store.Business
		var owner store.PortalUser
		var settings store.ReviewSettings
		fs := &fakeStore{
			insertBusinessFn: func(ctx context.Context, b store.Business) error {
				business = b
				return nil
			},
			insertUserFn: func(ctx context.Context, u store.PortalUser) error {
				owner = u
				return nil
			},
			saveReviewSettingsFn: func(ctx context.Context, s store.ReviewSettings) error {
				settings = s
				return nil
			},
		}
		svc := newTestService(t, fs)
		svc.cfg.BootstrapBusinessName = "Glow Dental"
		svc.cfg.BootstrapAdminEmail = "owner@glowdental.test"
		svc.cfg.BootstrapAdminPassword = "password123"

		if err := svc.Bootstrap(ctx); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		if business.Slug != "glow-dental" {
			t.Errorf("expected derived slug glow-dental, got %q", business.Slug)
		}
		if owner.Role != "owner" || !owner.IsEmailVerified {
			t.Errorf("expected verified owner account, got role=%q verified=%v", owner.Role, owner.IsEmailVerified)
		}
		if owner.BusinessID != business.ID {
			t.Errorf("owner not scoped to seeded business")
		}
		if settings.Enabled {
			t.Error("expected review automation to start disabled")
		}
	})

	t.Run("no-op when a business exists", func(t *testing.T) {
		inserted := false
		fs := &fakeStore{
			countBusinessesFn: func(ctx context.Context) (int, error) { return 3, nil },
			insertBusinessFn: func(ctx context.Context, b store.Business) error {
				inserted = true
				return nil
			},
		}
		svc := newTestService(t, fs)
		svc.cfg.BootstrapAdminEmail = "owner@glowdental.test"
		svc.cfg.BootstrapAdminPassword = "password123"
		if err := svc.Bootstrap(ctx); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		if inserted {
			t.Error("expected no seeding on a populated database")
		}
	})

	t.Run("no-op without seed credentials", func(t *testing.T) {
		inserted := false
		fs := &fakeStore{
			insertBusinessFn: func(ctx context.Context, b store.Business) error {
				inserted = true
				return nil
			},
		}
		svc := newTestService(t, fs)
		if err := svc.Bootstrap(ctx); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		if inserted {
			t.Error("expected no seeding without credentials")
		}
	})
}

func TestSearchValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeStore{})
	session := sessionAs("viewer")

	if _, err := svc.Search(ctx, session, "   ", "", 20, 0); errorCode(err) != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR for blank query, got %v", err)
	}
	if _, err := svc.Search(ctx, session, "crowns", "booking", 20, 0); errorCode(err) != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR for unknown kind, got %v", err)
	}

	if _, err := svc.Search(ctx, session, "crowns", "page", 500, -3); err != nil {
		t.Fatalf("search: %v", err)
	}
	fsearch := svc.search.(*fakeSearch)
	if len(fsearch.queries) != 1 {
		t.Fatalf("expected one query, got %d", len(fsearch.queries))
	}
	q := fsearch.queries[0]
	if q.Limit != 20 || q.Offset != 0 {
		t.Errorf("expected clamped limit 20 offset 0, got %d/%d", q.Limit, q.Offset)
	}
	if q.BusinessID != "biz_1" {
		t.Errorf("expected query scoped to the session business, got %q", q.BusinessID)
	}
	if q.FilterKind != search.KindPage {
		t.Errorf("expected page filter, got %q", q.FilterKind)
	}
}

// errorCode pulls the domain error code out of an error chain, or returns
// the empty string for plain errors.
func errorCode(err error) string {
	var derr *DomainError
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ""
}
