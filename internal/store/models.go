package store

import "time"

type Business struct {
	ID               string
	Name             string
	Slug             string
	Timezone         string
	ReviewURL        string
	NotifyEmail      string
	QuietStartMinute int
	QuietEndMinute   int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type PortalUser struct {
	ID                    string
	BusinessID            string
	Email                 string
	DisplayName           string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Funnel struct {
	ID              string
	BusinessID      string
	Name            string
	Slug            string
	Status          string
	SnapshotAssetID *string
	PublishedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Page struct {
	ID             string
	FunnelID       string
	BusinessID     string
	Title          string
	Slug           string
	Position       int
	ContentMode    string
	Content        string
	SeoTitle       string
	SeoDescription string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Form struct {
	ID             string
	BusinessID     string
	Name           string
	Fields         string
	SuccessMessage string
	Notify         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type FormSubmission struct {
	ID           string
	FormID       string
	BusinessID   string
	PageID       *string
	Data         string
	ContactName  string
	ContactEmail string
	ContactPhone string
	CreatedAt    time.Time
}

type Booking struct {
	ID            string
	BusinessID    string
	ExternalRef   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Service       string
	ScheduledAt   time.Time
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ReviewSettings struct {
	BusinessID   string
	Enabled      bool
	Channel      string
	DelayMinutes int
	ThrottleDays int
	Template     string
	UpdatedAt    time.Time
}

type ReviewRequest struct {
	ID              string
	BusinessID      string
	BookingID       *string
	CustomerName    string
	Channel         string
	Recipient       string
	Token           string
	Status          string
	OutboxMessageID *string
	SentAt          *time.Time
	ClickedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type FollowUpSequence struct {
	ID         string
	BusinessID string
	Name       string
	Trigger    string
	Active     bool
	Steps      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type OutboxMessage struct {
	ID                string
	BusinessID        string
	Channel           string
	Recipient         string
	Subject           string
	Body              string
	Kind              string
	SourceID          string
	DedupeKey         *string
	Status            string
	AttemptCount      int
	NextAttemptAt     time.Time
	LeaseOwner        string
	LeaseExpiresAt    *time.Time
	LastError         string
	ProviderMessageID string
	SentAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LeasedMessage is an outbox row claimed for delivery, carrying the quiet-hours
// window of its business so retries can be scheduled outside it.
type LeasedMessage struct {
	Message          OutboxMessage
	Timezone         string
	QuietStartMinute int
	QuietEndMinute   int
}

type Asset struct {
	ID          string
	BusinessID  string
	ObjectKey   string
	Filename    string
	ContentType string
	SizeBytes   int64
	Kind        string
	CreatedAt   time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type OutboxStats struct {
	Pending  int
	Leased   int
	Sent     int
	Dead     int
	Canceled int
	DueNow   int
}
