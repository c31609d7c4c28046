package store

import "time"

type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusBanned   Status = "banned"
)

type PostType string

const (
	PostText       PostType = "text"
	PostConfession PostType = "confession"
	PostPoll       PostType = "poll"
	PostImage      PostType = "image"
)

type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportDismissed ReportStatus = "dismissed"
	ReportResolved  ReportStatus = "resolved"
)

type NoticeType string

const (
	NoticeInfo      NoticeType = "info"
	NoticeEvent     NoticeType = "event"
	NoticeExam      NoticeType = "exam"
	NoticeHoliday   NoticeType = "holiday"
	NoticeBroadcast NoticeType = "broadcast"
)

// Identity is the login account behind a profile. Profile.ID == Identity.ID.
type Identity struct {
	ID               string
	Email            string
	PasswordHash     string
	EmailConfirmedAt *time.Time
	CreatedAt        time.Time
}

type Profile struct {
	ID               string
	Email            string
	RealName         string
	Alias            string
	Bio              string
	Branch           string
	Year             string
	Role             Role
	Status           Status
	Karma            int
	LastAliasChange  *time.Time
	ProfileCompleted bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Post carries the author's alias and email for rendering only; payload
// builders decide what reaches the client.
type Post struct {
	ID          string
	UserID      string
	Content     string
	Type        PostType
	Tags        []string
	ImageURL    string
	Upvotes     int
	CreatedAt   time.Time
	AuthorAlias string
	AuthorEmail string
}

type PollOption struct {
	ID        string
	PostID    string
	Label     string
	VoteCount int
}

type Vote struct {
	ID           string
	PollOptionID string
	PostID       string
	UserID       string
	CreatedAt    time.Time
}

type Like struct {
	ID        string
	PostID    string
	UserID    string
	CreatedAt time.Time
}

type Report struct {
	ID           string
	PostID       string
	ReportedBy   string
	ReportedUser string
	Reason       string
	Status       ReportStatus
	CreatedAt    time.Time
	PostContent  string
	PostType     PostType
	PostExists   bool
}

type Comment struct {
	ID          string
	PostID      string
	ParentID    *string
	UserID      string
	Content     string
	CreatedAt   time.Time
	AuthorAlias string
	AuthorEmail string
}

type Notice struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Type      NoticeType `json:"type"`
	Date      time.Time  `json:"date"`
	CreatedBy string     `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
}

type Note struct {
	ID        string
	UserID    string
	Title     string
	Subject   string
	Semester  string
	FileURL   string
	CreatedAt time.Time
}

type Event struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Location    string
	EventDate   time.Time
	CreatedAt   time.Time
	RSVPCount   int
}

// FeedMatch selects how FeedFilter.Types and FeedFilter.Tags combine.
type FeedMatch int

const (
	FeedMatchAll FeedMatch = iota
	FeedMatchType
	FeedMatchTypeOrTag
	FeedMatchSearch
)

type FeedFilter struct {
	Match  FeedMatch
	Search string
	Types  []PostType
	Tags   []string
	Limit  int
	Offset int
}

type StatusCounts struct {
	Pending        int
	Approved       int
	Banned         int
	Posts          int
	PendingReports int
}
