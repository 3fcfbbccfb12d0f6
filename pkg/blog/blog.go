// Package blog contains the core domain types for the blog publish and notify service.
package blog

import (
	"strings"
	"time"
)

// DefaultTopic is the notification topic used when a caller does not name one.
const DefaultTopic = "blog_posts"

// Status is the publication state of a blog post.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
)

// Delivery records how a notification fan-out was carried out.
type Delivery string

const (
	DeliveryDirect Delivery = "direct"
	DeliveryQueued Delivery = "queued"
)

// Record kinds stored under a post's group identifier.
const (
	KindMeta = "meta"
	KindBody = "body"
)

// Record is a single content record. All records sharing a GroupID form one post.
type Record struct {
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  *Metadata `json:"metadata,omitempty"` // Only set on the meta record
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body,omitempty"` // HTML body for body records
}

// MetaRecordID returns the identifier of a group's metadata record.
func MetaRecordID(groupID string) string {
	return groupID + "#meta"
}

// Metadata is the blog post's metadata blob.
type Metadata struct {
	PublishAt               time.Time  `json:"publish_at,omitzero"`
	UpdatedAt               time.Time  `json:"updated_at,omitzero"`
	EmailNotificationSentAt *time.Time `json:"email_notification_sent_at,omitempty"`
	ReadTimeMinutes         *int       `json:"read_time_minutes,omitempty"`
	RecipientCount          *int       `json:"recipient_count,omitempty"`
	Status                  Status     `json:"status"`
	ScheduleName            string     `json:"schedule_name,omitempty"` // Set iff status is scheduled
	Title                   string     `json:"title"`
	Summary                 string     `json:"summary,omitempty"`
	HeroImageURL            string     `json:"hero_image_url,omitempty"`
	NotifyTopic             string     `json:"notify_topic,omitempty"`
	Delivery                Delivery   `json:"delivery,omitempty"`
	Tags                    []string   `json:"tags,omitempty"`
	NotifyOnPublish         bool       `json:"notify_on_publish"`
}

// Post is the assembled view of a group of content records.
type Post struct {
	Metadata Metadata
	GroupID  string
	BodyText string
}

// PostFromRecords assembles a post from its records. The second return value reports
// whether any record carried body content.
func PostFromRecords(groupID string, records []Record) (*Post, bool) {
	post := &Post{GroupID: groupID, Metadata: Metadata{Status: StatusDraft}}
	var bodies []string
	for i := range records {
		r := records[i]
		if r.Metadata != nil {
			post.Metadata = *r.Metadata
			if post.Metadata.Status == "" {
				post.Metadata.Status = StatusDraft
			}
		}
		if r.Kind == KindBody && strings.TrimSpace(r.Body) != "" {
			bodies = append(bodies, r.Body)
		}
	}
	post.BodyText = strings.Join(bodies, "\n")
	return post, len(bodies) > 0
}

// HasBody reports whether records contain at least one non-empty body record.
func HasBody(records []Record) bool {
	_, ok := PostFromRecords("", records)
	return ok
}

// SubscriberStatus is the state of a subscriber. BOUNCED and COMPLAINED are set only by
// delivery feedback and take precedence over the confirm/unsubscribe axis; they share
// the same field, so a bounce after SUBSCRIBED replaces it.
type SubscriberStatus string

const (
	SubscriberPending      SubscriberStatus = "PENDING"
	SubscriberSubscribed   SubscriberStatus = "SUBSCRIBED"
	SubscriberUnsubscribed SubscriberStatus = "UNSUBSCRIBED"
	SubscriberBounced      SubscriberStatus = "BOUNCED"
	SubscriberComplained   SubscriberStatus = "COMPLAINED"
)

// Suppressed reports whether delivery feedback has taken the subscriber out of rotation.
func (s SubscriberStatus) Suppressed() bool {
	return s == SubscriberBounced || s == SubscriberComplained
}

// Subscriber is a newsletter recipient keyed by the hash of their normalized email.
type Subscriber struct {
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ConfirmedAt    *time.Time       `json:"confirmed_at,omitempty"`
	UnsubscribedAt *time.Time       `json:"unsubscribed_at,omitempty"`
	BounceAt       *time.Time       `json:"bounce_at,omitempty"`
	ComplaintAt    *time.Time       `json:"complaint_at,omitempty"`
	LastNotifiedAt *time.Time       `json:"last_notified_at,omitempty"`
	EmailHash      string           `json:"email_hash"`
	Email          string           `json:"email"` // Written once
	Status         SubscriberStatus `json:"status"`
	Source         string           `json:"source,omitempty"`
	BounceType     string           `json:"bounce_type,omitempty"`
	ComplaintType  string           `json:"complaint_type,omitempty"`
	Topics         []string         `json:"topics"`
}

// HasTopic reports whether the subscriber accepts the given topic.
func (s *Subscriber) HasTopic(topic string) bool {
	for _, t := range s.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Action is the purpose of an action token.
type Action string

const (
	ActionConfirm        Action = "confirm"
	ActionUnsubscribe    Action = "unsubscribe"
	ActionManage         Action = "manage"
	ActionBlogNotifySent Action = "blog_notify_sent"
)

// Token is a stored action token. The raw token is never persisted.
type Token struct {
	CreatedAt      time.Time `json:"created_at"`
	TokenHash      string    `json:"token_hash"`
	Action         Action    `json:"action"`
	SubjectHash    string    `json:"subject_hash"`
	Delivery       Delivery  `json:"delivery,omitempty"` // Marker tokens only
	ExpiresAtEpoch int64     `json:"expires_at_epoch"`   // Last known send for marker tokens
	RecipientCount int       `json:"recipient_count,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return now.Unix() >= t.ExpiresAtEpoch
}

// Job is one queued notification for one recipient of one post.
type Job struct {
	ReadTimeMinutes *int     `json:"read_time_minutes,omitempty"`
	ID              string   `json:"id"`
	GroupID         string   `json:"group_id"`
	Topic           string   `json:"topic"`
	EmailHash       string   `json:"email_hash"`
	RecipientEmail  string   `json:"recipient_email"`
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	PostURL         string   `json:"post_url"`
	HeroImageURL    string   `json:"hero_image_url,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// SendResult summarizes one notification fan-out.
type SendResult struct {
	Delivery  Delivery `json:"delivery,omitempty"`
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   bool     `json:"skipped"` // Marker already present
}
