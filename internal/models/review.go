package models

import "time"

// ReviewStatus only ever moves forward: sent → clicked → completed.
type ReviewStatus string

const (
	ReviewSent      ReviewStatus = "sent"
	ReviewClicked   ReviewStatus = "clicked"
	ReviewCompleted ReviewStatus = "completed"
)

// ReviewRequest 客户评价邀请，token 是公开接口唯一凭证
type ReviewRequest struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	UserID         string       `gorm:"size:64;not null;index" json:"user_id"`
	RuleID         *uint        `gorm:"index" json:"rule_id,omitempty"`
	JobID          *string      `gorm:"size:100;index" json:"job_id,omitempty"`
	CustomerName   string       `gorm:"size:200" json:"customer_name"`
	CustomerEmail  string       `gorm:"size:320;not null" json:"customer_email"`
	RequestType    string       `gorm:"size:50;default:'google_review'" json:"request_type"`
	Status         ReviewStatus `gorm:"size:20;index;not null" json:"status"`
	Token          string       `gorm:"size:64;uniqueIndex;not null" json:"-"`
	ReviewURL      string       `gorm:"size:1024" json:"review_url,omitempty"`
	ReviewReceived bool         `json:"review_received"`
	ReviewRating   *int         `json:"review_rating,omitempty"`
	ReviewComment  string       `gorm:"type:text" json:"review_comment,omitempty"`
	SentAt         time.Time    `json:"sent_at"`
	ClickedAt      *time.Time   `json:"clicked_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// All returns every model managed by AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&AutomationRule{},
		&AutomationExecution{},
		&ReviewRequest{},
	}
}
