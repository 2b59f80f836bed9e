package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradieflow/internal/models"
)

// reviewTokenBytes gives 256 bits of entropy, 64 hex characters.
const reviewTokenBytes = 32

// ReviewRequestService tracks review solicitations through sent → clicked → completed.
type ReviewRequestService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewReviewRequestService(db *gorm.DB, logger *logrus.Logger) *ReviewRequestService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ReviewRequestService{db: db, logger: logger, now: time.Now}
}

// ReviewRequestListRequest 评价邀请列表请求
type ReviewRequestListRequest struct {
	Page     int      `form:"page,default=1"`
	PageSize int      `form:"page_size,default=20"`
	Status   []string `form:"status"`
	RuleID   *uint    `form:"rule_id"`
	JobID    string   `form:"job_id"`
}

// GenerateToken returns a new opaque review token.
func GenerateToken() (string, error) {
	buf := make([]byte, reviewTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate review token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create stores a new request in the sent state, minting a token if none is set.
func (s *ReviewRequestService) Create(ctx context.Context, req *models.ReviewRequest) error {
	if req == nil {
		return fmt.Errorf("review request required")
	}
	if req.Token == "" {
		token, err := GenerateToken()
		if err != nil {
			return err
		}
		req.Token = token
	}
	if req.RequestType == "" {
		req.RequestType = models.DefaultReviewType
	}
	req.Status = models.ReviewSent
	req.SentAt = s.now()
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("failed to create review request: %w", err)
	}
	return nil
}

// TrackClick advances a sent request to clicked. Clicking an already clicked or
// completed request leaves it untouched.
func (s *ReviewRequestService) TrackClick(ctx context.Context, token string) (*models.ReviewRequest, error) {
	if token == "" {
		return nil, ErrReviewNotFound
	}
	now := s.now()
	if err := s.db.WithContext(ctx).Model(&models.ReviewRequest{}).
		Where("token = ? AND status = ?", token, models.ReviewSent).
		Updates(map[string]interface{}{
			"status":     models.ReviewClicked,
			"clicked_at": now,
			"updated_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to track review click: %w", err)
	}
	return s.getByToken(ctx, token)
}

// Complete records the customer's review. The rating, when given, must be 1-5.
func (s *ReviewRequestService) Complete(ctx context.Context, token string, rating *int, comment string) (*models.ReviewRequest, error) {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return nil, newValidationError("rating", "must be between 1 and 5")
	}
	if token == "" {
		return nil, ErrReviewNotFound
	}

	now := s.now()
	updates := map[string]interface{}{
		"status":          models.ReviewCompleted,
		"review_received": true,
		"review_comment":  comment,
		"completed_at":    now,
		"updated_at":      now,
	}
	if rating != nil {
		updates["review_rating"] = *rating
	}

	result := s.db.WithContext(ctx).Model(&models.ReviewRequest{}).
		Where("token = ? AND status IN ?", token, []models.ReviewStatus{models.ReviewSent, models.ReviewClicked}).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to complete review request: %w", result.Error)
	}

	req, err := s.getByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, ErrReviewAlreadyCompleted
	}

	s.logger.WithFields(logrus.Fields{
		"review_request_id": req.ID,
		"user_id":           req.UserID,
	}).Info("review request completed")
	return req, nil
}

// List returns the user's review requests, newest first.
func (s *ReviewRequestService) List(ctx context.Context, userID string, req *ReviewRequestListRequest) ([]models.ReviewRequest, int64, error) {
	if req == nil {
		req = &ReviewRequestListRequest{Page: 1, PageSize: 20}
	}
	query := s.db.WithContext(ctx).Model(&models.ReviewRequest{}).Where("user_id = ?", userID)
	if len(req.Status) > 0 {
		query = query.Where("status IN ?", req.Status)
	}
	if req.RuleID != nil {
		query = query.Where("rule_id = ?", *req.RuleID)
	}
	if req.JobID != "" {
		query = query.Where("job_id = ?", req.JobID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count review requests: %w", err)
	}

	if req.PageSize > 0 {
		page := req.Page
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * req.PageSize).Limit(req.PageSize)
	}

	var out []models.ReviewRequest
	if err := query.Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list review requests: %w", err)
	}
	return out, total, nil
}

func (s *ReviewRequestService) getByToken(ctx context.Context, token string) (*models.ReviewRequest, error) {
	var req models.ReviewRequest
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReviewNotFound
		}
		return nil, fmt.Errorf("failed to load review request: %w", err)
	}
	return &req, nil
}
