package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/classmark/attendance-api/internal/models"
	appErrors "github.com/classmark/attendance-api/pkg/errors"
)

type reportAttendanceReader interface {
	FindBySectionAndDateRange(ctx context.Context, classID, sectionID string, from, to time.Time) ([]models.AttendanceRecord, error)
}

type reportRosterReader interface {
	ListBySection(ctx context.Context, classID, sectionID string) ([]models.Student, error)
}

// ReportServiceConfig tunes aggregation behaviour.
type ReportServiceConfig struct {
	LowAttendanceThreshold int
	CacheTTL               time.Duration
}

// ReportService computes percentage summaries over attendance records.
// Pure read side: it never mutates the register and never fails on empty
// data, because "no attendance taken yet" is a normal state.
type ReportService struct {
	repo     reportAttendanceReader
	students reportRosterReader
	cache    *redis.Client
	logger   *zap.Logger
	cfg      ReportServiceConfig
}

// NewReportService constructs the report service. The redis client is
// optional; without it every report is computed fresh.
func NewReportService(repo reportAttendanceReader, students reportRosterReader, cache *redis.Client, logger *zap.Logger, cfg ReportServiceConfig) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LowAttendanceThreshold <= 0 || cfg.LowAttendanceThreshold > 100 {
		cfg.LowAttendanceThreshold = 75
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &ReportService{repo: repo, students: students, cache: cache, logger: logger, cfg: cfg}
}

// Summarize counts one student's records by status. The percentage rounds
// half-up once on the final ratio; late counts toward the numerator the
// same as present.
func Summarize(records []models.AttendanceRecord) models.AttendanceSummary {
	var summary models.AttendanceSummary
	var positive int
	for _, rec := range records {
		switch rec.Status {
		case models.AttendanceStatusPresent:
			summary.Present++
		case models.AttendanceStatusAbsent:
			summary.Absent++
		case models.AttendanceStatusLate:
			summary.Late++
		default:
			continue
		}
		summary.Total++
		if rec.Status.Positive() {
			positive++
		}
	}
	if summary.Total > 0 {
		summary.Percentage = roundHalfUp(100 * float64(positive) / float64(summary.Total))
	}
	return summary
}

// SummarizeCohort rolls per-student summaries up to the cohort. The
// average is the unweighted mean of each student's own percentage: a
// student with two records weighs the same as one with forty.
func SummarizeCohort(perStudent []models.AttendanceSummary, threshold int) models.CohortSummary {
	cohort := models.CohortSummary{Threshold: threshold, StudentCount: len(perStudent)}
	if len(perStudent) == 0 {
		return cohort
	}
	var sum int
	for _, summary := range perStudent {
		sum += summary.Percentage
		if summary.Percentage < threshold {
			cohort.BelowThresholdCount++
		}
	}
	cohort.AveragePercentage = roundHalfUp(float64(sum) / float64(len(perStudent)))
	return cohort
}

// AttendanceReport is the aggregate answer for one class/section range.
type AttendanceReport struct {
	ClassID   string                     `json:"class_id"`
	SectionID string                     `json:"section_id"`
	From      string                     `json:"from"`
	To        string                     `json:"to"`
	Students  []models.AttendanceSummary `json:"students"`
	Cohort    models.CohortSummary       `json:"cohort"`
}

// GetReport computes per-student summaries plus the cohort rollup for a
// class/section over a date range. Every enrolled student appears, records
// or not; an empty range yields zeroed summaries rather than an error.
func (s *ReportService) GetReport(ctx context.Context, classID, sectionID string, from, to time.Time) (*AttendanceReport, error) {
	if classID == "" || sectionID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "classId and sectionId required")
	}
	if to.Before(from) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "to date precedes from date")
	}

	cacheKey := fmt.Sprintf("report:attendance:%s:%s:%s:%s",
		classID, sectionID, from.Format(attendanceDateLayout), to.Format(attendanceDateLayout))
	if cached := s.tryCache(ctx, cacheKey); cached != nil {
		return cached, nil
	}

	roster, err := s.students.ListBySection(ctx, classID, sectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	records, err := s.repo.FindBySectionAndDateRange(ctx, classID, sectionID, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance records")
	}

	byStudent := make(map[string][]models.AttendanceRecord, len(roster))
	for _, rec := range records {
		byStudent[rec.StudentID] = append(byStudent[rec.StudentID], rec)
	}

	summaries := make([]models.AttendanceSummary, len(roster))
	for i, student := range roster {
		summary := Summarize(byStudent[student.ID])
		summary.StudentID = student.ID
		summary.StudentName = student.FullName
		summaries[i] = summary
	}

	report := &AttendanceReport{
		ClassID:   classID,
		SectionID: sectionID,
		From:      from.Format(attendanceDateLayout),
		To:        to.Format(attendanceDateLayout),
		Students:  summaries,
		Cohort:    SummarizeCohort(summaries, s.cfg.LowAttendanceThreshold),
	}
	s.persistCache(ctx, cacheKey, report)
	return report, nil
}

func (s *ReportService) tryCache(ctx context.Context, key string) *AttendanceReport {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("report cache read failed", zap.Error(err))
		}
		return nil
	}
	var report AttendanceReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		s.logger.Warn("report cache payload corrupt", zap.Error(err))
		return nil
	}
	return &report
}

func (s *ReportService) persistCache(ctx context.Context, key string, report *AttendanceReport) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.cfg.CacheTTL).Err(); err != nil {
		s.logger.Warn("report cache write failed", zap.Error(err))
	}
}

func roundHalfUp(value float64) int {
	return int(math.Floor(value + 0.5))
}
