package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"thesis/api/internal/auth"
	"thesis/api/internal/bulk"
	"thesis/api/internal/config"
	"thesis/api/internal/domain"
	"thesis/api/internal/export"
	"thesis/api/internal/filestore"
	"thesis/api/internal/logger"
	"thesis/api/internal/progress"
	"thesis/api/internal/progresscache"
	"thesis/api/internal/rbac"
	"thesis/api/internal/review"
	"thesis/api/internal/search"
	"thesis/api/internal/store"
	"thesis/api/internal/util"
	"thesis/api/internal/versions"
)

type StageEvent string

const (
	StageStarted   StageEvent = "started"
	StageCompleted StageEvent = "completed"
)

const maxSearchLimit = 100

type CreateResearchInput struct {
	Title     string `json:"title" validate:"notblank,max=300"`
	StudentID string `json:"studentId" validate:"max=128"`
	AdviserID string `json:"adviserId" validate:"max=128"`
	Timezone  string `json:"timezone" validate:"omitempty,timezone"`
}

type SubmitInput struct {
	ResearchID  string    `json:"researchId" validate:"notblank"`
	UnitType    string    `json:"unitType" validate:"notblank"`
	PartName    string    `json:"partName" validate:"max=200"`
	Title       string    `json:"title" validate:"max=300"`
	Filename    string    `json:"filename" validate:"notblank,max=255"`
	ContentType string    `json:"contentType" validate:"max=255"`
	Size        int64     `json:"size"`
	File        io.Reader `json:"-" validate:"-"`
}

// Upload is a file handed to the service alongside a review.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

type ReviewInput struct {
	SubmissionID string   `json:"submissionId" validate:"notblank"`
	Decision     string   `json:"decision" validate:"notblank"`
	Comment      string   `json:"comment" validate:"max=10000"`
	Attachments  []Upload `json:"-" validate:"-"`
}

type BulkInput struct {
	Entity    string   `json:"entity" validate:"notblank"`
	Action    string   `json:"action" validate:"notblank"`
	IDs       []string `json:"ids" validate:"required,min=1,max=500"`
	ShareWith []string `json:"shareWith" validate:"omitempty,dive,notblank"`
}

// HistoryQuery carries listHistory filters as the caller wrote them. Dates
// are YYYY-MM-DD in the research project's timezone; To is inclusive.
type HistoryQuery struct {
	UnitType string
	Part     string
	Status   string
	From     string
	To       string
	Query    string
}

type Service struct {
	cfg        config.Config
	plan       config.Plan
	store      store.Store
	files      filestore.Storage
	search     *search.Service
	cache      progresscache.Cache
	aggregator *progress.Aggregator
	bulk       *bulk.Orchestrator
	renderer   *export.Renderer
	validator  *inputValidator
	now        func() time.Time
}

// New wires the service. searchService and cache may be nil: search then
// answers from the store and progress is computed on every read.
func New(cfg config.Config, plan config.Plan, dataStore store.Store, files filestore.Storage, searchService *search.Service, cache progresscache.Cache) *Service {
	if searchService == nil {
		searchService = search.NewService(nil, search.NewStoreSearch(dataStore))
	}
	if cache == nil {
		cache = progresscache.Nop{}
	}
	if len(plan.Stages) == 0 {
		plan = config.DefaultPlan()
	}
	return &Service{
		cfg:        cfg,
		plan:       plan,
		store:      dataStore,
		files:      files,
		search:     searchService,
		cache:      cache,
		aggregator: progress.New(cfg.DeadlineHorizonDays),
		bulk:       bulk.New(cfg.BulkConcurrency, classifyBulkError),
		renderer:   export.NewRenderer(),
		validator:  newInputValidator(),
		now:        time.Now,
	}
}

// WithClock swaps the time source of the service and its aggregator.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.aggregator.WithClock(now)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SearchHealthy() bool {
	return s.search.PrimaryHealthy()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) location(research domain.Research) *time.Location {
	return research.Location(s.cfg.Location())
}

// Research

func (s *Service) CreateResearch(ctx context.Context, identity domain.Identity, in CreateResearchInput) (domain.Research, error) {
	if err := s.validator.check(in); err != nil {
		return domain.Research{}, err
	}
	studentID := strings.TrimSpace(in.StudentID)
	if studentID == "" && identity.Role == string(rbac.RoleStudent) {
		studentID = identity.UserID
	}

	research := domain.Research{
		ID:         util.NewID("res"),
		Title:      strings.TrimSpace(in.Title),
		StudentID:  studentID,
		AdviserID:  strings.TrimSpace(in.AdviserID),
		Timezone:   strings.TrimSpace(in.Timezone),
		SharedWith: []string{},
		CreatedAt:  s.now().UTC(),
	}
	milestones := s.seedMilestones(research)
	if err := s.store.CreateResearch(ctx, research, milestones); err != nil {
		return domain.Research{}, translate(err)
	}

	log := logger.Get()
	log.Info().Str("research_id", research.ID).Int("milestones", len(milestones)).Msg("research created")
	return research, nil
}

func (s *Service) seedMilestones(research domain.Research) []domain.Milestone {
	start := progress.LocalDate(research.CreatedAt, s.location(research))
	milestones := make([]domain.Milestone, 0, len(s.plan.Stages))
	for i, stage := range s.plan.Stages {
		milestone := domain.Milestone{
			ID:          util.NewID("ms"),
			ResearchID:  research.ID,
			StageKey:    strings.TrimSpace(stage.Key),
			Title:       stage.Title,
			Description: stage.Description,
			SortOrder:   i + 1,
			Status:      domain.MilestoneNotStarted,
		}
		if unit, ok := stage.UnitType(); ok {
			milestone.Unit = unit
		}
		if stage.DueOffsetDays != nil {
			due := start.AddDate(0, 0, *stage.DueOffsetDays)
			milestone.DueDate = &due
		}
		milestones = append(milestones, milestone)
	}
	return milestones
}

func (s *Service) GetResearch(ctx context.Context, id string) (domain.Research, error) {
	research, err := s.store.GetResearch(ctx, id)
	if err != nil {
		return domain.Research{}, translate(err)
	}
	return research, nil
}

// TrashResearch moves a project to the trash. Trashing twice keeps the first timestamp.
func (s *Service) TrashResearch(ctx context.Context, id string) (domain.Research, error) {
	research, err := s.store.GetResearch(ctx, id)
	if err != nil {
		return domain.Research{}, translate(err)
	}
	if research.DeletedAt == nil {
		now := s.now().UTC()
		if err := s.store.SetResearchDeleted(ctx, id, &now); err != nil {
			return domain.Research{}, translate(err)
		}
		research.DeletedAt = &now
	}
	return research, nil
}

// AuthorizeResearch fails with FORBIDDEN unless identity may reach the
// project: its student, its adviser, anyone it was shared with, or a dean or
// admin.
func (s *Service) AuthorizeResearch(ctx context.Context, identity domain.Identity, researchID string) error {
	return translate(s.authorizeResearch(ctx, identity, researchID))
}

// AuthorizeSubmission applies AuthorizeResearch to the submission's project.
func (s *Service) AuthorizeSubmission(ctx context.Context, identity domain.Identity, submissionID string) error {
	return translate(s.authorizeSubmission(ctx, identity, submissionID))
}

func (s *Service) authorizeResearch(ctx context.Context, identity domain.Identity, researchID string) error {
	research, err := s.store.GetResearch(ctx, researchID)
	if err != nil {
		return err
	}
	if rbac.SeesAllResearch(rbac.Normalize(identity.Role)) || research.IsMember(identity.UserID) {
		return nil
	}
	return forbiddenError("research is not shared with you")
}

func (s *Service) authorizeSubmission(ctx context.Context, identity domain.Identity, submissionID string) error {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	return s.authorizeResearch(ctx, identity, sub.ResearchID)
}

// activeResearch loads a project that accepts new work.
func (s *Service) activeResearch(ctx context.Context, id string) (domain.Research, error) {
	research, err := s.store.GetResearch(ctx, id)
	if err != nil {
		return domain.Research{}, err
	}
	if research.DeletedAt != nil {
		return domain.Research{}, fmt.Errorf("research %s is in trash: %w", id, store.ErrNotFound)
	}
	if research.ArchivedAt != nil {
		return domain.Research{}, invalidStateError("research is archived")
	}
	return research, nil
}

// Submissions

func (s *Service) Submit(ctx context.Context, identity domain.Identity, in SubmitInput) (domain.Submission, error) {
	if err := s.validator.check(in); err != nil {
		return domain.Submission{}, err
	}
	if in.File == nil {
		return domain.Submission{}, validationError("file is required", []FieldError{{Field: "file", Message: "file is required"}})
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return domain.Submission{}, validationError("uploader is required", nil)
	}
	unitType, err := domain.ParseUnitType(in.UnitType)
	if err != nil {
		return domain.Submission{}, translate(err)
	}
	if err := domain.ValidatePartName(in.PartName); err != nil {
		return domain.Submission{}, translate(err)
	}
	if s.cfg.MaxUploadBytes > 0 && in.Size > s.cfg.MaxUploadBytes {
		return domain.Submission{}, validationError(fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
	}
	research, err := s.activeResearch(ctx, in.ResearchID)
	if err != nil {
		return domain.Submission{}, translate(err)
	}

	object, err := s.files.Store(ctx, in.File, filestore.Metadata{
		Filename:    in.Filename,
		ContentType: in.ContentType,
		Size:        in.Size,
		Prefix:      "research/" + research.ID + "/" + string(unitType),
	})
	if err != nil {
		return domain.Submission{}, translate(fmt.Errorf("store file: %w", err))
	}

	sub, err := s.store.CreateSubmission(ctx, domain.Submission{
		ResearchID:  research.ID,
		UnitType:    unitType,
		PartName:    in.PartName,
		Title:       strings.TrimSpace(in.Title),
		Filename:    strings.TrimSpace(in.Filename),
		ContentType: object.ContentType,
		Size:        object.Size,
		Checksum:    object.Checksum,
		StorageRef:  object.Ref,
		UploadedBy:  identity.UserID,
	})
	if err != nil {
		s.discardObjects(ctx, object.Ref)
		return domain.Submission{}, translate(err)
	}

	log := logger.Get()
	log.Info().
		Str("submission_id", sub.ID).
		Str("unit", sub.Key().String()).
		Int("version", sub.Version).
		Msg("submission created")

	s.search.IndexSubmission(sub)
	s.afterChange(ctx, research.ID)
	return sub, nil
}

// ListHistory groups the filtered submissions of a project per unit type.
// Filters narrow the history lists; current is always the newest version of
// the part.
func (s *Service) ListHistory(ctx context.Context, researchID string, q HistoryQuery) (versions.History, error) {
	research, err := s.store.GetResearch(ctx, researchID)
	if err != nil {
		return versions.History{}, translate(err)
	}
	filter, err := historyFilter(q, s.location(research))
	if err != nil {
		return versions.History{}, err
	}
	// Only the unit type may narrow the read: every other filter can exclude
	// the newest version, and current must come from the whole unit.
	history, err := versions.ResolveSeq(s.store.ListSubmissions(ctx, researchID, store.SubmissionFilter{UnitType: filter.UnitType}))
	if err != nil {
		return versions.History{}, translate(err)
	}
	return history.Filter(filter.Match), nil
}

func historyFilter(q HistoryQuery, loc *time.Location) (store.SubmissionFilter, error) {
	filter := store.SubmissionFilter{
		PartContains: strings.TrimSpace(q.Part),
		Query:        strings.TrimSpace(q.Query),
	}
	var details []FieldError
	if value := strings.TrimSpace(q.UnitType); value != "" {
		unitType, err := domain.ParseUnitType(value)
		if err != nil {
			details = append(details, FieldError{Field: "unitType", Message: err.Error()})
		}
		filter.UnitType = unitType
	}
	if value := strings.TrimSpace(q.Status); value != "" {
		status, err := domain.ParseStatus(value)
		if err != nil {
			details = append(details, FieldError{Field: "status", Message: err.Error()})
		}
		filter.Status = status
	}
	if value := strings.TrimSpace(q.From); value != "" {
		day, err := progress.ParseDate(value)
		if err != nil {
			details = append(details, FieldError{Field: "from", Message: "from must be YYYY-MM-DD"})
		} else {
			from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
			filter.UploadedFrom = &from
		}
	}
	if value := strings.TrimSpace(q.To); value != "" {
		day, err := progress.ParseDate(value)
		if err != nil {
			details = append(details, FieldError{Field: "to", Message: "to must be YYYY-MM-DD"})
		} else {
			to := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
			filter.UploadedTo = &to
		}
	}
	if len(details) > 0 {
		return store.SubmissionFilter{}, validationError("Invalid filters", details)
	}
	return filter, nil
}

func (s *Service) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return domain.Submission{}, translate(err)
	}
	return sub, nil
}

// DownloadSubmission opens the stored file. The caller closes the reader.
func (s *Service) DownloadSubmission(ctx context.Context, id string) (domain.Submission, io.ReadCloser, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return domain.Submission{}, nil, translate(err)
	}
	reader, err := s.files.Retrieve(ctx, sub.StorageRef)
	if err != nil {
		return domain.Submission{}, nil, translate(fmt.Errorf("retrieve %s: %w", sub.ID, err))
	}
	return sub, reader, nil
}

// DeleteSubmission removes a version that has not been approved. Students may
// only remove their own uploads.
func (s *Service) DeleteSubmission(ctx context.Context, identity domain.Identity, id string) error {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return translate(err)
	}
	if identity.Role == string(rbac.RoleStudent) && sub.UploadedBy != identity.UserID {
		return forbiddenError("only the uploader may delete this submission")
	}
	return translate(s.deleteSubmission(ctx, id))
}

func (s *Service) deleteSubmission(ctx context.Context, id string) error {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if !review.CanDelete(sub.Status) {
		return fmt.Errorf("delete submission %s: %w", id, store.ErrApprovedImmutable)
	}
	deleted, err := s.store.DeleteSubmission(ctx, id)
	if err != nil {
		return err
	}

	refs := []string{deleted.StorageRef}
	for _, attachment := range deleted.ReviewAttachments {
		refs = append(refs, attachment.StorageRef)
	}
	s.discardObjects(ctx, refs...)
	s.search.DeleteSubmission(id)
	s.afterChange(ctx, deleted.ResearchID)
	return nil
}

// Reviews

func (s *Service) Review(ctx context.Context, identity domain.Identity, in ReviewInput) (domain.Submission, error) {
	if err := s.validator.check(in); err != nil {
		return domain.Submission{}, err
	}
	decision, err := domain.ParseDecision(in.Decision)
	if err != nil {
		return domain.Submission{}, translate(err)
	}
	updated, err := s.review(ctx, identity, in.SubmissionID, decision, in.Comment, in.Attachments)
	if err != nil {
		return domain.Submission{}, translate(err)
	}
	return updated, nil
}

func (s *Service) review(ctx context.Context, identity domain.Identity, id string, decision domain.Decision, comment string, uploads []Upload) (domain.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	request := review.Request{
		SubmissionID: sub.ID,
		ReviewerID:   identity.UserID,
		Decision:     decision,
		Comment:      comment,
	}
	// Reject before any attachment reaches storage.
	if _, err := review.Plan(sub.Status, request, s.now()); err != nil {
		return domain.Submission{}, err
	}

	attachments, err := s.storeAttachments(ctx, sub, uploads)
	if err != nil {
		return domain.Submission{}, err
	}
	request.Attachments = attachments
	transition, err := review.Plan(sub.Status, request, s.now().UTC())
	if err != nil {
		s.discardAttachments(ctx, attachments)
		return domain.Submission{}, err
	}

	updated, err := s.store.ApplyReview(ctx, sub.ID, transition.From, store.ReviewUpdate{
		Status:      transition.To,
		ReviewedBy:  transition.ReviewedBy,
		ReviewedAt:  transition.ReviewedAt,
		Comment:     transition.Comment,
		Attachments: transition.Attachments,
	})
	if err != nil {
		s.discardAttachments(ctx, attachments)
		return domain.Submission{}, err
	}

	log := logger.Get()
	log.Info().
		Str("submission_id", updated.ID).
		Str("reviewer", identity.UserID).
		Str("status", string(updated.Status)).
		Msg("submission reviewed")

	s.search.IndexSubmission(updated)
	s.afterChange(ctx, updated.ResearchID)
	return updated, nil
}

func (s *Service) storeAttachments(ctx context.Context, sub domain.Submission, uploads []Upload) ([]domain.Attachment, error) {
	attachments := make([]domain.Attachment, 0, len(uploads))
	for _, upload := range uploads {
		if upload.Reader == nil {
			continue
		}
		object, err := s.files.Store(ctx, upload.Reader, filestore.Metadata{
			Filename:    upload.Filename,
			ContentType: upload.ContentType,
			Size:        upload.Size,
			Prefix:      "research/" + sub.ResearchID + "/reviews/" + sub.ID,
		})
		if err != nil {
			s.discardAttachments(ctx, attachments)
			return nil, fmt.Errorf("store attachment %q: %w", upload.Filename, err)
		}
		attachments = append(attachments, domain.Attachment{
			Filename:    strings.TrimSpace(upload.Filename),
			StorageRef:  object.Ref,
			ContentType: object.ContentType,
			Size:        object.Size,
			Checksum:    object.Checksum,
		})
	}
	return attachments, nil
}

func (s *Service) discardAttachments(ctx context.Context, attachments []domain.Attachment) {
	for _, attachment := range attachments {
		s.discardObjects(ctx, attachment.StorageRef)
	}
}

// discardObjects removes stored files whose records are gone. Failures only
// leave orphans behind, so they are logged rather than returned.
func (s *Service) discardObjects(ctx context.Context, refs ...string) {
	log := logger.Get()
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := s.files.Delete(ctx, ref); err != nil {
			log.Warn().Err(err).Str("storage_ref", ref).Msg("storage: delete object")
		}
	}
}

// Bulk

func (s *Service) BulkApply(ctx context.Context, identity domain.Identity, in BulkInput) (bulk.Result, error) {
	if err := s.validator.check(in); err != nil {
		return bulk.Result{}, err
	}
	entity, err := domain.ParseEntityKind(in.Entity)
	if err != nil {
		return bulk.Result{}, translate(err)
	}
	action, err := domain.ParseBulkAction(in.Action)
	if err != nil {
		return bulk.Result{}, translate(err)
	}
	if action == domain.ActionShare && len(in.ShareWith) == 0 {
		return bulk.Result{}, validationError("shareWith is required for share", []FieldError{{Field: "shareWith", Message: "shareWith is required"}})
	}

	result := s.bulk.Apply(ctx, in.IDs, s.authorizedItem(identity, entity, s.bulkItem(identity, entity, action, in.ShareWith)))

	log := logger.Get()
	log.Info().
		Str("entity", string(entity)).
		Str("action", string(action)).
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("bulk action applied")
	return result, nil
}

// authorizedItem runs fn only on entities the caller may reach.
func (s *Service) authorizedItem(identity domain.Identity, entity domain.EntityKind, fn bulk.ItemFunc) bulk.ItemFunc {
	return func(ctx context.Context, id string) error {
		var err error
		if entity == domain.EntitySubmission {
			err = s.authorizeSubmission(ctx, identity, id)
		} else {
			err = s.authorizeResearch(ctx, identity, id)
		}
		if err != nil {
			return err
		}
		return fn(ctx, id)
	}
}

func (s *Service) bulkItem(identity domain.Identity, entity domain.EntityKind, action domain.BulkAction, shareWith []string) bulk.ItemFunc {
	switch entity {
	case domain.EntitySubmission:
		switch action {
		case domain.ActionApprove:
			return func(ctx context.Context, id string) error {
				_, err := s.review(ctx, identity, id, domain.DecisionApprove, "", nil)
				return err
			}
		case domain.ActionPermanentDelete:
			return s.deleteSubmission
		}
	case domain.EntityResearch:
		switch action {
		case domain.ActionArchive:
			return s.archiveResearch
		case domain.ActionUnarchive:
			return s.unarchiveResearch
		case domain.ActionShare:
			return func(ctx context.Context, id string) error {
				return s.store.AddResearchShares(ctx, id, shareWith)
			}
		case domain.ActionRestore:
			return s.restoreResearch
		case domain.ActionPermanentDelete:
			return s.purgeResearch
		}
	}
	return func(context.Context, string) error {
		return fmt.Errorf("%s on %s: %w", action, entity, bulk.ErrUnsupported)
	}
}

func (s *Service) archiveResearch(ctx context.Context, id string) error {
	research, err := s.store.GetResearch(ctx, id)
	if err != nil {
		return err
	}
	if research.DeletedAt != nil {
		return fmt.Errorf("research %s is in trash: %w", id, bulk.ErrIneligible)
	}
	if research.ArchivedAt != nil {
		return nil
	}
	now := s.now().UTC()
	return s.store.SetResearchArchived(ctx, id, &now)
}

func (s *Service) unarchiveResearch(ctx context.Context, id string) error {
	research, err := s.store.GetResearch(ctx, id)
	if err != nil {
		return err
	}
	if research.ArchivedAt == nil {
		return nil
	}
	return s.store.SetResearchArchived(ctx, id, nil)
}

func (s *Service) restoreResearch(ctx context.Context, id string) error {
	research, err := s.store.GetResearch(ctx, id)
	if err != nil {
		return err
	}
	if research.DeletedAt == nil {
		return fmt.Errorf("research %s: %w", id, store.ErrNotTrashed)
	}
	return s.store.SetResearchDeleted(ctx, id, nil)
}

func (s *Service) purgeResearch(ctx context.Context, id string) error {
	submissions, err := store.Collect(s.store.ListSubmissions(ctx, id, store.SubmissionFilter{}))
	if err != nil {
		return err
	}
	if err := s.store.PurgeResearch(ctx, id); err != nil {
		return err
	}
	for _, sub := range submissions {
		s.discardObjects(ctx, sub.StorageRef)
		s.discardAttachments(ctx, sub.ReviewAttachments)
		s.search.DeleteSubmission(sub.ID)
	}
	s.invalidate(ctx, id)
	return nil
}

// classifyBulkError assigns the stable per-item reason code.
func classifyBulkError(err error) bulk.Reason {
	var domainErr *DomainError
	if errors.As(translate(err), &domainErr) {
		switch domainErr.Code {
		case CodeNotFound:
			return bulk.ReasonNotFound
		case CodeInvalidState:
			return bulk.ReasonIneligibleState
		case CodeConflict:
			return bulk.ReasonConflict
		case CodeValidation:
			return bulk.ReasonValidation
		case CodeForbidden:
			return bulk.ReasonForbidden
		}
	}
	return bulk.DefaultClassifier(err)
}

// Progress

func (s *Service) GetProgress(ctx context.Context, researchID string) (progress.Snapshot, error) {
	research, err := s.store.GetResearch(ctx, researchID)
	if err != nil {
		return progress.Snapshot{}, translate(err)
	}
	return s.snapshot(ctx, research)
}

// snapshot serves the cached read model for today's local date, computing it
// on a miss. The generation is read before computing so a write that lands
// mid-computation keeps the stale result out of the cache.
func (s *Service) snapshot(ctx context.Context, research domain.Research) (progress.Snapshot, error) {
	log := logger.Get()
	day := progress.LocalDate(s.now(), s.location(research)).Format(time.DateOnly)

	generation, genErr := s.cache.Generation(ctx, research.ID)
	if genErr != nil {
		log.Warn().Err(genErr).Str("research_id", research.ID).Msg("progress cache: generation")
	} else {
		cached, ok, err := s.cache.Get(ctx, research.ID, day)
		if err != nil {
			log.Warn().Err(err).Str("research_id", research.ID).Msg("progress cache: get")
		} else if ok {
			return cached, nil
		}
	}

	snapshot, _, err := s.computeSnapshot(ctx, research)
	if err != nil {
		return progress.Snapshot{}, translate(err)
	}
	if genErr != nil {
		return snapshot, nil
	}
	if err := s.cache.Set(ctx, research.ID, day, generation, snapshot); err != nil {
		log.Warn().Err(err).Str("research_id", research.ID).Msg("progress cache: set")
	}
	return snapshot, nil
}

func (s *Service) computeSnapshot(ctx context.Context, research domain.Research) (progress.Snapshot, versions.History, error) {
	milestones, err := s.store.ListMilestones(ctx, research.ID)
	if err != nil {
		return progress.Snapshot{}, versions.History{}, err
	}
	history, err := versions.ResolveSeq(s.store.ListSubmissions(ctx, research.ID, store.SubmissionFilter{}))
	if err != nil {
		return progress.Snapshot{}, versions.History{}, err
	}
	snapshot := s.aggregator.Compute(progress.Input{
		ResearchID: research.ID,
		Location:   s.location(research),
		Milestones: milestones,
		History:    history,
	})
	return snapshot, history, nil
}

// afterChange refreshes persisted milestone rows and drops cached snapshots.
// The triggering write already succeeded, so failures are only logged.
func (s *Service) afterChange(ctx context.Context, researchID string) {
	if err := s.refreshMilestones(ctx, researchID); err != nil {
		log := logger.Get()
		log.Warn().Err(err).Str("research_id", researchID).Msg("progress: refresh milestones")
	}
	s.invalidate(ctx, researchID)
}

func (s *Service) invalidate(ctx context.Context, researchID string) {
	if err := s.cache.Invalidate(ctx, researchID); err != nil {
		log := logger.Get()
		log.Warn().Err(err).Str("research_id", researchID).Msg("progress cache: invalidate")
	}
}

func (s *Service) refreshMilestones(ctx context.Context, researchID string) error {
	milestones, err := s.store.ListMilestones(ctx, researchID)
	if err != nil {
		return err
	}
	history, err := versions.ResolveSeq(s.store.ListSubmissions(ctx, researchID, store.SubmissionFilter{}))
	if err != nil {
		return err
	}
	now := s.now()
	for _, milestone := range milestones {
		derived := progress.Derive(milestone, history, now)
		if !milestoneChanged(milestone, derived) {
			continue
		}
		if err := s.store.UpdateMilestone(ctx, derived); err != nil {
			return fmt.Errorf("update milestone %s: %w", milestone.StageKey, err)
		}
	}
	return nil
}

func milestoneChanged(before, after domain.Milestone) bool {
	if before.Status != after.Status {
		return true
	}
	switch {
	case before.CompletedAt == nil && after.CompletedAt == nil:
		return false
	case before.CompletedAt == nil || after.CompletedAt == nil:
		return true
	default:
		return !before.CompletedAt.Equal(*after.CompletedAt)
	}
}

// Milestones

func (s *Service) findMilestone(ctx context.Context, researchID, stageKey string) (domain.Milestone, error) {
	milestones, err := s.store.ListMilestones(ctx, researchID)
	if err != nil {
		return domain.Milestone{}, err
	}
	for _, milestone := range milestones {
		if milestone.StageKey == stageKey {
			return milestone, nil
		}
	}
	return domain.Milestone{}, fmt.Errorf("milestone %q: %w", stageKey, store.ErrNotFound)
}

// SetMilestoneDueDate sets or, with an empty dueDate, clears a stage deadline.
func (s *Service) SetMilestoneDueDate(ctx context.Context, researchID, stageKey, dueDate string) (domain.Milestone, error) {
	milestone, err := s.findMilestone(ctx, researchID, stageKey)
	if err != nil {
		return domain.Milestone{}, translate(err)
	}
	milestone.DueDate = nil
	if value := strings.TrimSpace(dueDate); value != "" {
		day, err := progress.ParseDate(value)
		if err != nil {
			return domain.Milestone{}, validationError("dueDate must be YYYY-MM-DD", []FieldError{{Field: "dueDate", Message: err.Error()}})
		}
		milestone.DueDate = &day
	}
	if err := s.store.UpdateMilestone(ctx, milestone); err != nil {
		return domain.Milestone{}, translate(err)
	}
	s.invalidate(ctx, researchID)
	return milestone, nil
}

// RecordStageEvent applies an externally reported transition, such as a
// defense being held, to a stage that no submission unit drives.
func (s *Service) RecordStageEvent(ctx context.Context, researchID, stageKey, event string, at *time.Time) (domain.Milestone, error) {
	kind := StageEvent(strings.ToLower(strings.TrimSpace(event)))
	if kind != StageStarted && kind != StageCompleted {
		return domain.Milestone{}, validationError(fmt.Sprintf("unknown stage event %q", event), []FieldError{{Field: "event", Message: "event must be started or completed"}})
	}
	milestone, err := s.findMilestone(ctx, researchID, stageKey)
	if err != nil {
		return domain.Milestone{}, translate(err)
	}
	if milestone.Unit != "" {
		return domain.Milestone{}, validationError(fmt.Sprintf("stage %s follows %s submissions", stageKey, milestone.Unit), nil)
	}

	now := s.now().UTC()
	when := now
	if at != nil {
		when = at.UTC()
	}
	switch kind {
	case StageStarted:
		if milestone.Status == domain.MilestoneCompleted {
			return domain.Milestone{}, invalidStateError("stage is already completed")
		}
		milestone.Status = domain.MilestoneInProgress
		milestone.CompletedAt = nil
	case StageCompleted:
		if when.After(now) {
			return domain.Milestone{}, validationError("completion time is in the future", []FieldError{{Field: "at", Message: "at must not be in the future"}})
		}
		milestone.Status = domain.MilestoneCompleted
		milestone.CompletedAt = &when
	}
	if err := s.store.UpdateMilestone(ctx, milestone); err != nil {
		return domain.Milestone{}, translate(err)
	}
	s.invalidate(ctx, researchID)
	return milestone, nil
}

// Search and export

func (s *Service) SearchSubmissions(ctx context.Context, researchID, text string, limit, offset int) (search.Response, error) {
	if _, err := s.store.GetResearch(ctx, researchID); err != nil {
		return search.Response{}, translate(err)
	}
	if limit <= 0 || limit > maxSearchLimit {
		limit = 20
	}
	return s.search.Search(search.Query{
		ResearchID: researchID,
		Text:       strings.TrimSpace(text),
		Limit:      limit,
		Offset:     max(offset, 0),
	}), nil
}

// Reindex pushes every submission of every live project to the search index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	projects, err := s.store.ListResearch(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, research := range projects {
		sent, err := s.search.Reindex(ctx, s.store.ListSubmissions(ctx, research.ID, store.SubmissionFilter{}))
		total += sent
		if err != nil {
			return total, fmt.Errorf("reindex %s: %w", research.ID, err)
		}
	}
	return total, nil
}

// ListResearch returns every project outside the trash.
func (s *Service) ListResearch(ctx context.Context) ([]domain.Research, error) {
	projects, err := s.store.ListResearch(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return projects, nil
}

// ExportProgressReport renders the progress timeline. When Chrome is
// unavailable for PDF output the HTML result is returned together with
// export.ErrPDFDependencyMissing.
func (s *Service) ExportProgressReport(ctx context.Context, researchID, format string) (*export.Result, error) {
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		return nil, translate(err)
	}
	research, err := s.store.GetResearch(ctx, researchID)
	if err != nil {
		return nil, translate(err)
	}
	snapshot, history, err := s.computeSnapshot(ctx, research)
	if err != nil {
		return nil, translate(err)
	}

	report := export.Report{
		ResearchTitle: research.Title,
		StudentID:     research.StudentID,
		AdviserID:     research.AdviserID,
		Timezone:      s.location(research).String(),
		GeneratedAt:   s.now().In(s.location(research)),
		Snapshot:      snapshot,
		Units:         unitSummaries(history),
	}
	result, err := s.renderer.Render(ctx, report, parsed)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		log := logger.Get()
		log.Warn().Str("research_id", researchID).Msg("export: chrome unavailable, serving html")
	}
	return result, err
}

func unitSummaries(history versions.History) []export.UnitSummary {
	summaries := make([]export.UnitSummary, 0, len(domain.UnitTypes))
	for _, unitType := range domain.UnitTypes {
		unit := history.Unit(unitType)
		summary := export.UnitSummary{UnitType: string(unitType), Parts: make([]export.PartSummary, 0, len(unit.Parts))}
		for _, part := range unit.Parts {
			summary.Parts = append(summary.Parts, export.PartSummary{
				Name:       part.Key,
				Version:    part.Current.Version,
				Status:     string(part.Current.Status),
				UploadedAt: part.Current.UploadedAt,
				ReviewedBy: part.Current.ReviewedBy,
			})
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// IdentityFromToken verifies a bearer token and returns the caller it names.
func (s *Service) IdentityFromToken(token string) (domain.Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return domain.Identity{}, err
	}
	return claims.Identity(), nil
}

func (s *Service) MaxUploadBytes() int64 {
	if s.cfg.MaxUploadBytes <= 0 {
		return 50 << 20
	}
	return s.cfg.MaxUploadBytes
}
