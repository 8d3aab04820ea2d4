// Package usecase contains application business logic services.
package usecase

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-sol-auditor/internal/aesgcm"
	"github.com/fairyhunter13/ai-sol-auditor/internal/bundle"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
	"github.com/fairyhunter13/ai-sol-auditor/internal/zipval"
)

// maxFileNameLen bounds the stored original file name.
const maxFileNameLen = 128

// defaultFileName replaces a missing upload file name.
const defaultFileName = "files.zip"

// KeyProber checks that a user credential is alive upstream.
type KeyProber interface {
	Probe(ctx domain.Context, key string) error
}

// JobService orchestrates admission and job reads.
type JobService struct {
	Jobs    domain.JobRepository
	Queue   domain.Publisher
	Secrets domain.SecretStore
	Prober  KeyProber
	Cfg     config.Config
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(j domain.JobRepository, q domain.Publisher, s domain.SecretStore, p KeyProber, cfg config.Config) JobService {
	return JobService{Jobs: j, Queue: q, Secrets: s, Prober: p, Cfg: cfg}
}

// StartJobInput carries one admission request.
type StartJobInput struct {
	UserID    string
	Model     string
	OpenAIKey string
	FileName  string
	Upload    []byte
}

// StartJob validates, stages the secret bundle, persists the job and
// publishes its start message, compensating on publish failure so no queued
// row survives without a broker message.
func (s JobService) StartJob(ctx domain.Context, in StartJobInput) (domain.Job, error) {
	if s.Cfg.AuthEnabled && in.UserID != "" {
		active, err := s.Jobs.HasActiveJob(ctx, in.UserID)
		if err != nil {
			return domain.Job{}, err
		}
		if active {
			return domain.Job{}, fmt.Errorf("op=jobs.start: active job exists: %w", domain.ErrConflict)
		}
	}
	if !s.Cfg.ModelAllowed(in.Model) {
		return domain.Job{}, fmt.Errorf("op=jobs.start: model %q not allowed: %w", in.Model, domain.ErrUnauthorized)
	}
	if err := zipval.Validate(in.Upload, zipval.Policy{
		MaxFiles:             s.Cfg.ZipMaxFiles,
		MaxUncompressedBytes: s.Cfg.MaxUncompressed,
		MaxCompressionRatio:  s.Cfg.ZipMaxRatio,
		RequireSolidity:      s.Cfg.RequireSolidity,
	}); err != nil {
		if zipval.IsValidationError(err) {
			return domain.Job{}, fmt.Errorf("op=jobs.start: %s: %w", err.Error(), domain.ErrPrecondition)
		}
		return domain.Job{}, err
	}

	key, err := s.resolveCredential(ctx, in.OpenAIKey)
	if err != nil {
		return domain.Job{}, err
	}

	jobID := uuid.New().String()
	secretRef, err := randomHex(32)
	if err != nil {
		return domain.Job{}, err
	}
	resultToken, err := randomHex(32)
	if err != nil {
		return domain.Job{}, err
	}

	bundleBytes, err := bundle.Build(in.Upload, key)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.Secrets.Put(ctx, secretRef, bundleBytes); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.start: bundle staging: %w", err)
	}

	job := domain.Job{
		ID:          jobID,
		Status:      domain.JobQueued,
		UserID:      in.UserID,
		Model:       in.Model,
		FileName:    sanitizeFileName(in.FileName),
		SecretRef:   &secretRef,
		ResultToken: resultToken,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		_ = s.Secrets.Delete(ctx, secretRef)
		return domain.Job{}, err
	}

	msg := domain.JobMessage{
		Type:        domain.JobMessageType,
		JobID:       jobID,
		SecretRef:   secretRef,
		Model:       in.Model,
		ResultToken: resultToken,
	}
	if err := s.Queue.PublishJobStart(ctx, msg); err != nil {
		// No broker message means no instancer will ever pick the job up.
		_ = s.Secrets.Delete(ctx, secretRef)
		_ = s.Jobs.Delete(ctx, jobID)
		if errors.Is(err, domain.ErrEnqueueFailed) {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("op=jobs.start: %w", domain.ErrEnqueueFailed)
	}
	return job, nil
}

// resolveCredential turns configuration and the optional user key into the
// envelope carried by the worker bundle. Precedence: the proxy-static marker,
// then the backend static key, then the probed user key. Whatever key wins,
// proxy mode encrypts it so plaintext never enters the worker container.
func (s JobService) resolveCredential(ctx domain.Context, userKey string) (bundle.Key, error) {
	if s.Cfg.UseProxyStaticKey {
		return bundle.Key{
			OpenAIToken: domain.StaticKeyMarker,
			KeyMode:     domain.KeyModeProxyStatic,
			Provider:    s.Cfg.OAIProvider,
		}, nil
	}

	key := s.Cfg.StaticOAIKey
	if key == "" {
		if userKey == "" {
			return bundle.Key{}, fmt.Errorf("op=jobs.credential: openai_key is required: %w", domain.ErrPrecondition)
		}
		if s.Prober != nil {
			if err := s.Prober.Probe(ctx, userKey); err != nil {
				return bundle.Key{}, fmt.Errorf("op=jobs.credential: invalid credentials: %w", domain.ErrUnauthorized)
			}
		}
		key = userKey
	}

	if s.Cfg.OAIKeyMode == domain.KeyModeProxy {
		if s.Cfg.OAIProxyAESKey == "" {
			return bundle.Key{}, fmt.Errorf("op=jobs.credential: proxy mode without shared secret")
		}
		token, err := aesgcm.Encrypt(key, aesgcm.DeriveKey(s.Cfg.OAIProxyAESKey))
		if err != nil {
			return bundle.Key{}, err
		}
		return bundle.Key{OpenAIToken: token, KeyMode: domain.KeyModeProxy, Provider: s.Cfg.OAIProvider}, nil
	}
	return bundle.Key{OpenAIToken: key, KeyMode: domain.KeyModeDirect, Provider: s.Cfg.OAIProvider}, nil
}

// JobView is a job plus its live queue position.
type JobView struct {
	Job           domain.Job
	QueuePosition int
}

// GetJob loads a job if the requester may see it: the owner, anyone for a
// public job, or anyone at all when authentication is disabled. Hidden jobs
// are indistinguishable from missing ones.
func (s JobService) GetJob(ctx domain.Context, id, requester string) (JobView, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	if s.Cfg.AuthEnabled && !job.Public && job.UserID != requester {
		return JobView{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
	}
	view := JobView{Job: job}
	if job.Status == domain.JobQueued {
		pos, err := s.Jobs.QueuePosition(ctx, id)
		if err != nil {
			return JobView{}, err
		}
		view.QueuePosition = pos
	}
	return view, nil
}

// SetPublic flips result visibility; owner only.
func (s JobService) SetPublic(ctx domain.Context, id, requester string, public bool) error {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Cfg.AuthEnabled && job.UserID != requester {
		return fmt.Errorf("op=jobs.set_public: %w", domain.ErrNotFound)
	}
	return s.Jobs.SetPublic(ctx, id, public)
}

// History lists the requester's jobs.
func (s JobService) History(ctx domain.Context, requester string) ([]domain.Job, error) {
	return s.Jobs.History(ctx, requester)
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultFileName
	}
	if len(name) > maxFileNameLen {
		name = name[:maxFileNameLen]
	}
	return name
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("op=jobs.random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
