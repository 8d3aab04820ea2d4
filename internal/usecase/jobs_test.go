package usecase_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-sol-auditor/internal/aesgcm"
	"github.com/fairyhunter13/ai-sol-auditor/internal/bundle"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
	"github.com/fairyhunter13/ai-sol-auditor/internal/usecase"
)

type fakeRepo struct {
	domain.JobRepository
	created   *domain.Job
	deleted   []string
	active    bool
	stored    domain.Job
	getErr    error
	queuePos  int
	publicSet *bool
}

func (f *fakeRepo) Create(_ domain.Context, j domain.Job) error {
	f.created = &j
	return nil
}

func (f *fakeRepo) Delete(_ domain.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRepo) HasActiveJob(_ domain.Context, _ string) (bool, error) { return f.active, nil }

func (f *fakeRepo) Get(_ domain.Context, _ string) (domain.Job, error) {
	return f.stored, f.getErr
}

func (f *fakeRepo) QueuePosition(_ domain.Context, _ string) (int, error) { return f.queuePos, nil }

func (f *fakeRepo) SetPublic(_ domain.Context, _ string, public bool) error {
	f.publicSet = &public
	return nil
}

type fakePublisher struct {
	msg *domain.JobMessage
	err error
}

func (f *fakePublisher) PublishJobStart(_ domain.Context, msg domain.JobMessage) error {
	if f.err != nil {
		return f.err
	}
	f.msg = &msg
	return nil
}

type fakeSecrets struct {
	bundles map[string][]byte
	deleted []string
}

func (f *fakeSecrets) Put(_ domain.Context, ref string, b []byte) error {
	if f.bundles == nil {
		f.bundles = map[string][]byte{}
	}
	f.bundles[ref] = b
	return nil
}

func (f *fakeSecrets) Get(_ domain.Context, ref string) ([]byte, error) {
	b, ok := f.bundles[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeSecrets) Delete(_ domain.Context, ref string) error {
	f.deleted = append(f.deleted, ref)
	delete(f.bundles, ref)
	return nil
}

type fakeProber struct{ err error }

func (f *fakeProber) Probe(domain.Context, string) error { return f.err }

func solidityZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("contracts/Token.sol")
	require.NoError(t, err)
	_, err = w.Write([]byte("pragma solidity ^0.8.0;\ncontract Token {}\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func baseCfg() config.Config {
	return config.Config{
		AllowedModels:   []string{"codex-gpt-5.2"},
		MaxUncompressed: 1 << 20,
		ZipMaxFiles:     100,
		ZipMaxRatio:     100,
		RequireSolidity: true,
		OAIKeyMode:      domain.KeyModeDirect,
		OAIProvider:     "openai",
	}
}

func newService(repo *fakeRepo, pub *fakePublisher, sec *fakeSecrets, cfg config.Config) usecase.JobService {
	return usecase.NewJobService(repo, pub, sec, &fakeProber{}, cfg)
}

func TestStartJob_HappyPath(t *testing.T) {
	repo := &fakeRepo{}
	pub := &fakePublisher{}
	sec := &fakeSecrets{}
	svc := newService(repo, pub, sec, baseCfg())

	upload := solidityZip(t)
	job, err := svc.StartJob(context.Background(), usecase.StartJobInput{
		UserID:    "user-1",
		Model:     "codex-gpt-5.2",
		OpenAIKey: "sk-user",
		FileName:  "audit.zip",
		Upload:    upload,
	})
	require.NoError(t, err)

	require.NotNil(t, repo.created)
	assert.Equal(t, domain.JobQueued, repo.created.Status)
	assert.Equal(t, "audit.zip", repo.created.FileName)
	require.NotNil(t, repo.created.SecretRef)
	assert.Len(t, *repo.created.SecretRef, 64)
	assert.Len(t, repo.created.ResultToken, 64)

	require.NotNil(t, pub.msg)
	assert.Equal(t, domain.JobMessageType, pub.msg.Type)
	assert.Equal(t, job.ID, pub.msg.JobID)
	assert.Equal(t, *repo.created.SecretRef, pub.msg.SecretRef)
	assert.Equal(t, repo.created.ResultToken, pub.msg.ResultToken)

	// The staged bundle round-trips to the original upload and key.
	raw, err := sec.Get(context.Background(), pub.msg.SecretRef)
	require.NoError(t, err)
	gotUpload, key, err := bundle.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, upload, gotUpload)
	assert.Equal(t, "sk-user", key.OpenAIToken)
	assert.Equal(t, domain.KeyModeDirect, key.KeyMode)
}

func TestStartJob_PublishFailureCompensates(t *testing.T) {
	repo := &fakeRepo{}
	pub := &fakePublisher{err: domain.ErrEnqueueFailed}
	sec := &fakeSecrets{}
	svc := newService(repo, pub, sec, baseCfg())

	_, err := svc.StartJob(context.Background(), usecase.StartJobInput{
		Model:     "codex-gpt-5.2",
		OpenAIKey: "sk-user",
		Upload:    solidityZip(t),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEnqueueFailed)

	// Bundle and row are both rolled back.
	require.NotNil(t, repo.created)
	assert.Equal(t, []string{repo.created.ID}, repo.deleted)
	assert.Equal(t, []string{*repo.created.SecretRef}, sec.deleted)
	assert.Empty(t, sec.bundles)
}

func TestStartJob_ActiveJobConflict(t *testing.T) {
	cfg := baseCfg()
	cfg.AuthEnabled = true
	repo := &fakeRepo{active: true}
	svc := newService(repo, &fakePublisher{}, &fakeSecrets{}, cfg)

	_, err := svc.StartJob(context.Background(), usecase.StartJobInput{
		UserID:    "user-1",
		Model:     "codex-gpt-5.2",
		OpenAIKey: "sk-user",
		Upload:    solidityZip(t),
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestStartJob_ModelNotAllowed(t *testing.T) {
	svc := newService(&fakeRepo{}, &fakePublisher{}, &fakeSecrets{}, baseCfg())

	_, err := svc.StartJob(context.Background(), usecase.StartJobInput{
		Model:     "gpt-3.5-turbo",
		OpenAIKey: "sk-user",
		Upload:    solidityZip(t),
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestStartJob_ZipPolicy(t *testing.T) {
	svc := newService(&fakeRepo{}, &fakePublisher{}, &fakeSecrets{}, baseCfg())

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("README.md")
	require.NoError(t, err)
	_, _ = w.Write([]byte("no solidity here"))
	require.NoError(t, zw.Close())

	_, err = svc.StartJob(context.Background(), usecase.StartJobInput{
		Model:     "codex-gpt-5.2",
		OpenAIKey: "sk-user",
		Upload:    buf.Bytes(),
	})
	assert.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestStartJob_ProxyModeEncryptsKey(t *testing.T) {
	cfg := baseCfg()
	cfg.OAIKeyMode = domain.KeyModeProxy
	cfg.OAIProxyAESKey = "shared-secret"
	sec := &fakeSecrets{}
	pub := &fakePublisher{}
	svc := newService(&fakeRepo{}, pub, sec, cfg)

	_, err := svc.StartJob(context.Background(), usecase.StartJobInput{
		Model:     "codex-gpt-5.2",
		OpenAIKey: "sk-user",
		Upload:    solidityZip(t),
	})
	require.NoError(t, err)

	raw, err := sec.Get(context.Background(), pub.msg.SecretRef)
	require.NoError(t, err)
	_, key, err := bundle.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.KeyModeProxy, key.KeyMode)
	assert.NotEqual(t, "sk-user", key.OpenAIToken)

	plain, err := aesgcm.Decrypt(key.OpenAIToken, aesgcm.DeriveKey("shared-secret"))
	require.NoError(t, err)
	assert.Equal(t, "sk-user", plain)
}

func TestStartJob_ProxyModeEncryptsStaticKey(t *testing.T) {
	cfg := baseCfg()
	cfg.StaticOAIKey = "sk-backend-static"
	cfg.OAIKeyMode = domain.KeyModeProxy
	cfg.OAIProxyAESKey = "shared-secret"
	sec := &fakeSecrets{}
	pub := &fakePublisher{}
	svc := newService(&fakeRepo{}, pub, sec, cfg)

	_, err := svc.StartJob(context.Background(), usecase.StartJobInput{
		Model:  "codex-gpt-5.2",
		Upload: solidityZip(t),
	})
	require.NoError(t, err)

	raw, err := sec.Get(context.Background(), pub.msg.SecretRef)
	require.NoError(t, err)
	_, key, err := bundle.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.KeyModeProxy, key.KeyMode)
	assert.NotEqual(t, "sk-backend-static", key.OpenAIToken)

	plain, err := aesgcm.Decrypt(key.OpenAIToken, aesgcm.DeriveKey("shared-secret"))
	require.NoError(t, err)
	assert.Equal(t, "sk-backend-static", plain)
}

func TestStartJob_ProxyStaticEmitsMarker(t *testing.T) {
	cfg := baseCfg()
	cfg.UseProxyStaticKey = true
	sec := &fakeSecrets{}
	pub := &fakePublisher{}
	svc := newService(&fakeRepo{}, pub, sec, cfg)

	_, err := svc.StartJob(context.Background(), usecase.StartJobInput{
		Model:  "codex-gpt-5.2",
		Upload: solidityZip(t),
	})
	require.NoError(t, err)

	raw, _ := sec.Get(context.Background(), pub.msg.SecretRef)
	_, key, err := bundle.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.StaticKeyMarker, key.OpenAIToken)
	assert.Equal(t, domain.KeyModeProxyStatic, key.KeyMode)
}

func TestStartJob_DeadKeyRejected(t *testing.T) {
	svc := usecase.NewJobService(&fakeRepo{}, &fakePublisher{}, &fakeSecrets{},
		&fakeProber{err: errors.New("status 401")}, baseCfg())

	_, err := svc.StartJob(context.Background(), usecase.StartJobInput{
		Model:     "codex-gpt-5.2",
		OpenAIKey: "sk-dead",
		Upload:    solidityZip(t),
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestGetJob_Visibility(t *testing.T) {
	cfg := baseCfg()
	cfg.AuthEnabled = true
	repo := &fakeRepo{stored: domain.Job{
		ID:        "job-1",
		Status:    domain.JobQueued,
		UserID:    "owner",
		CreatedAt: time.Now().UTC(),
	}, queuePos: 4}
	svc := newService(repo, &fakePublisher{}, &fakeSecrets{}, cfg)
	ctx := context.Background()

	view, err := svc.GetJob(ctx, "job-1", "owner")
	require.NoError(t, err)
	assert.Equal(t, 4, view.QueuePosition)

	_, err = svc.GetJob(ctx, "job-1", "stranger")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	repo.stored.Public = true
	_, err = svc.GetJob(ctx, "job-1", "stranger")
	assert.NoError(t, err)
}
