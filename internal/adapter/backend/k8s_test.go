package backend

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

type recordedFailures struct {
	calls map[string]string
}

func (r *recordedFailures) FailJob(_ domain.Context, jobID, reason string) {
	if r.calls == nil {
		r.calls = map[string]string{}
	}
	r.calls[jobID] = reason
}

func testCfg() config.Config {
	return config.Config{
		ManagerName:       "solaudit-instancer",
		WorkerImage:       "solaudit/worker:latest",
		MaxWorkerAge:      time.Hour,
		K8sPlatformNS:     "solaudit",
		K8sEgressIPExcept: []string{"10.0.0.0/8"},
		WorkerSecretsHost: "secretsvc",
		WorkerSecretsPort: 8081,
		WorkerResultsHost: "resultsvc",
		WorkerResultsPort: 8083,
		OAIProxyPort:      8084,
		WorkerOAIProxyURL: "http://oaiproxy:8084",
		SecretsTokenRO:    "ro-token",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestK8s_StartWorker(t *testing.T) {
	client := fake.NewSimpleClientset()
	b := NewK8sWithClient(client, testCfg(), quietLogger())
	ctx := context.Background()

	handle, err := b.StartWorker(ctx, domain.StartWorkerOptions{
		JobID:       "1234",
		SecretRef:   "deadbeef",
		Model:       "codex-gpt-5.2",
		ResultToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, "solaudit-instancer-job-1234", handle)

	ns, err := client.CoreV1().Namespaces().Get(ctx, handle, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "solaudit-instancer", ns.Labels[LabelManagedBy])
	assert.Equal(t, "1234", ns.Labels[LabelJobID])

	np, err := client.NetworkingV1().NetworkPolicies(handle).Get(ctx, "worker-egress", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, np.Spec.Egress, 5)
	assert.Equal(t, "0.0.0.0/0", np.Spec.Egress[0].To[0].IPBlock.CIDR)
	assert.Equal(t, []string{"10.0.0.0/8"}, np.Spec.Egress[0].To[0].IPBlock.Except)

	job, err := client.BatchV1().Jobs(handle).Get(ctx, "worker", metav1.GetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, *job.Spec.BackoffLimit)
	assert.False(t, *job.Spec.Template.Spec.AutomountServiceAccountToken)

	env := map[string]string{}
	for _, e := range job.Spec.Template.Spec.Containers[0].Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "1234", env["JOB_ID"])
	assert.Equal(t, "deadbeef", env["SECRETSVC_REF"])
	assert.Equal(t, "tok", env["RESULTSVC_JOB_TOKEN"])
	assert.Equal(t, "http://oaiproxy:8084", env["OAI_PROXY_BASE_URL"])
}

func managedNamespace(name, jobID string, started time.Time) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				LabelManagedBy: "solaudit-instancer",
				LabelJobID:     jobID,
				LabelStartedAt: strconv.FormatInt(started.Unix(), 10),
			},
			CreationTimestamp: metav1.NewTime(started),
		},
	}
}

func TestK8s_Sweep(t *testing.T) {
	now := time.Now().UTC()
	client := fake.NewSimpleClientset(
		managedNamespace("ns-timeout", "job-timeout", now.Add(-2*time.Hour)),
		managedNamespace("ns-lost", "job-lost", now.Add(-time.Minute)),
		managedNamespace("ns-crashed", "job-crashed", now.Add(-time.Minute)),
		managedNamespace("ns-done", "job-done", now.Add(-time.Minute)),
		managedNamespace("ns-active", "job-active", now.Add(-time.Minute)),
		&batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "worker", Namespace: "ns-crashed"},
			Status:     batchv1.JobStatus{Failed: 1},
		},
		&batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "worker", Namespace: "ns-done"},
			Status:     batchv1.JobStatus{Succeeded: 1},
		},
		&batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: "worker", Namespace: "ns-active"},
			Status:     batchv1.JobStatus{Active: 1},
		},
	)
	b := NewK8sWithClient(client, testCfg(), quietLogger())
	ctx := context.Background()

	failures := &recordedFailures{}
	observed, err := b.Sweep(ctx, failures)
	require.NoError(t, err)

	assert.Equal(t, domain.FailReasonTimeout, failures.calls["job-timeout"])
	assert.Equal(t, domain.FailReasonLost, failures.calls["job-lost"])
	assert.Equal(t, domain.FailReasonCrashed, failures.calls["job-crashed"])
	assert.NotContains(t, failures.calls, "job-done")
	assert.NotContains(t, failures.calls, "job-active")

	for _, id := range []string{"job-timeout", "job-lost", "job-crashed", "job-done", "job-active"} {
		assert.True(t, observed[id], id)
	}

	// The healthy namespace survives the sweep.
	_, err = client.CoreV1().Namespaces().Get(ctx, "ns-active", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = client.CoreV1().Namespaces().Get(ctx, "ns-done", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestK8s_RunningWorkersAndHasWorker(t *testing.T) {
	now := time.Now().UTC()
	client := fake.NewSimpleClientset(
		managedNamespace("solaudit-instancer-job-a", "a", now),
		managedNamespace("solaudit-instancer-job-b", "b", now),
	)
	b := NewK8sWithClient(client, testCfg(), quietLogger())
	ctx := context.Background()

	n, err := b.RunningWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	has, err := b.HasWorker(ctx, "a")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = b.HasWorker(ctx, "zzz")
	require.NoError(t, err)
	assert.False(t, has)
}
