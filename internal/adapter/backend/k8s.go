package backend

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// lostNamespaceGrace is how long an empty job namespace may exist before it
// counts as lost.
const lostNamespaceGrace = 30 * time.Second

// nsDeleteWait is the poll interval while waiting for a namespace to
// terminate before recreation.
const nsDeleteWait = 3 * time.Second

// K8sBackend runs each worker as a batch job in its own ephemeral
// namespace, fenced by an egress network policy.
type K8sBackend struct {
	client kubernetes.Interface
	cfg    config.Config
	log    *slog.Logger
}

// NewK8s builds the clientset from in-cluster credentials or the local
// kubeconfig, per configuration.
func NewK8s(cfg config.Config, log *slog.Logger) (*K8sBackend, error) {
	var (
		rc  *rest.Config
		err error
	)
	switch cfg.K8sAuthMethod {
	case "incluster":
		rc, err = rest.InClusterConfig()
	default:
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		rc, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("op=backend.k8s: %w", err)
	}
	client, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("op=backend.k8s: %w", err)
	}
	return &K8sBackend{client: client, cfg: cfg, log: log}, nil
}

// NewK8sWithClient injects a clientset, used by tests with a fake.
func NewK8sWithClient(client kubernetes.Interface, cfg config.Config, log *slog.Logger) *K8sBackend {
	return &K8sBackend{client: client, cfg: cfg, log: log}
}

// NamespaceFor returns the ephemeral namespace name owning the job.
func (b *K8sBackend) NamespaceFor(jobID string) string {
	return fmt.Sprintf("%s-job-%s", b.cfg.ManagerName, jobID)
}

// StartWorker creates the namespace, its egress policy and the worker job.
// A leftover namespace with the same name is deleted first; creation blocks
// until the old one is gone.
func (b *K8sBackend) StartWorker(ctx domain.Context, opts domain.StartWorkerOptions) (string, error) {
	ns := b.NamespaceFor(opts.JobID)
	if err := b.deleteNamespaceAndWait(ctx, ns); err != nil {
		return "", fmt.Errorf("op=backend.k8s.start: %w", err)
	}

	now := time.Now().UTC()
	labels := workerLabels(b.cfg, opts.JobID, now.Unix())

	_, err := b.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns, Labels: labels},
	}, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("op=backend.k8s.start: namespace: %w", err)
	}

	if _, err := b.client.NetworkingV1().NetworkPolicies(ns).Create(ctx, b.egressPolicy(ns), metav1.CreateOptions{}); err != nil {
		_ = b.client.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
		return "", fmt.Errorf("op=backend.k8s.start: network policy: %w", err)
	}

	if _, err := b.client.BatchV1().Jobs(ns).Create(ctx, b.workerJob(opts, labels), metav1.CreateOptions{}); err != nil {
		_ = b.client.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
		return "", fmt.Errorf("op=backend.k8s.start: job: %w", err)
	}

	b.log.Info("worker namespace created",
		slog.String("job_id", opts.JobID),
		slog.String("namespace", ns))
	return ns, nil
}

func (b *K8sBackend) deleteNamespaceAndWait(ctx domain.Context, ns string) error {
	err := b.client.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	b.log.Warn("deleting leftover namespace", slog.String("namespace", ns))
	for {
		_, err := b.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(nsDeleteWait):
		}
	}
}

// egressPolicy allows cluster DNS, the platform services the worker talks
// to, and the public Internet minus the configured private ranges.
func (b *K8sBackend) egressPolicy(ns string) *networkingv1.NetworkPolicy {
	udp := corev1.ProtocolUDP
	dns := intstr.FromInt32(53)
	platformNS := metav1.LabelSelector{
		MatchLabels: map[string]string{"kubernetes.io/metadata.name": b.cfg.K8sPlatformNS},
	}
	svcRule := func(app string, port int32) networkingv1.NetworkPolicyEgressRule {
		p := intstr.FromInt32(port)
		return networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{{
				NamespaceSelector: &platformNS,
				PodSelector:       &metav1.LabelSelector{MatchLabels: map[string]string{"app": app}},
			}},
			Ports: []networkingv1.NetworkPolicyPort{{Port: &p}},
		}
	}
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-egress", Namespace: ns},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{{
						IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0", Except: b.cfg.K8sEgressIPExcept},
					}},
				},
				{
					To: []networkingv1.NetworkPolicyPeer{{
						NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"},
						},
						PodSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"k8s-app": "kube-dns"},
						},
					}},
					Ports: []networkingv1.NetworkPolicyPort{{Protocol: &udp, Port: &dns}},
				},
				svcRule("secretsvc", int32(b.cfg.WorkerSecretsPort)),
				svcRule("resultsvc", int32(b.cfg.WorkerResultsPort)),
				svcRule("oaiproxy", int32(b.cfg.OAIProxyPort)),
			},
		},
	}
}

func (b *K8sBackend) workerJob(opts domain.StartWorkerOptions, labels map[string]string) *batchv1.Job {
	backoffLimit := int32(0)
	automount := false
	env := make([]corev1.EnvVar, 0, 10)
	for _, kv := range workerEnv(b.cfg, opts) {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env = append(env, corev1.EnvVar{Name: kv[:i], Value: kv[i+1:]})
				break
			}
		}
	}
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "worker", Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:                corev1.RestartPolicyNever,
					AutomountServiceAccountToken: &automount,
					Containers: []corev1.Container{{
						Name:            "worker",
						Image:           b.cfg.WorkerImage,
						ImagePullPolicy: corev1.PullPolicy(b.cfg.K8sImagePullPolicy),
						Env:             env,
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceMemory: resource.MustParse("512Mi"),
								corev1.ResourceCPU:    resource.MustParse("250m"),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceMemory: resource.MustParse("1Gi"),
								corev1.ResourceCPU:    resource.MustParse("1"),
							},
						},
					}},
				},
			},
		},
	}
}

// RunningWorkers counts live managed namespaces.
func (b *K8sBackend) RunningWorkers(ctx domain.Context) (int, error) {
	list, err := b.listManaged(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ns := range list.Items {
		if ns.Status.Phase != corev1.NamespaceTerminating {
			n++
		}
	}
	return n, nil
}

// DefaultMaxConcurrency is unbounded; the cluster scheduler is the limit.
func (b *K8sBackend) DefaultMaxConcurrency() int { return 0 }

// HasWorker reports whether a namespace exists for the job.
func (b *K8sBackend) HasWorker(ctx domain.Context, jobID string) (bool, error) {
	_, err := b.client.CoreV1().Namespaces().Get(ctx, b.NamespaceFor(jobID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=backend.k8s.has_worker: %w", err)
	}
	return true, nil
}

// Sweep walks managed namespaces and reconciles each with its job: over-age
// namespaces time the job out, empty ones past the grace period mean the
// worker is lost, a failed pod phase means it crashed, and completed
// namespaces are simply collected.
func (b *K8sBackend) Sweep(ctx domain.Context, actions domain.SweepActions) (map[string]bool, error) {
	list, err := b.listManaged(ctx)
	if err != nil {
		return nil, err
	}

	observed := make(map[string]bool, len(list.Items))
	now := time.Now().UTC()

	for _, ns := range list.Items {
		jobID := ns.Labels[LabelJobID]
		if jobID == "" || ns.Status.Phase == corev1.NamespaceTerminating {
			continue
		}
		observed[jobID] = true

		age := now.Sub(ns.CreationTimestamp.Time)
		if started := startedAtFromLabels(ns.Labels); started > 0 {
			age = now.Sub(time.Unix(started, 0))
		}
		if age > b.cfg.MaxWorkerAge {
			b.deleteNamespace(ctx, ns.Name)
			actions.FailJob(ctx, jobID, domain.FailReasonTimeout)
			continue
		}

		jobs, err := b.client.BatchV1().Jobs(ns.Name).List(ctx, metav1.ListOptions{})
		if err != nil {
			b.log.Error("job listing failed", slog.String("namespace", ns.Name), slog.Any("error", err))
			continue
		}
		switch {
		case len(jobs.Items) == 0:
			if age > lostNamespaceGrace {
				b.deleteNamespace(ctx, ns.Name)
				actions.FailJob(ctx, jobID, domain.FailReasonLost)
			}
		case anyFailed(jobs.Items):
			b.deleteNamespace(ctx, ns.Name)
			actions.FailJob(ctx, jobID, domain.FailReasonCrashed)
		case allComplete(jobs.Items):
			b.deleteNamespace(ctx, ns.Name)
		}
	}
	return observed, nil
}

func (b *K8sBackend) listManaged(ctx domain.Context) (*corev1.NamespaceList, error) {
	list, err := b.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: LabelManagedBy + "=" + b.cfg.ManagerName,
	})
	if err != nil {
		return nil, fmt.Errorf("op=backend.k8s.list: %w", err)
	}
	return list, nil
}

func (b *K8sBackend) deleteNamespace(ctx domain.Context, ns string) {
	if err := b.client.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		b.log.Error("namespace delete failed", slog.String("namespace", ns), slog.Any("error", err))
	}
}

func anyFailed(jobs []batchv1.Job) bool {
	for _, j := range jobs {
		if j.Status.Failed > 0 {
			return true
		}
	}
	return false
}

func allComplete(jobs []batchv1.Job) bool {
	for _, j := range jobs {
		if j.Status.Succeeded == 0 || j.Status.Active > 0 {
			return false
		}
	}
	return len(jobs) > 0
}

var _ domain.WorkerBackend = (*K8sBackend)(nil)
