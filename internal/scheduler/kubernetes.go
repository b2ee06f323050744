package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelJobID     = "hpcflow.io/job-id"
	labelUser      = "hpcflow.io/user"
	managedBy      = "hpcflow"
)

// KubernetesOptions holds configuration for the Kubernetes backend.
type KubernetesOptions struct {
	// Namespace where jobs will be created
	Namespace string
	// Image runs the batch script. It needs bash and the simulation tools.
	Image string
	// ServiceAccount for job pods (optional)
	ServiceAccount string
	// VolumeClaim is mounted at MountPath so pods see the run directory.
	VolumeClaim string
	MountPath   string
	// User labels jobs so CheckQueues can select them.
	User string
	// Default resource limits for jobs
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

// Kubernetes runs each submission as a batch/v1 Job. The wall clock limit becomes
// activeDeadlineSeconds, so a WCT kill shows up as a DeadlineExceeded failure.
type Kubernetes struct {
	clientset kubernetes.Interface
	config    KubernetesOptions
	machine   string
	logger    *slog.Logger
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetes creates a Kubernetes backend.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetes(opts Options) (*Kubernetes, error) {
	opts.setDefaults()
	clientset := opts.Clientset
	if clientset == nil {
		config, err := rest.InClusterConfig()
		if err != nil {
			opts.Logger.Info("in-cluster config not available, trying kubeconfig", "error", err)
			kubeconfig := filepath.Join(homeDir(), ".kube", "config")
			config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
			if err != nil {
				return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
			}
		}
		cs, err := kubernetes.NewForConfig(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
		}
		clientset = cs
	}

	cfg := opts.Kubernetes
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Image == "" {
		cfg.Image = "bash:5"
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "/work"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "1"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "1Gi"
	}

	return &Kubernetes{
		clientset: clientset,
		config:    cfg,
		machine:   opts.Machine,
		logger:    opts.Logger,
	}, nil
}

func (k *Kubernetes) Name() string { return KindKubernetes }

func (k *Kubernetes) fail(op string, err error) error {
	return &SchedulerError{Backend: KindKubernetes, Op: op, Machine: k.machine, Err: err}
}

func jobName(jobID int64) string {
	return "hpcflow-" + strconv.FormatInt(jobID, 10)
}

// SubmitJob creates the Job. Pod logs stay in the cluster; the script itself writes
// {job_name}_{job_id}_{timestamp} log files through the job id in its environment.
func (k *Kubernetes) SubmitJob(ctx context.Context, req SubmitRequest) (int64, error) {
	jobID := int64(uuid.New().ID())
	name := jobName(jobID)

	limits := corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse(k.config.DefaultCPULimit),
		corev1.ResourceMemory: resource.MustParse(k.config.DefaultMemoryLimit),
	}
	if req.Cores > 0 {
		limits[corev1.ResourceCPU] = *resource.NewQuantity(int64(req.Cores), resource.DecimalSI)
	}
	if req.MemoryMB > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(int64(req.MemoryMB)*1024*1024, resource.BinarySI)
	}

	labels := map[string]string{
		labelManagedBy: managedBy,
		labelJobID:     strconv.FormatInt(jobID, 10),
	}
	if k.config.User != "" {
		labels[labelUser] = k.config.User
	}

	backoffLimit := int32(0) // retries are decided by the task store
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   k.config.Namespace,
			Labels:      labels,
			Annotations: map[string]string{"hpcflow.io/job-name": req.JobName},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:       "job",
							Image:      k.config.Image,
							Command:    []string{"bash", req.ScriptPath},
							WorkingDir: req.WorkingDir,
							Env: []corev1.EnvVar{
								{Name: JobIDEnv, Value: strconv.FormatInt(jobID, 10)},
							},
							Resources: corev1.ResourceRequirements{Limits: limits},
						},
					},
				},
			},
		},
	}
	if req.WallTime > 0 {
		secs := int64(req.WallTime.Seconds())
		if secs < 1 {
			secs = 1
		}
		job.Spec.ActiveDeadlineSeconds = &secs
	}
	if k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}
	if k.config.VolumeClaim != "" {
		pod := &job.Spec.Template.Spec
		pod.Volumes = []corev1.Volume{{
			Name: "work",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: k.config.VolumeClaim},
			},
		}}
		pod.Containers[0].VolumeMounts = []corev1.VolumeMount{{Name: "work", MountPath: k.config.MountPath}}
	}

	created, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return 0, k.fail("submit", err)
	}
	k.logger.Info("created kubernetes job", "job", created.Name, "job_id", jobID, "namespace", k.config.Namespace)
	return jobID, nil
}

// CancelJob deletes the Job with foreground propagation so its pods go too.
func (k *Kubernetes) CancelJob(ctx context.Context, jobID int64, machine string) error {
	propagation := metav1.DeletePropagationForeground
	err := k.clientset.BatchV1().Jobs(k.config.Namespace).Delete(ctx, jobName(jobID), metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return k.fail("cancel", err)
	}
	return nil
}

// CheckQueues lists unfinished Jobs. Jobs with an active pod are "R", the rest "Q".
func (k *Kubernetes) CheckQueues(ctx context.Context, user, machine string) ([]QueueEntry, error) {
	selector := labelManagedBy + "=" + managedBy
	if user != "" {
		selector += "," + labelUser + "=" + user
	}
	jobs, err := k.clientset.BatchV1().Jobs(k.config.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, k.fail("check queues", err)
	}

	var entries []QueueEntry
	for i := range jobs.Items {
		job := &jobs.Items[i]
		if _, done := finishedCondition(job); done {
			continue
		}
		id, err := strconv.ParseInt(job.Labels[labelJobID], 10, 64)
		if err != nil {
			continue
		}
		state := "Q"
		if job.Status.Active > 0 {
			state = "R"
		}
		entries = append(entries, QueueEntry{JobID: id, State: state})
	}
	return entries, nil
}

func (k *Kubernetes) GetJobMetadata(ctx context.Context, jobID int64, machine string) (JobMetadata, error) {
	job, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Get(ctx, jobName(jobID), metav1.GetOptions{})
	if err != nil {
		return JobMetadata{}, k.fail("job metadata", err)
	}

	md := JobMetadata{JobID: jobID, State: "PENDING"}
	if job.Status.Active > 0 {
		md.State = "RUNNING"
	}
	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		md.Start = &t
	}
	if cond, done := finishedCondition(job); done {
		md.Finished = true
		md.Succeeded = cond.Type == batchv1.JobComplete
		md.State = string(cond.Type)
		if cond.Reason != "" {
			md.State = cond.Reason
		}
		end := cond.LastTransitionTime.Time
		if job.Status.CompletionTime != nil {
			end = job.Status.CompletionTime.Time
		}
		md.End = &end
	}
	if md.Start != nil && md.End != nil {
		md.RunTime = md.End.Sub(*md.Start)
	}
	if cs := job.Spec.Template.Spec.Containers; len(cs) > 0 {
		if q, ok := cs[0].Resources.Limits[corev1.ResourceCPU]; ok {
			md.Cores = int(q.Value())
		}
	}
	return md, nil
}

func (k *Kubernetes) CheckWCTExceeded(ctx context.Context, jobID int64, machine string) (bool, error) {
	md, err := k.GetJobMetadata(ctx, jobID, machine)
	if err != nil {
		return false, err
	}
	return md.State == "DeadlineExceeded", nil
}

// finishedCondition returns the Complete or Failed condition of a finished Job.
func finishedCondition(job *batchv1.Job) (batchv1.JobCondition, bool) {
	for _, c := range job.Status.Conditions {
		if (c.Type == batchv1.JobComplete || c.Type == batchv1.JobFailed) && c.Status == corev1.ConditionTrue {
			return c, true
		}
	}
	return batchv1.JobCondition{}, false
}
