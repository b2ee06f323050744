package scheduler

import (
	"context"
	"strconv"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestKubernetes(t *testing.T) (*Kubernetes, *fake.Clientset) {
	t.Helper()
	clientset := fake.NewClientset()
	k, err := NewKubernetes(Options{
		Machine:   "k8s",
		Clientset: clientset,
		Kubernetes: KubernetesOptions{
			Namespace:   "sims",
			Image:       "registry.local/sim-tools:latest",
			VolumeClaim: "runs",
			User:        "jpa198",
		},
	})
	if err != nil {
		t.Fatalf("NewKubernetes failed: %v", err)
	}
	return k, clientset
}

func TestKubernetes_SubmitJob_CreatesJob(t *testing.T) {
	k, clientset := newTestKubernetes(t)
	ctx := context.Background()

	id, err := k.SubmitJob(ctx, SubmitRequest{
		WorkingDir: "/work/R1", ScriptPath: "/work/R1/run_hf.sh", JobName: "hf.R1",
		WallTime: 2 * time.Hour, Cores: 4,
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	job, err := clientset.BatchV1().Jobs("sims").Get(ctx, jobName(id), metav1.GetOptions{})
	if err != nil {
		t.Fatalf("job not created: %v", err)
	}
	if job.Spec.ActiveDeadlineSeconds == nil || *job.Spec.ActiveDeadlineSeconds != 7200 {
		t.Errorf("activeDeadlineSeconds = %v, want 7200", job.Spec.ActiveDeadlineSeconds)
	}
	c := job.Spec.Template.Spec.Containers[0]
	if c.Image != "registry.local/sim-tools:latest" || c.WorkingDir != "/work/R1" {
		t.Errorf("container = %+v", c)
	}
	if len(c.Env) != 1 || c.Env[0].Value != strconv.FormatInt(id, 10) {
		t.Errorf("job id env = %+v", c.Env)
	}
	if cpu := c.Resources.Limits[corev1.ResourceCPU]; cpu.Value() != 4 {
		t.Errorf("cpu limit = %v, want 4", cpu.String())
	}
	if len(job.Spec.Template.Spec.Volumes) != 1 || len(c.VolumeMounts) != 1 {
		t.Error("expected the run volume to be mounted")
	}
	if job.Labels[labelManagedBy] != managedBy || job.Labels[labelUser] != "jpa198" {
		t.Errorf("labels = %v", job.Labels)
	}
}

func TestKubernetes_CheckQueuesAndMetadata(t *testing.T) {
	k, clientset := newTestKubernetes(t)
	ctx := context.Background()

	running, err := k.SubmitJob(ctx, SubmitRequest{ScriptPath: "a.sh", WallTime: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	expired, err := k.SubmitJob(ctx, SubmitRequest{ScriptPath: "b.sh", WallTime: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the job controller.
	jobs := clientset.BatchV1().Jobs("sims")
	j, _ := jobs.Get(ctx, jobName(running), metav1.GetOptions{})
	j.Status.Active = 1
	if _, err := jobs.UpdateStatus(ctx, j, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
	start := metav1.NewTime(time.Now().Add(-2 * time.Minute))
	j, _ = jobs.Get(ctx, jobName(expired), metav1.GetOptions{})
	j.Status.StartTime = &start
	j.Status.Conditions = []batchv1.JobCondition{{
		Type:               batchv1.JobFailed,
		Status:             corev1.ConditionTrue,
		Reason:             "DeadlineExceeded",
		LastTransitionTime: metav1.NewTime(time.Now()),
	}}
	if _, err := jobs.UpdateStatus(ctx, j, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}

	entries, err := k.CheckQueues(ctx, "jpa198", "k8s")
	if err != nil {
		t.Fatalf("CheckQueues failed: %v", err)
	}
	if len(entries) != 1 || entries[0] != (QueueEntry{JobID: running, State: "R"}) {
		t.Errorf("entries = %+v", entries)
	}

	md, err := k.GetJobMetadata(ctx, expired, "k8s")
	if err != nil {
		t.Fatalf("GetJobMetadata failed: %v", err)
	}
	if !md.Finished || md.Succeeded || md.RunTime <= 0 {
		t.Errorf("metadata = %+v", md)
	}
	wct, err := k.CheckWCTExceeded(ctx, expired, "k8s")
	if err != nil || !wct {
		t.Errorf("CheckWCTExceeded = %v, %v; want true", wct, err)
	}
}

func TestKubernetes_CancelJob(t *testing.T) {
	k, clientset := newTestKubernetes(t)
	ctx := context.Background()

	id, err := k.SubmitJob(ctx, SubmitRequest{ScriptPath: "a.sh"})
	if err != nil {
		t.Fatal(err)
	}
	if err := k.CancelJob(ctx, id, "k8s"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	jobs, _ := clientset.BatchV1().Jobs("sims").List(ctx, metav1.ListOptions{})
	if len(jobs.Items) != 0 {
		t.Errorf("expected job to be deleted, got %d", len(jobs.Items))
	}
	if err := k.CancelJob(ctx, id, "k8s"); !IsSchedulerError(err) {
		t.Errorf("expected SchedulerError for missing job, got %v", err)
	}
}
